package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/buildsync/config"
	"gorm.io/gorm"
)

// StripeConnectAccount mirrors a tenant's Connect account state as reported by account.* events.
type StripeConnectAccount struct {
	ID                 uint      `gorm:"primary_key" json:"id"`
	GcAccountId        string    `gorm:"size:36;index;not null" json:"gc_account_id"`
	StripeAccountId    string    `gorm:"size:64;uniqueIndex;not null" json:"stripe_account_id"`
	ChargesEnabled     bool      `json:"charges_enabled"`
	PayoutsEnabled     bool      `json:"payouts_enabled"`
	DetailsSubmitted   bool      `json:"details_submitted"`
	Deauthorized       bool      `json:"deauthorized"`
	LastEventCreatedMs int64     `gorm:"not null;default:0" json:"last_event_created_ms"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Enabled is what the portal checks before offering card payments.
func (a StripeConnectAccount) Enabled() bool {
	return a.ChargesEnabled && a.DetailsSubmitted && !a.Deauthorized
}

type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusUnpaid     SubscriptionStatus = "unpaid"
)

// Subscription is the general contractor's platform plan, billed through Stripe.
type Subscription struct {
	ID                   uint               `gorm:"primary_key" json:"id"`
	GcAccountId          string             `gorm:"size:36;index;not null" json:"gc_account_id"`
	StripeSubscriptionId string             `gorm:"size:64;uniqueIndex;not null" json:"stripe_subscription_id"`
	StripeCustomerId     string             `gorm:"size:64;index" json:"stripe_customer_id"`
	PriceId              string             `gorm:"size:64" json:"price_id"`
	Status               SubscriptionStatus `gorm:"size:20;not null" json:"status"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	LastEventCreatedMs   int64              `gorm:"not null;default:0" json:"last_event_created_ms"`
	CreatedAt            time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

type BillingStore struct {
	db *gorm.DB
}

func NewBillingStore(db *gorm.DB) *BillingStore {
	if db == nil {
		db = config.GetDB()
	}
	return &BillingStore{db: db}
}

// ApplyConnectAccount upserts by stripe account id. Rows written by a newer
// event are left alone; changed is false in that case.
func (s *BillingStore) ApplyConnectAccount(ctx context.Context, acct *StripeConnectAccount) (changed bool, err error) {
	return s.applyOrdered(ctx, acct, &StripeConnectAccount{}, "stripe_account_id", acct.StripeAccountId, acct.LastEventCreatedMs, []string{
		"gc_account_id", "charges_enabled", "payouts_enabled", "details_submitted", "deauthorized", "last_event_created_ms", "updated_at",
	})
}

// ApplySubscription upserts by stripe subscription id with the same ordering rule.
func (s *BillingStore) ApplySubscription(ctx context.Context, sub *Subscription) (changed bool, err error) {
	return s.applyOrdered(ctx, sub, &Subscription{}, "stripe_subscription_id", sub.StripeSubscriptionId, sub.LastEventCreatedMs, []string{
		"gc_account_id", "stripe_customer_id", "price_id", "status", "current_period_end", "cancel_at_period_end", "last_event_created_ms", "updated_at",
	})
}

// applyOrdered inserts row, or on a key collision updates columns only where
// the stored event is not newer than eventMs.
func (s *BillingStore) applyOrdered(ctx context.Context, row any, model any, keyColumn string, keyValue string, eventMs int64, columns []string) (bool, error) {
	err := s.db.WithContext(ctx).Create(row).Error
	if err == nil {
		return true, nil
	}
	if !IsDuplicateKeyErr(err) {
		return false, err
	}
	res := s.db.WithContext(ctx).Model(model).
		Where(keyColumn+" = ? AND last_event_created_ms <= ?", keyValue, eventMs).
		Select(columns).
		Updates(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *BillingStore) GetConnectAccount(ctx context.Context, stripeAccountId string) (*StripeConnectAccount, error) {
	var acct StripeConnectAccount
	if err := s.db.WithContext(ctx).Where("stripe_account_id = ?", stripeAccountId).First(&acct).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *BillingStore) GetSubscription(ctx context.Context, stripeSubscriptionId string) (*Subscription, error) {
	var sub Subscription
	if err := s.db.WithContext(ctx).Where("stripe_subscription_id = ?", stripeSubscriptionId).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}
