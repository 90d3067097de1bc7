package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/buildsync/config"
	"gorm.io/gorm"
)

// PaymentRecord is one confirmed provider payment. The unique key on
// (provider, provider_transaction_id) makes redelivered events no-ops.
type PaymentRecord struct {
	ID                    uint      `gorm:"primary_key" json:"id"`
	Provider              Provider  `gorm:"size:20;not null;uniqueIndex:uniq_payment_record,priority:1" json:"provider"`
	ProviderTransactionId string    `gorm:"size:128;not null;uniqueIndex:uniq_payment_record,priority:2" json:"provider_transaction_id"`
	GcAccountId           string    `gorm:"size:36;index;not null" json:"gc_account_id"`
	InvoiceId             string    `gorm:"size:36;index" json:"invoice_id"`
	AmountCents           int64     `json:"amount_cents"`
	Currency              string    `gorm:"size:3" json:"currency"`
	PaidAt                time.Time `json:"paid_at"`
	ProviderEventId       string    `gorm:"size:128" json:"provider_event_id"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type PaymentStore struct {
	db *gorm.DB
}

func NewPaymentStore(db *gorm.DB) *PaymentStore {
	if db == nil {
		db = config.GetDB()
	}
	return &PaymentStore{db: db}
}

// PaymentOutcome reports what ApplyInvoicePayment changed.
type PaymentOutcome int

const (
	// PaymentDuplicate: the payment was already recorded; nothing changed.
	PaymentDuplicate PaymentOutcome = iota
	// PaymentApplied: the payment was recorded and the invoice is now paid.
	PaymentApplied
	// PaymentRecordedOnly: the payment was recorded but the invoice was not
	// awaiting payment (cancelled, already paid or missing) and kept its status.
	PaymentRecordedOnly
)

// ApplyInvoicePayment records the payment and marks the invoice paid in one
// transaction. Only pending_payment invoices move to paid; money received for
// a cancelled invoice is still recorded so it can be refunded or reconciled.
func (s *PaymentStore) ApplyInvoicePayment(ctx context.Context, rec *PaymentRecord, paymentReference *string) (outcome PaymentOutcome, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			if IsDuplicateKeyErr(err) {
				outcome = PaymentDuplicate
				return nil
			}
			return err
		}
		outcome = PaymentRecordedOnly
		if rec.InvoiceId == "" {
			return nil
		}
		paid, err := markInvoicePaid(tx, rec.InvoiceId, paymentReference, rec.PaidAt)
		if paid {
			outcome = PaymentApplied
		}
		return err
	})
	return outcome, err
}

// MarkInvoicePaid flips a pending_payment invoice to paid. Paid and cancelled invoices are left untouched.
func (s *PaymentStore) MarkInvoicePaid(ctx context.Context, invoiceId string, paymentReference *string, paidAt time.Time) (bool, error) {
	return markInvoicePaid(s.db.WithContext(ctx), invoiceId, paymentReference, paidAt)
}

func markInvoicePaid(tx *gorm.DB, invoiceId string, paymentReference *string, paidAt time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":  InvoiceStatusPaid,
		"paid_at": paidAt.UTC(),
	}
	if paymentReference != nil {
		updates["payment_reference"] = *paymentReference
	}
	res := tx.Model(&Invoice{}).
		Where("id = ? AND status = ?", invoiceId, InvoiceStatusPendingPayment).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

func (s *PaymentStore) CountForTransaction(ctx context.Context, provider Provider, transactionId string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&PaymentRecord{}).
		Where("provider = ? AND provider_transaction_id = ?", provider, transactionId).
		Count(&n).Error
	return n, err
}
