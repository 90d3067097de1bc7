package models

import (
	"fmt"
	"strings"
)

type Provider string

const (
	ProviderQBO    Provider = "qbo"
	ProviderStripe Provider = "stripe"
)

func (p Provider) IsValid() bool {
	return p == ProviderQBO || p == ProviderStripe
}

func (p Provider) DisplayName() string {
	switch p {
	case ProviderQBO:
		return "QuickBooks"
	case ProviderStripe:
		return "Stripe"
	}
	return string(p)
}

// ParseProvider accepts "qbo", "quickbooks" and "stripe" in any case.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "qbo", "quickbooks":
		return ProviderQBO, nil
	case "stripe":
		return ProviderStripe, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

type EntityType string

const (
	EntityTypeInvoice EntityType = "invoice"
	EntityTypeExpense EntityType = "expense"
	EntityTypeClient  EntityType = "client"
	EntityTypeVendor  EntityType = "vendor"
	EntityTypeAccount EntityType = "account"
	EntityTypePayment EntityType = "payment"
)

func (t EntityType) IsValid() bool {
	switch t {
	case EntityTypeInvoice, EntityTypeExpense, EntityTypeClient, EntityTypeVendor, EntityTypeAccount, EntityTypePayment:
		return true
	}
	return false
}

func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

type SyncStatus string

const (
	SyncStatusNotSynced SyncStatus = "not_synced"
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusSynced    SyncStatus = "synced"
	SyncStatusError     SyncStatus = "error"
)

func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncStatusNotSynced, SyncStatusPending, SyncStatusSynced, SyncStatusError:
		return true
	}
	return false
}

type InvoiceStatus string

const (
	InvoiceStatusPendingPayment InvoiceStatus = "pending_payment"
	InvoiceStatusPaid           InvoiceStatus = "paid"
	InvoiceStatusCancelled      InvoiceStatus = "cancelled"
)

type ExpenseStatus string

const (
	ExpenseStatusUnpaid ExpenseStatus = "unpaid"
	ExpenseStatusPaid   ExpenseStatus = "paid"
)

type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusPending   PaymentStatus = "pending"
)

// PaymentMethod is the portal's own payment-method code.
type PaymentMethod string

const (
	PaymentMethodCard     PaymentMethod = "cc"
	PaymentMethodCheck    PaymentMethod = "check"
	PaymentMethodTransfer PaymentMethod = "transfer"
	PaymentMethodCash     PaymentMethod = "cash"
)

type CredentialStatus string

const (
	CredentialStatusActive  CredentialStatus = "active"
	CredentialStatusRevoked CredentialStatus = "revoked"
)

type WebhookState string

const (
	WebhookStateReceived WebhookState = "received"
	WebhookStateVerified WebhookState = "verified"
	WebhookStateApplied  WebhookState = "applied"
	WebhookStateRejected WebhookState = "rejected"
)

type SyncAction string

const (
	SyncActionClaim   SyncAction = "claim"
	SyncActionCreate  SyncAction = "create"
	SyncActionUpdate  SyncAction = "update"
	SyncActionWebhook SyncAction = "webhook"
	SyncActionSweep   SyncAction = "sweep"
	SyncActionUnsync  SyncAction = "unsync"
)
