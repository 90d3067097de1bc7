package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/buildsync/utils"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LocalEntity is a snapshot of one portal record. Type selects the non-nil variant.
type LocalEntity struct {
	Type    EntityType `json:"type"`
	Invoice *Invoice   `json:"invoice,omitempty"`
	Expense *Expense   `json:"expense,omitempty"`
	Client  *Client    `json:"client,omitempty"`
	Vendor  *Vendor    `json:"vendor,omitempty"`
	Account *GlAccount `json:"account,omitempty"`
	Payment *Payment   `json:"payment,omitempty"`
}

func InvoiceEntity(v *Invoice) LocalEntity   { return LocalEntity{Type: EntityTypeInvoice, Invoice: v} }
func ExpenseEntity(v *Expense) LocalEntity   { return LocalEntity{Type: EntityTypeExpense, Expense: v} }
func ClientEntity(v *Client) LocalEntity     { return LocalEntity{Type: EntityTypeClient, Client: v} }
func VendorEntity(v *Vendor) LocalEntity     { return LocalEntity{Type: EntityTypeVendor, Vendor: v} }
func AccountEntity(v *GlAccount) LocalEntity { return LocalEntity{Type: EntityTypeAccount, Account: v} }
func PaymentEntity(v *Payment) LocalEntity   { return LocalEntity{Type: EntityTypePayment, Payment: v} }

// variant returns the populated record for Type, or nil when Type and the
// populated pointer disagree.
func (e LocalEntity) variant() any {
	switch e.Type {
	case EntityTypeInvoice:
		if e.Invoice != nil {
			return e.Invoice
		}
	case EntityTypeExpense:
		if e.Expense != nil {
			return e.Expense
		}
	case EntityTypeClient:
		if e.Client != nil {
			return e.Client
		}
	case EntityTypeVendor:
		if e.Vendor != nil {
			return e.Vendor
		}
	case EntityTypeAccount:
		if e.Account != nil {
			return e.Account
		}
	case EntityTypePayment:
		if e.Payment != nil {
			return e.Payment
		}
	}
	return nil
}

func (e LocalEntity) ID() string {
	switch e.Type {
	case EntityTypeInvoice:
		if e.Invoice != nil {
			return e.Invoice.ID
		}
	case EntityTypeExpense:
		if e.Expense != nil {
			return e.Expense.ID
		}
	case EntityTypeClient:
		if e.Client != nil {
			return e.Client.ID
		}
	case EntityTypeVendor:
		if e.Vendor != nil {
			return e.Vendor.ID
		}
	case EntityTypeAccount:
		if e.Account != nil {
			return e.Account.ID
		}
	case EntityTypePayment:
		if e.Payment != nil {
			return e.Payment.ID
		}
	}
	return ""
}

func (e LocalEntity) GcAccountId() string {
	switch e.Type {
	case EntityTypeInvoice:
		if e.Invoice != nil {
			return e.Invoice.GcAccountId
		}
	case EntityTypeExpense:
		if e.Expense != nil {
			return e.Expense.GcAccountId
		}
	case EntityTypeClient:
		if e.Client != nil {
			return e.Client.GcAccountId
		}
	case EntityTypeVendor:
		if e.Vendor != nil {
			return e.Vendor.GcAccountId
		}
	case EntityTypeAccount:
		if e.Account != nil {
			return e.Account.GcAccountId
		}
	case EntityTypePayment:
		if e.Payment != nil {
			return e.Payment.GcAccountId
		}
	}
	return ""
}

// UpdatedAt is the record's own modification time, used to order reference writes.
func (e LocalEntity) UpdatedAt() time.Time {
	switch e.Type {
	case EntityTypeInvoice:
		if e.Invoice != nil {
			return e.Invoice.UpdatedAt
		}
	case EntityTypeExpense:
		if e.Expense != nil {
			return e.Expense.UpdatedAt
		}
	case EntityTypeClient:
		if e.Client != nil {
			return e.Client.UpdatedAt
		}
	case EntityTypeVendor:
		if e.Vendor != nil {
			return e.Vendor.UpdatedAt
		}
	case EntityTypeAccount:
		if e.Account != nil {
			return e.Account.UpdatedAt
		}
	case EntityTypePayment:
		if e.Payment != nil {
			return e.Payment.UpdatedAt
		}
	}
	return time.Time{}
}

// Counterpart names the customer or vendor record that must exist at the
// provider before this entity can be submitted. ok is false for entities
// that stand alone.
func (e LocalEntity) Counterpart() (EntityType, string, bool) {
	switch e.Type {
	case EntityTypeInvoice:
		if e.Invoice != nil {
			return EntityTypeClient, e.Invoice.ClientId, true
		}
	case EntityTypeExpense:
		if e.Expense != nil {
			return EntityTypeVendor, e.Expense.VendorId, true
		}
	case EntityTypePayment:
		if p := e.Payment; p != nil {
			if p.InvoiceId != nil && p.ClientId != nil {
				return EntityTypeClient, *p.ClientId, true
			}
			if p.ExpenseId != nil && p.VendorId != nil {
				return EntityTypeVendor, *p.VendorId, true
			}
		}
	}
	return "", "", false
}

// LinkedTransaction is the invoice or expense a payment settles.
func (e LocalEntity) LinkedTransaction() (EntityType, string, bool) {
	if e.Type != EntityTypePayment || e.Payment == nil {
		return "", "", false
	}
	if e.Payment.InvoiceId != nil {
		return EntityTypeInvoice, *e.Payment.InvoiceId, true
	}
	if e.Payment.ExpenseId != nil {
		return EntityTypeExpense, *e.Payment.ExpenseId, true
	}
	return "", "", false
}

// GlAccountID is the chart-of-accounts entry linked to an invoice or expense.
func (e LocalEntity) GlAccountID() (string, bool) {
	switch e.Type {
	case EntityTypeInvoice:
		if e.Invoice != nil && e.Invoice.GlAccountId != nil && *e.Invoice.GlAccountId != "" {
			return *e.Invoice.GlAccountId, true
		}
	case EntityTypeExpense:
		if e.Expense != nil && e.Expense.GlAccountId != nil && *e.Expense.GlAccountId != "" {
			return *e.Expense.GlAccountId, true
		}
	}
	return "", false
}

// Validate checks the snapshot's shape. Failures are ValidationErrors naming the offending fields.
func (e LocalEntity) Validate() error {
	if !e.Type.IsValid() {
		return utils.Errorf(utils.KindValidation, "LocalEntity.Validate", "unknown entity type %q", e.Type)
	}
	v := e.variant()
	if v == nil {
		return utils.Errorf(utils.KindValidation, "LocalEntity.Validate", "%s snapshot is missing", e.Type)
	}
	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return utils.Errorf(utils.KindValidation, "LocalEntity.Validate", "invalid %s: %s", e.Type, strings.Join(fields, ", "))
		}
		return utils.NewSyncError(utils.KindValidation, "LocalEntity.Validate", err)
	}
	return nil
}
