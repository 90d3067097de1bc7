package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// The records below live in tables owned by the portal. This service reads
// snapshots of them and only writes invoice payment fields back.

type Invoice struct {
	ID               string        `gorm:"primaryKey;size:36" json:"id" validate:"required"`
	GcAccountId      string        `gorm:"size:36;index;not null" json:"gc_account_id" validate:"required"`
	ClientId         string        `gorm:"size:36;index;not null" json:"client_id" validate:"required"`
	ProjectId        *string       `gorm:"size:36;index" json:"project_id"`
	InvoiceNumber    string        `gorm:"size:64" json:"invoice_number"`
	Description      string        `gorm:"type:text" json:"description"`
	Notes            string        `gorm:"type:text" json:"notes"`
	AmountCents      int64         `gorm:"not null;default:0" json:"amount_cents" validate:"gte=0"`
	Currency         string        `gorm:"size:3;not null;default:usd" json:"currency"`
	Status           InvoiceStatus `gorm:"size:20;not null;default:pending_payment" json:"status" validate:"oneof=pending_payment paid cancelled"`
	IssueDate        time.Time     `json:"issue_date"`
	DueDate          *time.Time    `json:"due_date"`
	GlAccountId      *string       `gorm:"size:36" json:"gl_account_id"`
	PaymentMethod    PaymentMethod `gorm:"size:20" json:"payment_method"`
	PaymentReference *string       `gorm:"size:255" json:"payment_reference"`
	PaidAt           *time.Time    `json:"paid_at"`
	Lines            []InvoiceLine `gorm:"foreignKey:InvoiceId" json:"lines" validate:"dive"`
	CreatedAt        time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type InvoiceLine struct {
	ID              uint            `gorm:"primary_key" json:"id"`
	InvoiceId       string          `gorm:"size:36;index;not null" json:"invoice_id"`
	Description     string          `gorm:"type:text" json:"description"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);default:1" json:"quantity"`
	UnitAmountCents int64           `json:"unit_amount_cents" validate:"gte=0"`
	AmountCents     int64           `gorm:"not null" json:"amount_cents" validate:"gte=0"`
	SortOrder       int             `json:"sort_order"`
}

type Expense struct {
	ID            string        `gorm:"primaryKey;size:36" json:"id" validate:"required"`
	GcAccountId   string        `gorm:"size:36;index;not null" json:"gc_account_id" validate:"required"`
	VendorId      string        `gorm:"size:36;index;not null" json:"vendor_id" validate:"required"`
	ProjectId     *string       `gorm:"size:36;index" json:"project_id"`
	Description   string        `gorm:"type:text" json:"description"`
	Notes         string        `gorm:"type:text" json:"notes"`
	AmountCents   int64         `gorm:"not null" json:"amount_cents" validate:"gte=0"`
	Status        ExpenseStatus `gorm:"size:20;not null;default:unpaid" json:"status" validate:"oneof=unpaid paid"`
	ExpenseDate   time.Time     `json:"expense_date"`
	DueDate       *time.Time    `json:"due_date"`
	GlAccountId   *string       `gorm:"size:36" json:"gl_account_id"`
	PaymentMethod PaymentMethod `gorm:"size:20" json:"payment_method"`
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// Client is a project owner the general contractor bills.
type Client struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id" validate:"required"`
	GcAccountId  string    `gorm:"size:36;index;not null" json:"gc_account_id" validate:"required"`
	Name         string    `gorm:"size:255;not null" json:"name" validate:"required"`
	CompanyName  string    `gorm:"size:255" json:"company_name"`
	Email        string    `gorm:"size:255" json:"email" validate:"omitempty,email"`
	Phone        string    `gorm:"size:64" json:"phone"`
	AddressLine1 string    `gorm:"size:255" json:"address_line1"`
	City         string    `gorm:"size:100" json:"city"`
	State        string    `gorm:"size:100" json:"state"`
	PostalCode   string    `gorm:"size:20" json:"postal_code"`
	Country      string    `gorm:"size:2" json:"country"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Vendor is a subcontractor or supplier the general contractor pays.
type Vendor struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id" validate:"required"`
	GcAccountId  string    `gorm:"size:36;index;not null" json:"gc_account_id" validate:"required"`
	Name         string    `gorm:"size:255;not null" json:"name" validate:"required"`
	CompanyName  string    `gorm:"size:255" json:"company_name"`
	Email        string    `gorm:"size:255" json:"email" validate:"omitempty,email"`
	Phone        string    `gorm:"size:64" json:"phone"`
	AddressLine1 string    `gorm:"size:255" json:"address_line1"`
	City         string    `gorm:"size:100" json:"city"`
	State        string    `gorm:"size:100" json:"state"`
	PostalCode   string    `gorm:"size:20" json:"postal_code"`
	Country      string    `gorm:"size:2" json:"country"`
	TaxId        string    `gorm:"size:64" json:"tax_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GlAccount is a chart-of-accounts entry. AccountType uses QBO's names
// (Income, Expense, Bank, ...).
type GlAccount struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id" validate:"required"`
	GcAccountId    string    `gorm:"size:36;index;not null" json:"gc_account_id" validate:"required"`
	Name           string    `gorm:"size:255;not null" json:"name" validate:"required,max=100"`
	AccountType    string    `gorm:"size:64;not null" json:"account_type" validate:"required"`
	AccountSubType string    `gorm:"size:64" json:"account_sub_type"`
	AccountNumber  string    `gorm:"size:32" json:"account_number"`
	Description    string    `gorm:"type:text" json:"description"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (GlAccount) TableName() string { return "gl_accounts" }

// Payment records money received against an invoice or paid against an expense.
// Exactly one of InvoiceId and ExpenseId is set.
type Payment struct {
	ID            string        `gorm:"primaryKey;size:36" json:"id" validate:"required"`
	GcAccountId   string        `gorm:"size:36;index;not null" json:"gc_account_id" validate:"required"`
	InvoiceId     *string       `gorm:"size:36;index" json:"invoice_id" validate:"required_without=ExpenseId,excluded_with=ExpenseId"`
	ExpenseId     *string       `gorm:"size:36;index" json:"expense_id" validate:"required_without=InvoiceId"`
	ClientId      *string       `gorm:"size:36" json:"client_id" validate:"required_with=InvoiceId"`
	VendorId      *string       `gorm:"size:36" json:"vendor_id" validate:"required_with=ExpenseId"`
	AmountCents   int64         `gorm:"not null" json:"amount_cents" validate:"gt=0"`
	PaymentMethod PaymentMethod `gorm:"size:20" json:"payment_method"`
	Status        PaymentStatus `gorm:"size:20;not null" json:"status" validate:"oneof=completed failed pending"`
	PaidOn        time.Time     `json:"paid_on"`
	Reference     string        `gorm:"size:255" json:"reference"`
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}
