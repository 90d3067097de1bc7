package mapper

import (
	"encoding/json"
	"strings"

	"github.com/mmdatafocus/buildsync/models"
)

// QuickBooks Online v3 entity shapes. Field names follow the QBO API.

type Ref struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

type EmailAddress struct {
	Address string `json:"Address"`
}

type TelephoneNumber struct {
	FreeFormNumber string `json:"FreeFormNumber"`
}

type PhysicalAddress struct {
	Line1                  string `json:"Line1,omitempty"`
	City                   string `json:"City,omitempty"`
	CountrySubDivisionCode string `json:"CountrySubDivisionCode,omitempty"`
	PostalCode             string `json:"PostalCode,omitempty"`
	Country                string `json:"Country,omitempty"`
}

type MemoRef struct {
	Value string `json:"value"`
}

type SalesItemLineDetail struct {
	ItemRef   Ref         `json:"ItemRef"`
	Qty       json.Number `json:"Qty,omitempty"`
	UnitPrice json.Number `json:"UnitPrice,omitempty"`
}

type AccountBasedExpenseLineDetail struct {
	AccountRef Ref `json:"AccountRef"`
}

type LinkedTxn struct {
	TxnId   string `json:"TxnId"`
	TxnType string `json:"TxnType"`
}

type QBOLine struct {
	Amount                        json.Number                    `json:"Amount"`
	DetailType                    string                         `json:"DetailType,omitempty"`
	Description                   string                         `json:"Description,omitempty"`
	SalesItemLineDetail           *SalesItemLineDetail           `json:"SalesItemLineDetail,omitempty"`
	AccountBasedExpenseLineDetail *AccountBasedExpenseLineDetail `json:"AccountBasedExpenseLineDetail,omitempty"`
	LinkedTxn                     []LinkedTxn                    `json:"LinkedTxn,omitempty"`
}

type QBOInvoice struct {
	CustomerRef  Ref           `json:"CustomerRef"`
	DocNumber    string        `json:"DocNumber,omitempty"`
	TxnDate      string        `json:"TxnDate,omitempty"`
	DueDate      string        `json:"DueDate,omitempty"`
	CustomerMemo *MemoRef      `json:"CustomerMemo,omitempty"`
	PrivateNote  string        `json:"PrivateNote"`
	BillEmail    *EmailAddress `json:"BillEmail,omitempty"`
	Line         []QBOLine     `json:"Line"`
}

type QBOBill struct {
	VendorRef   Ref       `json:"VendorRef"`
	TxnDate     string    `json:"TxnDate,omitempty"`
	DueDate     string    `json:"DueDate,omitempty"`
	PrivateNote string    `json:"PrivateNote"`
	Line        []QBOLine `json:"Line"`
}

type QBOCustomer struct {
	DisplayName      string           `json:"DisplayName"`
	CompanyName      string           `json:"CompanyName,omitempty"`
	PrimaryEmailAddr *EmailAddress    `json:"PrimaryEmailAddr,omitempty"`
	PrimaryPhone     *TelephoneNumber `json:"PrimaryPhone,omitempty"`
	BillAddr         *PhysicalAddress `json:"BillAddr,omitempty"`
	Notes            string           `json:"Notes,omitempty"`
}

type QBOVendor struct {
	DisplayName      string           `json:"DisplayName"`
	CompanyName      string           `json:"CompanyName,omitempty"`
	PrimaryEmailAddr *EmailAddress    `json:"PrimaryEmailAddr,omitempty"`
	PrimaryPhone     *TelephoneNumber `json:"PrimaryPhone,omitempty"`
	BillAddr         *PhysicalAddress `json:"BillAddr,omitempty"`
	TaxIdentifier    string           `json:"TaxIdentifier,omitempty"`
}

type QBOAccount struct {
	Name           string `json:"Name"`
	AccountType    string `json:"AccountType"`
	AccountSubType string `json:"AccountSubType,omitempty"`
	AcctNum        string `json:"AcctNum,omitempty"`
	Description    string `json:"Description,omitempty"`
}

// QBOPayment is both the outbound customer payment and the shape read back
// from QBO webhooks (Id and MetaData are only set on reads).
type QBOPayment struct {
	Id               string       `json:"Id,omitempty"`
	CustomerRef      Ref          `json:"CustomerRef"`
	TotalAmt         json.Number  `json:"TotalAmt"`
	TxnDate          string       `json:"TxnDate,omitempty"`
	PaymentRefNum    string       `json:"PaymentRefNum,omitempty"`
	PaymentMethodRef *Ref         `json:"PaymentMethodRef,omitempty"`
	PrivateNote      string       `json:"PrivateNote,omitempty"`
	Line             []QBOLine    `json:"Line,omitempty"`
	MetaData         *QBOMetaData `json:"MetaData,omitempty"`
}

type QBOMetaData struct {
	CreateTime      string `json:"CreateTime,omitempty"`
	LastUpdatedTime string `json:"LastUpdatedTime,omitempty"`
}

type BankAccountPayment struct {
	BankAccountRef Ref `json:"BankAccountRef"`
}

type CreditCardPayment struct {
	CCAccountRef Ref `json:"CCAccountRef"`
}

type QBOBillPayment struct {
	VendorRef         Ref                 `json:"VendorRef"`
	PayType           string              `json:"PayType"`
	CheckPayment      *BankAccountPayment `json:"CheckPayment,omitempty"`
	CreditCardPayment *CreditCardPayment  `json:"CreditCardPayment,omitempty"`
	TotalAmt          json.Number         `json:"TotalAmt"`
	TxnDate           string              `json:"TxnDate,omitempty"`
	DocNumber         string              `json:"DocNumber,omitempty"`
	PrivateNote       string              `json:"PrivateNote,omitempty"`
	Line              []QBOLine           `json:"Line"`
}

func mapQBO(e models.LocalEntity, refs Refs, opts Options) (*ExternalPayload, error) {
	p := &ExternalPayload{Provider: models.ProviderQBO, EntityType: e.Type, LocalID: e.ID()}
	switch e.Type {
	case models.EntityTypeInvoice:
		body, err := qboInvoice(e.Invoice, refs)
		if err != nil {
			return nil, err
		}
		p.ExternalType, p.Resource, p.Body = "Invoice", "invoice", body
	case models.EntityTypeExpense:
		body, err := qboBill(e.Expense, refs)
		if err != nil {
			return nil, err
		}
		p.ExternalType, p.Resource, p.Body = "Bill", "bill", body
	case models.EntityTypeClient:
		p.ExternalType, p.Resource, p.Body = "Customer", "customer", qboCustomer(e.Client, opts)
	case models.EntityTypeVendor:
		p.ExternalType, p.Resource, p.Body = "Vendor", "vendor", qboVendor(e.Vendor, opts)
	case models.EntityTypeAccount:
		p.ExternalType, p.Resource, p.Body = "Account", "account", qboAccount(e.Account)
	case models.EntityTypePayment:
		if e.Payment.InvoiceId != nil {
			body, warn, err := qboPayment(e.Payment, refs)
			if err != nil {
				return nil, err
			}
			p.ExternalType, p.Resource, p.Body = "Payment", "payment", body
			p.addWarning(warn)
		} else {
			body, warn, err := qboBillPayment(e.Payment, refs)
			if err != nil {
				return nil, err
			}
			p.ExternalType, p.Resource, p.Body = "BillPayment", "billpayment", body
			p.addWarning(warn)
		}
	default:
		return nil, validationErr("entity type %q cannot be sent to QuickBooks", e.Type)
	}
	return p, nil
}

func (p *ExternalPayload) addWarning(w string) {
	if w != "" {
		p.Warnings = append(p.Warnings, w)
	}
}

func requireRef(name string, value string, e models.EntityType, id string) error {
	if strings.TrimSpace(value) == "" {
		return validationErr("%s %s: %s is required", e, id, name)
	}
	return nil
}

func qboInvoice(inv *models.Invoice, refs Refs) (*QBOInvoice, error) {
	if err := requireRef("customer reference", refs.Counterpart, models.EntityTypeInvoice, inv.ID); err != nil {
		return nil, err
	}
	if err := requireRef("item reference", refs.GLAccount, models.EntityTypeInvoice, inv.ID); err != nil {
		return nil, err
	}
	lines, err := invoiceLines(inv)
	if err != nil {
		return nil, err
	}
	out := &QBOInvoice{
		CustomerRef:  Ref{Value: refs.Counterpart},
		DocNumber:    inv.InvoiceNumber,
		TxnDate:      formatDate(inv.IssueDate),
		DueDate:      formatDatePtr(inv.DueDate),
		CustomerMemo: &MemoRef{Value: orPlaceholder(inv.Description, models.EntityTypeInvoice, inv.ID)},
		PrivateNote:  withTag(orPlaceholder(inv.Notes, models.EntityTypeInvoice, inv.ID), models.EntityTypeInvoice, inv.ID),
	}
	for _, l := range lines {
		detail := &SalesItemLineDetail{ItemRef: Ref{Value: refs.GLAccount}}
		if l.UnitAmountCents > 0 {
			detail.Qty = json.Number(l.Quantity.String())
			detail.UnitPrice = centsToAmount(l.UnitAmountCents)
		}
		out.Line = append(out.Line, QBOLine{
			Amount:              centsToAmount(l.AmountCents),
			DetailType:          "SalesItemLineDetail",
			Description:         l.Description,
			SalesItemLineDetail: detail,
		})
	}
	return out, nil
}

func qboBill(exp *models.Expense, refs Refs) (*QBOBill, error) {
	if err := requireRef("vendor reference", refs.Counterpart, models.EntityTypeExpense, exp.ID); err != nil {
		return nil, err
	}
	if err := requireRef("expense account reference", refs.GLAccount, models.EntityTypeExpense, exp.ID); err != nil {
		return nil, err
	}
	if exp.AmountCents <= 0 {
		return nil, validationErr("expense %s has no amount", exp.ID)
	}
	return &QBOBill{
		VendorRef:   Ref{Value: refs.Counterpart},
		TxnDate:     formatDate(exp.ExpenseDate),
		DueDate:     formatDatePtr(exp.DueDate),
		PrivateNote: withTag(orPlaceholder(exp.Notes, models.EntityTypeExpense, exp.ID), models.EntityTypeExpense, exp.ID),
		Line: []QBOLine{{
			Amount:                        centsToAmount(exp.AmountCents),
			DetailType:                    "AccountBasedExpenseLineDetail",
			Description:                   orPlaceholder(exp.Description, models.EntityTypeExpense, exp.ID),
			AccountBasedExpenseLineDetail: &AccountBasedExpenseLineDetail{AccountRef: Ref{Value: refs.GLAccount}},
		}},
	}, nil
}

type contact struct {
	name, company, email, phone, line1, city, state, postal, country string
}

func (c contact) apply(region string) (email *EmailAddress, phone *TelephoneNumber, addr *PhysicalAddress) {
	if c.email != "" {
		email = &EmailAddress{Address: c.email}
	}
	if c.phone != "" {
		if c.country != "" {
			region = strings.ToUpper(c.country)
		}
		phone = &TelephoneNumber{FreeFormNumber: normalizePhone(c.phone, region)}
	}
	if c.line1 != "" || c.city != "" || c.postal != "" {
		addr = &PhysicalAddress{Line1: c.line1, City: c.city, CountrySubDivisionCode: c.state, PostalCode: c.postal, Country: c.country}
	}
	return email, phone, addr
}

func qboCustomer(c *models.Client, opts Options) *QBOCustomer {
	email, phone, addr := contact{c.Name, c.CompanyName, c.Email, c.Phone, c.AddressLine1, c.City, c.State, c.PostalCode, c.Country}.apply(opts.PhoneRegion)
	return &QBOCustomer{
		DisplayName:      c.Name,
		CompanyName:      c.CompanyName,
		PrimaryEmailAddr: email,
		PrimaryPhone:     phone,
		BillAddr:         addr,
		Notes:            TraceTag(models.EntityTypeClient, c.ID),
	}
}

func qboVendor(v *models.Vendor, opts Options) *QBOVendor {
	email, phone, addr := contact{v.Name, v.CompanyName, v.Email, v.Phone, v.AddressLine1, v.City, v.State, v.PostalCode, v.Country}.apply(opts.PhoneRegion)
	return &QBOVendor{
		DisplayName:      v.Name,
		CompanyName:      v.CompanyName,
		PrimaryEmailAddr: email,
		PrimaryPhone:     phone,
		BillAddr:         addr,
		TaxIdentifier:    v.TaxId,
	}
}

func qboAccount(a *models.GlAccount) *QBOAccount {
	return &QBOAccount{
		Name:           a.Name,
		AccountType:    a.AccountType,
		AccountSubType: a.AccountSubType,
		AcctNum:        a.AccountNumber,
		Description:    withTag(orPlaceholder(a.Description, models.EntityTypeAccount, a.ID), models.EntityTypeAccount, a.ID),
	}
}

func qboPayment(pay *models.Payment, refs Refs) (*QBOPayment, string, error) {
	if err := requireRef("customer reference", refs.Counterpart, models.EntityTypePayment, pay.ID); err != nil {
		return nil, "", err
	}
	method, warn := LookupPaymentMethod(pay.PaymentMethod)
	out := &QBOPayment{
		CustomerRef:      Ref{Value: refs.Counterpart},
		TotalAmt:         centsToAmount(pay.AmountCents),
		TxnDate:          formatDate(pay.PaidOn),
		PaymentRefNum:    truncate(pay.Reference, 21),
		PaymentMethodRef: method.QBOPaymentMethod,
		PrivateNote:      withTag(placeholder(models.EntityTypePayment, pay.ID), models.EntityTypePayment, pay.ID),
	}
	if refs.LinkedTxn != "" {
		out.Line = []QBOLine{{
			Amount:    centsToAmount(pay.AmountCents),
			LinkedTxn: []LinkedTxn{{TxnId: refs.LinkedTxn, TxnType: "Invoice"}},
		}}
	}
	return out, warn, nil
}

func qboBillPayment(pay *models.Payment, refs Refs) (*QBOBillPayment, string, error) {
	if err := requireRef("vendor reference", refs.Counterpart, models.EntityTypePayment, pay.ID); err != nil {
		return nil, "", err
	}
	if err := requireRef("bill reference", refs.LinkedTxn, models.EntityTypePayment, pay.ID); err != nil {
		return nil, "", err
	}
	if err := requireRef("bank account reference", refs.GLAccount, models.EntityTypePayment, pay.ID); err != nil {
		return nil, "", err
	}
	method, warn := LookupPaymentMethod(pay.PaymentMethod)
	out := &QBOBillPayment{
		VendorRef:   Ref{Value: refs.Counterpart},
		PayType:     method.QBOPayType,
		TotalAmt:    centsToAmount(pay.AmountCents),
		TxnDate:     formatDate(pay.PaidOn),
		DocNumber:   truncate(pay.Reference, 21),
		PrivateNote: withTag(placeholder(models.EntityTypePayment, pay.ID), models.EntityTypePayment, pay.ID),
		Line: []QBOLine{{
			Amount:    centsToAmount(pay.AmountCents),
			LinkedTxn: []LinkedTxn{{TxnId: refs.LinkedTxn, TxnType: "Bill"}},
		}},
	}
	if method.QBOPayType == "CreditCard" {
		out.CreditCardPayment = &CreditCardPayment{CCAccountRef: Ref{Value: refs.GLAccount}}
	} else {
		out.CheckPayment = &BankAccountPayment{BankAccountRef: Ref{Value: refs.GLAccount}}
	}
	return out, warn, nil
}

// truncate cuts s to n bytes; QBO rejects longer reference numbers.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
