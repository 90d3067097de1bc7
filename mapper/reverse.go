package mapper

import (
	"time"

	"github.com/mmdatafocus/buildsync/models"
	"github.com/stripe/stripe-go/v81"
)

// PaymentStatusUpdate is a provider payment translated to the local record it settles.
// Optional fields stay nil when the provider object lacks them.
type PaymentStatusUpdate struct {
	LocalEntityType       models.EntityType
	LocalEntityID         string
	TenantID              string
	NewStatus             models.PaymentStatus
	ProviderTransactionID string
	PaymentReference      *string
	PaidAt                *time.Time
	AmountCents           *int64
	Currency              string
	// LinkedExternalIDs are provider ids of the invoices a QBO payment applies
	// to; the caller resolves them through the reference table.
	LinkedExternalIDs []string
}

// Resolved reports whether the update names a local record.
func (u *PaymentStatusUpdate) Resolved() bool {
	return u.LocalEntityType != "" && u.LocalEntityID != ""
}

// localFromMetadata reads the stamped entity keys, falling back to a bare
// invoice_id key set by portal checkout links.
func localFromMetadata(meta map[string]string) (models.EntityType, string) {
	if id := meta[MetaEntityID]; id != "" {
		if t, err := models.ParseEntityType(meta[MetaEntityType]); err == nil {
			return t, id
		}
	}
	if id := meta["invoice_id"]; id != "" {
		return models.EntityTypeInvoice, id
	}
	return "", ""
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func int64Ptr(v int64) *int64 { return &v }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// FromStripePaymentIntent maps a payment intent to the status of the record in its metadata.
func FromStripePaymentIntent(pi *stripe.PaymentIntent) *PaymentStatusUpdate {
	t, id := localFromMetadata(pi.Metadata)
	u := &PaymentStatusUpdate{
		LocalEntityType:       t,
		LocalEntityID:         id,
		TenantID:              pi.Metadata[MetaGcAccountID],
		ProviderTransactionID: pi.ID,
		PaymentReference:      strPtr(pi.ID),
		Currency:              string(pi.Currency),
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		u.NewStatus = models.PaymentStatusCompleted
		amount := pi.AmountReceived
		if amount == 0 {
			amount = pi.Amount
		}
		u.AmountCents = int64Ptr(amount)
		if pi.LatestCharge != nil && pi.LatestCharge.Created > 0 {
			u.PaidAt = unixPtr(pi.LatestCharge.Created)
		} else {
			u.PaidAt = unixPtr(pi.Created)
		}
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		u.NewStatus = models.PaymentStatusFailed
		if pi.Amount > 0 {
			u.AmountCents = int64Ptr(pi.Amount)
		}
	default:
		u.NewStatus = models.PaymentStatusPending
		if pi.Amount > 0 {
			u.AmountCents = int64Ptr(pi.Amount)
		}
	}
	return u
}

// FromStripeCheckoutSession maps a completed checkout. Sessions without a
// settled payment stay pending.
func FromStripeCheckoutSession(s *stripe.CheckoutSession) *PaymentStatusUpdate {
	t, id := localFromMetadata(s.Metadata)
	if id == "" && s.ClientReferenceID != "" {
		t, id = models.EntityTypeInvoice, s.ClientReferenceID
	}
	u := &PaymentStatusUpdate{
		LocalEntityType:       t,
		LocalEntityID:         id,
		TenantID:              s.Metadata[MetaGcAccountID],
		ProviderTransactionID: s.ID,
		Currency:              string(s.Currency),
		NewStatus:             models.PaymentStatusPending,
	}
	if s.PaymentIntent != nil && s.PaymentIntent.ID != "" {
		u.ProviderTransactionID = s.PaymentIntent.ID
		u.PaymentReference = strPtr(s.PaymentIntent.ID)
	} else {
		u.PaymentReference = strPtr(s.ID)
	}
	if s.AmountTotal > 0 {
		u.AmountCents = int64Ptr(s.AmountTotal)
	}
	if s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		u.NewStatus = models.PaymentStatusCompleted
		u.PaidAt = unixPtr(s.Created)
	}
	return u
}

// FromStripeInvoice maps a paid Stripe invoice created by this service.
func FromStripeInvoice(inv *stripe.Invoice) *PaymentStatusUpdate {
	t, id := localFromMetadata(inv.Metadata)
	u := &PaymentStatusUpdate{
		LocalEntityType:       t,
		LocalEntityID:         id,
		TenantID:              inv.Metadata[MetaGcAccountID],
		ProviderTransactionID: inv.ID,
		PaymentReference:      strPtr(inv.ID),
		Currency:              string(inv.Currency),
		NewStatus:             models.PaymentStatusPending,
	}
	if inv.PaymentIntent != nil && inv.PaymentIntent.ID != "" {
		u.ProviderTransactionID = inv.PaymentIntent.ID
		u.PaymentReference = strPtr(inv.PaymentIntent.ID)
	}
	if inv.Status == stripe.InvoiceStatusPaid {
		u.NewStatus = models.PaymentStatusCompleted
		u.AmountCents = int64Ptr(inv.AmountPaid)
		if inv.StatusTransitions != nil {
			u.PaidAt = unixPtr(inv.StatusTransitions.PaidAt)
		}
	}
	return u
}

// FromQBOPayment maps a QBO customer payment. Payments this service pushed
// carry a trace tag naming the local payment; payments entered in QBO are
// resolved by the caller through LinkedExternalIDs.
func FromQBOPayment(p *QBOPayment, gcAccountID string) (*PaymentStatusUpdate, error) {
	u := &PaymentStatusUpdate{
		TenantID:              gcAccountID,
		NewStatus:             models.PaymentStatusCompleted,
		ProviderTransactionID: p.Id,
		PaymentReference:      strPtr(p.PaymentRefNum),
	}
	if u.PaymentReference == nil {
		u.PaymentReference = strPtr(p.Id)
	}
	if t, id, ok := ParseTraceTag(p.PrivateNote); ok {
		u.LocalEntityType, u.LocalEntityID = t, id
	}
	if p.TotalAmt != "" {
		cents, err := AmountToCents(p.TotalAmt)
		if err != nil {
			return nil, validationErr("qbo payment %s: %v", p.Id, err)
		}
		u.AmountCents = &cents
	}
	if p.TxnDate != "" {
		d, err := time.Parse("2006-01-02", p.TxnDate)
		if err != nil {
			return nil, validationErr("qbo payment %s: invalid TxnDate %q", p.Id, p.TxnDate)
		}
		u.PaidAt = &d
	}
	for _, line := range p.Line {
		for _, txn := range line.LinkedTxn {
			if txn.TxnType == "Invoice" && txn.TxnId != "" {
				u.LinkedExternalIDs = append(u.LinkedExternalIDs, txn.TxnId)
			}
		}
	}
	return u, nil
}
