package mapper

import (
	"strings"

	"github.com/mmdatafocus/buildsync/models"
	"github.com/stripe/stripe-go/v81"
)

const defaultDaysUntilDue = 30

func mapStripe(e models.LocalEntity, refs Refs, opts Options) (*ExternalPayload, error) {
	p := &ExternalPayload{Provider: models.ProviderStripe, EntityType: e.Type, LocalID: e.ID()}
	switch e.Type {
	case models.EntityTypeClient:
		p.ExternalType, p.Resource = "customer", "customers"
		p.Body = stripeCustomer(e.Client, opts)
	case models.EntityTypeInvoice:
		if err := stripeInvoice(p, e.Invoice, refs); err != nil {
			return nil, err
		}
	default:
		// Payments originate at Stripe; the accounting side never leaves QBO.
		return nil, validationErr("entity type %q cannot be sent to Stripe", e.Type)
	}
	return p, nil
}

func stripeMetadata(gcAccountID string, t models.EntityType, id string) map[string]string {
	return map[string]string{
		MetaGcAccountID: gcAccountID,
		MetaEntityType:  string(t),
		MetaEntityID:    id,
	}
}

func stripeCustomer(c *models.Client, opts Options) *stripe.CustomerParams {
	params := &stripe.CustomerParams{
		Name:        stripe.String(c.Name),
		Description: stripe.String(TraceTag(models.EntityTypeClient, c.ID)),
	}
	params.Metadata = stripeMetadata(c.GcAccountId, models.EntityTypeClient, c.ID)
	if c.Email != "" {
		params.Email = stripe.String(c.Email)
	}
	if c.Phone != "" {
		region := opts.PhoneRegion
		if c.Country != "" {
			region = strings.ToUpper(c.Country)
		}
		params.Phone = stripe.String(normalizePhone(c.Phone, region))
	}
	if c.AddressLine1 != "" || c.City != "" || c.PostalCode != "" {
		params.Address = &stripe.AddressParams{
			Line1:      stripe.String(c.AddressLine1),
			City:       stripe.String(c.City),
			State:      stripe.String(c.State),
			PostalCode: stripe.String(c.PostalCode),
			Country:    stripe.String(c.Country),
		}
	}
	return params
}

func stripeInvoice(p *ExternalPayload, inv *models.Invoice, refs Refs) error {
	if err := requireRef("customer reference", refs.Counterpart, models.EntityTypeInvoice, inv.ID); err != nil {
		return err
	}
	lines, err := invoiceLines(inv)
	if err != nil {
		return err
	}
	currency := strings.ToLower(inv.Currency)
	if currency == "" {
		currency = "usd"
	}
	meta := stripeMetadata(inv.GcAccountId, models.EntityTypeInvoice, inv.ID)
	description := orPlaceholder(inv.Description, models.EntityTypeInvoice, inv.ID)

	for _, l := range lines {
		item := &stripe.InvoiceItemParams{
			Customer:    stripe.String(refs.Counterpart),
			Amount:      stripe.Int64(l.AmountCents),
			Currency:    stripe.String(currency),
			Description: stripe.String(l.Description),
		}
		item.Metadata = meta
		p.Lines = append(p.Lines, ExternalRequest{Resource: "invoiceitems", Body: item})
	}

	method, warn := LookupPaymentMethod(inv.PaymentMethod)
	p.addWarning(warn)

	create := &stripe.InvoiceParams{
		Customer:                    stripe.String(refs.Counterpart),
		CollectionMethod:            stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		Description:                 stripe.String(description),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
	}
	if inv.InvoiceNumber != "" {
		create.Footer = stripe.String("Invoice " + inv.InvoiceNumber)
	}
	if len(method.StripeTypes) > 0 {
		create.PaymentSettings = &stripe.InvoicePaymentSettingsParams{
			PaymentMethodTypes: stripe.StringSlice(method.StripeTypes),
		}
	}
	create.Metadata = meta

	update := &stripe.InvoiceParams{Description: stripe.String(description)}
	update.Metadata = meta

	if inv.DueDate != nil {
		create.DueDate = stripe.Int64(inv.DueDate.Unix())
		update.DueDate = stripe.Int64(inv.DueDate.Unix())
	} else {
		create.DaysUntilDue = stripe.Int64(defaultDaysUntilDue)
	}

	p.ExternalType, p.Resource = "invoice", "invoices"
	p.Body, p.UpdateBody = create, update
	return nil
}
