// Package mapper translates portal records into QuickBooks Online and Stripe
// request shapes, and provider payment objects back into local status updates.
// Everything here is pure: no network, no database.
package mapper

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

const appName = "buildsync"

// Stripe metadata keys stamped on every object this service creates.
const (
	MetaGcAccountID = "gc_account_id"
	MetaEntityType  = "buildsync_entity_type"
	MetaEntityID    = "buildsync_entity_id"
)

// ExternalRequest is one provider call that belongs to the main one
// (Stripe invoice items, for example).
type ExternalRequest struct {
	Resource string
	Body     any
}

// ExternalPayload is the provider-ready shape of one local entity.
type ExternalPayload struct {
	Provider     models.Provider
	EntityType   models.EntityType
	LocalID      string
	ExternalType string
	// Resource is the provider path segment ("invoice" for QBO, "invoices" for Stripe).
	Resource string
	Body     any
	// UpdateBody replaces Body on updates when set; some Stripe objects only
	// accept a subset of their create fields.
	UpdateBody any
	// Lines are posted after the main object and attached to its id, on
	// create and whenever an update changes them.
	Lines    []ExternalRequest
	Warnings []string
}

// Refs are the provider ids resolved by the caller before mapping.
type Refs struct {
	Counterpart string
	GLAccount   string
	// LinkedTxn is the external id of the invoice or bill a payment settles.
	LinkedTxn string
}

// Options tune formatting that depends on configuration.
type Options struct {
	PhoneRegion string
}

// ToExternal maps entity for provider using the counterpart's external id and
// the GL account ref for line items.
func ToExternal(entity models.LocalEntity, provider models.Provider, counterpartExternalID string, glAccountRef string) (*ExternalPayload, error) {
	return Map(entity, provider, Refs{Counterpart: counterpartExternalID, GLAccount: glAccountRef}, Options{})
}

// Map is ToExternal with every resolved reference and formatting option.
func Map(entity models.LocalEntity, provider models.Provider, refs Refs, opts Options) (*ExternalPayload, error) {
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	if opts.PhoneRegion == "" {
		opts.PhoneRegion = "US"
	}
	switch provider {
	case models.ProviderQBO:
		return mapQBO(entity, refs, opts)
	case models.ProviderStripe:
		return mapStripe(entity, refs, opts)
	}
	return nil, utils.Errorf(utils.KindValidation, "mapper.Map", "unknown provider %q", provider)
}

// Supports reports whether entityType can be sent to provider at all. Stripe
// only holds customers and invoices.
func Supports(provider models.Provider, entityType models.EntityType) bool {
	switch provider {
	case models.ProviderQBO:
		return entityType.IsValid()
	case models.ProviderStripe:
		return entityType == models.EntityTypeClient || entityType == models.EntityTypeInvoice
	}
	return false
}

func validationErr(format string, args ...any) error {
	return utils.Errorf(utils.KindValidation, "mapper", format, args...)
}

// TraceTag identifies the local record inside provider free-text fields.
func TraceTag(entityType models.EntityType, id string) string {
	return fmt.Sprintf("[%s:%s:%s]", appName, entityType, id)
}

// ParseTraceTag finds a tag written by TraceTag in s.
func ParseTraceTag(s string) (models.EntityType, string, bool) {
	prefix := "[" + appName + ":"
	start := strings.Index(s, prefix)
	if start < 0 {
		return "", "", false
	}
	rest := s[start+len(prefix):]
	end := strings.Index(rest, "]")
	if end < 0 {
		return "", "", false
	}
	parts := strings.SplitN(rest[:end], ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", false
	}
	t, err := models.ParseEntityType(parts[0])
	if err != nil {
		return "", "", false
	}
	return t, parts[1], true
}

// placeholder stands in for missing descriptions, e.g. "Invoice inv-1 from buildsync".
func placeholder(entityType models.EntityType, id string) string {
	name := string(entityType)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return fmt.Sprintf("%s %s from %s", name, id, appName)
}

func orPlaceholder(s string, entityType models.EntityType, id string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder(entityType, id)
	}
	return s
}

// withTag appends the trace tag to free text.
func withTag(text string, entityType models.EntityType, id string) string {
	tag := TraceTag(entityType, id)
	text = strings.TrimSpace(text)
	if text == "" {
		return tag
	}
	return text + " " + tag
}

// centsToAmount renders integer cents as a fixed two-decimal JSON number.
func centsToAmount(cents int64) json.Number {
	return json.Number(decimal.NewFromInt(cents).Shift(-2).StringFixed(2))
}

// AmountToCents parses a provider decimal amount into cents, rounding half away from zero.
func AmountToCents(amount json.Number) (int64, error) {
	d, err := decimal.NewFromString(string(amount))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

func formatDatePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatDate(*t)
}

// normalizePhone returns E.164 when the number parses for region, else the input unchanged.
func normalizePhone(raw string, region string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	num, err := libphonenumber.Parse(raw, region)
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return raw
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}

// invoiceLine is a normalized billable line.
type invoiceLine struct {
	Description     string
	Quantity        decimal.Decimal
	UnitAmountCents int64
	AmountCents     int64
}

// invoiceLines returns the invoice's lines, or one line for the total when it
// has none. Rejects invoices with nothing billable and lines that do not add
// up to the stated total.
func invoiceLines(inv *models.Invoice) ([]invoiceLine, error) {
	desc := orPlaceholder(inv.Description, models.EntityTypeInvoice, inv.ID)
	if len(inv.Lines) == 0 {
		if inv.AmountCents <= 0 {
			return nil, validationErr("invoice %s has no billable lines", inv.ID)
		}
		return []invoiceLine{{
			Description:     desc,
			Quantity:        decimal.NewFromInt(1),
			UnitAmountCents: inv.AmountCents,
			AmountCents:     inv.AmountCents,
		}}, nil
	}

	out := make([]invoiceLine, 0, len(inv.Lines))
	var total int64
	for i, l := range inv.Lines {
		if l.AmountCents < 0 {
			return nil, validationErr("invoice %s line %d has a negative amount", inv.ID, i+1)
		}
		qty := l.Quantity
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		line := invoiceLine{
			Description:     l.Description,
			Quantity:        qty,
			UnitAmountCents: l.UnitAmountCents,
			AmountCents:     l.AmountCents,
		}
		if line.Description == "" {
			line.Description = desc
		}
		total += l.AmountCents
		out = append(out, line)
	}
	if total <= 0 {
		return nil, validationErr("invoice %s has no billable lines", inv.ID)
	}
	if inv.AmountCents > 0 && total != inv.AmountCents {
		return nil, validationErr("invoice %s lines total %d cents but invoice amount is %d cents", inv.ID, total, inv.AmountCents)
	}
	return out, nil
}
