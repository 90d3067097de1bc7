package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/mapper"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/stripe/stripe-go/v81"
)

// Result identifies the provider record a create or update landed on.
type Result struct {
	ExternalID   string
	ExternalType string
	Raw          json.RawMessage
}

// IdempotencyKey is stable for one version of one reference, so a create
// retried after a lost response is deduplicated by the provider. detached
// counts how often the provider record was removed; it keeps a re-create
// from replaying the removed record's response.
func IdempotencyKey(referenceID uint, sourceUpdatedAtMs int64, detached int64) string {
	if detached > 0 {
		return fmt.Sprintf("buildsync-%d-%d-d%d", referenceID, sourceUpdatedAtMs, detached)
	}
	return fmt.Sprintf("buildsync-%d-%d", referenceID, sourceUpdatedAtMs)
}

// Create sends a new record to the provider.
func (c *Client) Create(ctx context.Context, cred *models.ProviderCredential, p *mapper.ExternalPayload, idempotencyKey string) (*Result, error) {
	switch p.Provider {
	case models.ProviderQBO:
		return c.qboCreate(ctx, cred, p, idempotencyKey)
	case models.ProviderStripe:
		return c.stripeCreate(ctx, cred, p, idempotencyKey)
	}
	return nil, utils.Errorf(utils.KindValidation, "gateway.Create", "unknown provider %q", p.Provider)
}

// Update overwrites the provider record externalID with the payload.
func (c *Client) Update(ctx context.Context, cred *models.ProviderCredential, p *mapper.ExternalPayload, externalID string) (*Result, error) {
	if externalID == "" {
		return nil, utils.Errorf(utils.KindValidation, "gateway.Update", "external id is required")
	}
	switch p.Provider {
	case models.ProviderQBO:
		return c.qboUpdate(ctx, cred, p, externalID)
	case models.ProviderStripe:
		return c.stripeUpdate(ctx, cred, p, externalID)
	}
	return nil, utils.Errorf(utils.KindValidation, "gateway.Update", "unknown provider %q", p.Provider)
}

// qboEntity is the part of every QBO entity the gateway needs.
type qboEntity struct {
	Id        string `json:"Id"`
	SyncToken string `json:"SyncToken"`
}

// qboEnvelope extracts the entity keyed by its type name ({"Invoice": {...}, "time": ...}).
func qboEnvelope(resp *Response, externalType string) (json.RawMessage, *qboEntity, error) {
	var env map[string]json.RawMessage
	if err := resp.Decode(&env); err != nil {
		return nil, nil, utils.NewSyncError(utils.KindTransient, "gateway.qbo", fmt.Errorf("unreadable QuickBooks response: %w", err))
	}
	raw, ok := env[externalType]
	if !ok {
		return nil, nil, utils.Errorf(utils.KindTransient, "gateway.qbo", "QuickBooks response has no %s", externalType)
	}
	var e qboEntity
	if err := json.Unmarshal(raw, &e); err != nil || e.Id == "" {
		return nil, nil, utils.Errorf(utils.KindTransient, "gateway.qbo", "QuickBooks response has no %s id", externalType)
	}
	return raw, &e, nil
}

func (c *Client) qboCreate(ctx context.Context, cred *models.ProviderCredential, p *mapper.ExternalPayload, key string) (*Result, error) {
	resp, err := c.Do(ctx, cred, Request{Method: http.MethodPost, Path: p.Resource, Body: p.Body, IdempotencyKey: key})
	if err != nil {
		return nil, err
	}
	raw, e, err := qboEnvelope(resp, p.ExternalType)
	if err != nil {
		return nil, err
	}
	return &Result{ExternalID: e.Id, ExternalType: p.ExternalType, Raw: raw}, nil
}

// qboUpdate reads the current SyncToken and posts a sparse update; QBO rejects
// updates carrying a stale token.
func (c *Client) qboUpdate(ctx context.Context, cred *models.ProviderCredential, p *mapper.ExternalPayload, externalID string) (*Result, error) {
	current, err := c.Do(ctx, cred, Request{Method: http.MethodGet, Path: p.Resource + "/" + url.PathEscape(externalID)})
	if err != nil {
		return nil, err
	}
	_, e, err := qboEnvelope(current, p.ExternalType)
	if err != nil {
		return nil, err
	}

	body := p.Body
	if p.UpdateBody != nil {
		body = p.UpdateBody
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, utils.NewSyncError(utils.KindValidation, "gateway.qboUpdate", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, utils.NewSyncError(utils.KindValidation, "gateway.qboUpdate", err)
	}
	fields["Id"] = e.Id
	fields["SyncToken"] = e.SyncToken
	fields["sparse"] = true

	resp, err := c.Do(ctx, cred, Request{Method: http.MethodPost, Path: p.Resource, Body: fields})
	if err != nil {
		return nil, err
	}
	raw, updated, err := qboEnvelope(resp, p.ExternalType)
	if err != nil {
		return nil, err
	}
	return &Result{ExternalID: updated.Id, ExternalType: p.ExternalType, Raw: raw}, nil
}

// FetchQBOEntity reads one entity ("Payment", "Invoice") into dest.
func (c *Client) FetchQBOEntity(ctx context.Context, cred *models.ProviderCredential, externalType string, id string, dest any) error {
	resp, err := c.Do(ctx, cred, Request{Method: http.MethodGet, Path: strings.ToLower(externalType) + "/" + url.PathEscape(id)})
	if err != nil {
		return err
	}
	raw, _, err := qboEnvelope(resp, externalType)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return utils.NewSyncError(utils.KindTransient, "gateway.FetchQBOEntity", err)
	}
	return nil
}

type stripeObject struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

func decodeStripe(resp *Response) (*stripeObject, error) {
	var obj stripeObject
	if err := resp.Decode(&obj); err != nil || obj.ID == "" {
		return nil, utils.Errorf(utils.KindTransient, "gateway.stripe", "Stripe response has no id")
	}
	return &obj, nil
}

// stripeCreate posts the main object and then its lines, each tied to the new
// object's id so nothing is left pending on the customer. Lines reuse derived
// idempotency keys; a retry with the same key lands on the same draft and
// fills in whatever is missing.
func (c *Client) stripeCreate(ctx context.Context, cred *models.ProviderCredential, p *mapper.ExternalPayload, key string) (*Result, error) {
	resp, err := c.Do(ctx, cred, Request{Method: http.MethodPost, Path: p.Resource, Body: p.Body, IdempotencyKey: key})
	if err != nil {
		return nil, err
	}
	obj, err := decodeStripe(resp)
	if err != nil {
		return nil, err
	}
	for i, line := range p.Lines {
		lineKey := ""
		if key != "" {
			lineKey = fmt.Sprintf("%s-%s-%d", key, line.Resource, i)
		}
		if _, err := c.Do(ctx, cred, Request{Method: http.MethodPost, Path: line.Resource, Body: attachTo(line.Body, obj.ID), IdempotencyKey: lineKey}); err != nil {
			if utils.KindOf(err) != utils.KindTransient {
				c.discardDraft(ctx, cred, p.Resource, obj.ID)
			}
			return nil, err
		}
	}
	return &Result{ExternalID: obj.ID, ExternalType: p.ExternalType, Raw: resp.Body}, nil
}

func (c *Client) stripeUpdate(ctx context.Context, cred *models.ProviderCredential, p *mapper.ExternalPayload, externalID string) (*Result, error) {
	if len(p.Lines) > 0 {
		if err := c.reconcileStripeLines(ctx, cred, p, externalID); err != nil {
			return nil, err
		}
	}
	body := p.Body
	if p.UpdateBody != nil {
		body = p.UpdateBody
	}
	resp, err := c.Do(ctx, cred, Request{Method: http.MethodPost, Path: p.Resource + "/" + url.PathEscape(externalID), Body: body})
	if err != nil {
		return nil, err
	}
	obj, err := decodeStripe(resp)
	if err != nil {
		return nil, err
	}
	return &Result{ExternalID: obj.ID, ExternalType: p.ExternalType, Raw: resp.Body}, nil
}

// attachTo ties an invoice item to the invoice it belongs to.
func attachTo(body any, invoiceID string) any {
	item, ok := body.(*stripe.InvoiceItemParams)
	if !ok {
		return body
	}
	attached := *item
	attached.Invoice = stripe.String(invoiceID)
	return &attached
}

type stripeLine struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type stripeLineList struct {
	Data    []stripeLine `json:"data"`
	HasMore bool         `json:"has_more"`
}

type stripeInvoiceState struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Total  int64  `json:"total"`
}

// reconcileStripeLines makes the items on externalID match p.Lines. Stripe
// only allows that while the invoice is a draft; a finalized invoice whose
// lines differ is a validation error rather than a silent partial update.
func (c *Client) reconcileStripeLines(ctx context.Context, cred *models.ProviderCredential, p *mapper.ExternalPayload, externalID string) error {
	const op = "gateway.reconcileStripeLines"
	resp, err := c.Do(ctx, cred, Request{
		Method: http.MethodGet,
		Path:   "invoiceitems",
		Query:  url.Values{"invoice": {externalID}, "limit": {"100"}},
	})
	if err != nil {
		return err
	}
	var current stripeLineList
	if err := resp.Decode(&current); err != nil {
		return utils.NewSyncError(utils.KindTransient, op, fmt.Errorf("unreadable Stripe item list: %w", err))
	}
	want := desiredLines(p.Lines)
	if !current.HasMore && sameLines(current.Data, want) {
		return nil
	}

	resp, err = c.Do(ctx, cred, Request{Method: http.MethodGet, Path: p.Resource + "/" + url.PathEscape(externalID)})
	if err != nil {
		return err
	}
	var inv stripeInvoiceState
	if err := resp.Decode(&inv); err != nil {
		return utils.NewSyncError(utils.KindTransient, op, fmt.Errorf("unreadable Stripe invoice: %w", err))
	}
	if inv.Status != "draft" {
		return utils.Errorf(utils.KindValidation, op,
			"Stripe invoice %s is %s; its lines can no longer change (total %d, local %d)", externalID, inv.Status, inv.Total, sumLines(want))
	}

	for _, line := range current.Data {
		if _, err := c.Do(ctx, cred, Request{Method: http.MethodDelete, Path: "invoiceitems/" + url.PathEscape(line.ID)}); err != nil {
			return err
		}
	}
	for _, line := range p.Lines {
		if _, err := c.Do(ctx, cred, Request{Method: http.MethodPost, Path: line.Resource, Body: attachTo(line.Body, externalID)}); err != nil {
			return err
		}
	}
	return nil
}

func desiredLines(lines []mapper.ExternalRequest) []stripeLine {
	out := make([]stripeLine, 0, len(lines))
	for _, l := range lines {
		item, ok := l.Body.(*stripe.InvoiceItemParams)
		if !ok {
			continue
		}
		var want stripeLine
		if item.Amount != nil {
			want.Amount = *item.Amount
		}
		if item.Description != nil {
			want.Description = *item.Description
		}
		out = append(out, want)
	}
	return out
}

func sameLines(have, want []stripeLine) bool {
	if len(have) != len(want) {
		return false
	}
	remaining := map[stripeLine]int{}
	for _, w := range want {
		remaining[stripeLine{Amount: w.Amount, Description: w.Description}]++
	}
	for _, h := range have {
		k := stripeLine{Amount: h.Amount, Description: h.Description}
		if remaining[k] == 0 {
			return false
		}
		remaining[k]--
	}
	return true
}

func sumLines(lines []stripeLine) int64 {
	var total int64
	for _, l := range lines {
		total += l.Amount
	}
	return total
}

// discardDraft deletes a draft whose lines could not be attached so a later
// sync starts clean. Failures are only logged.
func (c *Client) discardDraft(ctx context.Context, cred *models.ProviderCredential, resource, id string) {
	if _, err := c.Do(ctx, cred, Request{Method: http.MethodDelete, Path: resource + "/" + url.PathEscape(id)}); err != nil {
		config.LogError(c.logger, "gateway/submit.go", "discardDraft", "deleting Stripe draft", id, err)
	}
}

// Ping makes a cheap authenticated read to confirm the connection works.
func (c *Client) Ping(ctx context.Context, cred *models.ProviderCredential) error {
	switch cred.Provider {
	case models.ProviderQBO:
		_, err := c.Do(ctx, cred, Request{Method: http.MethodGet, Path: "companyinfo/" + url.PathEscape(cred.RealmId)})
		return err
	case models.ProviderStripe:
		_, err := c.Do(ctx, cred, Request{Method: http.MethodGet, Path: "balance"})
		return err
	}
	return utils.Errorf(utils.KindValidation, "gateway.Ping", "unknown provider %q", cred.Provider)
}
