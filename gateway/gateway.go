// Package gateway is the authenticated HTTP client for QuickBooks Online and
// Stripe. Every call takes the tenant's credential explicitly, refreshes QBO
// tokens before they lapse, and classifies failures into sync error kinds.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/metrics"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v81/form"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("buildsync/gateway")

const maxErrorBody = 2048

// Response is a successful (2xx) provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// ProviderError is a non-2xx provider response, wrapped in a SyncError.
type ProviderError struct {
	Provider   models.Provider
	StatusCode int
	Message    string
	Body       string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s returned %d: %s", e.Provider.DisplayName(), e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s returned %d", e.Provider.DisplayName(), e.StatusCode)
}

// Request is one provider call. Path is relative to the company
// (QBO, "invoice") or API version (Stripe, "invoices/in_1").
type Request struct {
	Method         string
	Path           string
	Query          url.Values
	Body           any
	IdempotencyKey string
}

type Options struct {
	HTTPClient      *http.Client
	QBOBaseURL      string
	StripeBaseURL   string
	StripeSecretKey string
	MinorVersion    string
	Timeout         time.Duration
	Tokens          *TokenManager
	Logger          *logrus.Logger
}

type Client struct {
	http          *http.Client
	qboBaseURL    string
	stripeBaseURL string
	stripeKey     string
	minorVersion  string
	timeout       time.Duration
	tokens        *TokenManager
	logger        *logrus.Logger
}

func NewClient(opts Options) *Client {
	c := &Client{
		http:          opts.HTTPClient,
		qboBaseURL:    strings.TrimRight(opts.QBOBaseURL, "/"),
		stripeBaseURL: strings.TrimRight(opts.StripeBaseURL, "/"),
		stripeKey:     opts.StripeSecretKey,
		minorVersion:  opts.MinorVersion,
		timeout:       opts.Timeout,
		tokens:        opts.Tokens,
		logger:        opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	if c.logger == nil {
		c.logger = config.GetLogger()
	}
	return c
}

// NewClientFromConfig wires a client and token manager from the environment.
func NewClientFromConfig(creds *models.CredentialStore) *Client {
	httpClient := &http.Client{}
	return NewClient(Options{
		HTTPClient:      httpClient,
		QBOBaseURL:      config.QBOBaseURL(),
		StripeBaseURL:   config.StripeBaseURL(),
		StripeSecretKey: config.StripeSecretKey(),
		MinorVersion:    config.QBOMinorVersion(),
		Timeout:         config.ProviderTimeout(),
		Tokens:          NewTokenManagerFromConfig(creds, httpClient),
	})
}

func (c *Client) Tokens() *TokenManager { return c.tokens }

// Request sends one call with the tenant's credential.
func (c *Client) Request(ctx context.Context, cred *models.ProviderCredential, method, path string, body any) (*Response, error) {
	return c.Do(ctx, cred, Request{Method: method, Path: path, Body: body})
}

// Do refreshes an expiring QBO token first, and on a 401 forces one refresh
// and retries exactly once. It never loops beyond that.
func (c *Client) Do(ctx context.Context, cred *models.ProviderCredential, req Request) (*Response, error) {
	if cred == nil {
		return nil, utils.Errorf(utils.KindReauthorizationRequired, "gateway.Do", "no credential")
	}
	ctx, span := tracer.Start(ctx, "gateway.Do", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", string(cred.Provider)),
		attribute.String("http.method", req.Method),
		attribute.String("gateway.path", req.Path),
	)

	cred, err := c.ensureFreshToken(ctx, cred, false)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp, err := c.send(ctx, cred, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && cred.Provider == models.ProviderQBO && c.tokens != nil {
		c.logger.WithFields(logrus.Fields{
			"gc_account_id": cred.GcAccountId,
			"provider":      cred.Provider,
			"path":          req.Path,
		}).Info("provider returned 401, refreshing token once")
		cred, err = c.ensureFreshToken(ctx, cred, true)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		resp, err = c.send(ctx, cred, req)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if err := classify(cred.Provider, resp); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

func (c *Client) ensureFreshToken(ctx context.Context, cred *models.ProviderCredential, force bool) (*models.ProviderCredential, error) {
	if cred.Status == models.CredentialStatusRevoked {
		return nil, utils.Errorf(utils.KindReauthorizationRequired, "gateway", "%s connection was revoked", cred.Provider.DisplayName())
	}
	if cred.Provider != models.ProviderQBO || c.tokens == nil {
		return cred, nil
	}
	return c.tokens.EnsureFresh(ctx, cred, force)
}

func (c *Client) endpoint(cred *models.ProviderCredential, req Request) (string, error) {
	query := url.Values{}
	for k, v := range req.Query {
		query[k] = v
	}
	var base string
	switch cred.Provider {
	case models.ProviderQBO:
		if cred.RealmId == "" {
			return "", utils.Errorf(utils.KindReauthorizationRequired, "gateway", "QuickBooks connection has no company id")
		}
		base = c.qboBaseURL + "/v3/company/" + url.PathEscape(cred.RealmId) + "/" + strings.TrimLeft(req.Path, "/")
		if c.minorVersion != "" {
			query.Set("minorversion", c.minorVersion)
		}
		if req.IdempotencyKey != "" {
			query.Set("requestid", req.IdempotencyKey)
		}
	case models.ProviderStripe:
		base = c.stripeBaseURL + "/v1/" + strings.TrimLeft(req.Path, "/")
	default:
		return "", utils.Errorf(utils.KindValidation, "gateway", "unknown provider %q", cred.Provider)
	}
	if len(query) > 0 {
		base += "?" + query.Encode()
	}
	return base, nil
}

func (c *Client) encodeBody(provider models.Provider, body any) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	if provider == models.ProviderStripe {
		if v, ok := body.(url.Values); ok {
			return strings.NewReader(v.Encode()), "application/x-www-form-urlencoded", nil
		}
		values := &form.Values{}
		form.AppendTo(values, body)
		return strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, "", utils.NewSyncError(utils.KindValidation, "gateway.encode", err)
	}
	return bytes.NewReader(raw), "application/json", nil
}

func (c *Client) send(ctx context.Context, cred *models.ProviderCredential, req Request) (*Response, error) {
	endpoint, err := c.endpoint(cred, req)
	if err != nil {
		return nil, err
	}
	body, contentType, err := c.encodeBody(cred.Provider, req.Body)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, body)
	if err != nil {
		return nil, utils.NewSyncError(utils.KindValidation, "gateway.send", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	switch cred.Provider {
	case models.ProviderQBO:
		httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	case models.ProviderStripe:
		key := c.stripeKey
		if key == "" {
			key = cred.AccessToken
		}
		httpReq.Header.Set("Authorization", "Bearer "+key)
		if cred.RealmId != "" {
			httpReq.Header.Set("Stripe-Account", cred.RealmId)
		}
		if req.IdempotencyKey != "" {
			httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	metrics.ProviderLatency.WithLabelValues(string(cred.Provider)).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(string(cred.Provider), req.Method, "error").Inc()
		return nil, transportError(cred.Provider, err)
	}
	defer resp.Body.Close()
	metrics.ProviderRequests.WithLabelValues(string(cred.Provider), req.Method, metrics.StatusClass(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(cred.Provider, err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

func transportError(provider models.Provider, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return utils.NewSyncError(utils.KindTransient, "gateway", fmt.Errorf("%s request timed out: %w", provider.DisplayName(), err))
	default:
		return utils.NewSyncError(utils.KindTransient, "gateway", fmt.Errorf("%s request failed: %w", provider.DisplayName(), err))
	}
}

// classify maps a response status onto an error kind. 429 and 408 are
// treated as transient even though they are 4xx.
func classify(provider models.Provider, resp *Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	perr := &ProviderError{Provider: provider, StatusCode: resp.StatusCode, Message: errorMessage(provider, resp.Body)}
	if len(resp.Body) > maxErrorBody {
		perr.Body = string(resp.Body[:maxErrorBody])
	} else {
		perr.Body = string(resp.Body)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return utils.NewSyncError(utils.KindReauthorizationRequired, "gateway", perr)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return utils.NewSyncError(utils.KindTransient, "gateway", perr)
	case resp.StatusCode >= 500:
		return utils.NewSyncError(utils.KindTransient, "gateway", perr)
	default:
		return utils.NewSyncError(utils.KindValidation, "gateway", perr)
	}
}

type qboFault struct {
	Fault struct {
		Error []struct {
			Message string `json:"Message"`
			Detail  string `json:"Detail"`
			Code    string `json:"code"`
		} `json:"Error"`
		Type string `json:"type"`
	} `json:"Fault"`
}

type stripeErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// errorMessage pulls the human-readable reason out of a provider error body.
func errorMessage(provider models.Provider, body []byte) string {
	switch provider {
	case models.ProviderQBO:
		var f qboFault
		if json.Unmarshal(body, &f) == nil && len(f.Fault.Error) > 0 {
			e := f.Fault.Error[0]
			if e.Detail != "" && e.Detail != e.Message {
				return e.Message + ": " + e.Detail
			}
			return e.Message
		}
	case models.ProviderStripe:
		var s stripeErrorBody
		if json.Unmarshal(body, &s) == nil && s.Error.Message != "" {
			return s.Error.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
