package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/buildsync/mapper"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/testutil"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"golang.org/x/oauth2"
)

type fixture struct {
	client *Client
	creds  *models.CredentialStore
	ctx    context.Context
}

func newFixture(t *testing.T, apiURL, tokenURL string) *fixture {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	creds := models.NewCredentialStore(db)
	oauthCfg := &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInHeader},
	}
	tokens := NewTokenManager(creds, oauthCfg, http.DefaultClient)
	client := NewClient(Options{
		HTTPClient:      http.DefaultClient,
		QBOBaseURL:      apiURL,
		StripeBaseURL:   apiURL,
		StripeSecretKey: "sk_test_platform",
		MinorVersion:    "75",
		Timeout:         2 * time.Second,
		Tokens:          tokens,
	})
	return &fixture{client: client, creds: creds, ctx: testutil.SystemContext()}
}

func (f *fixture) qboCredential(t *testing.T, expiresIn time.Duration) *models.ProviderCredential {
	t.Helper()
	expires := time.Now().Add(expiresIn).UTC()
	cred := &models.ProviderCredential{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, AccessToken: "old-access",
		RefreshToken: "old-refresh", TokenType: "bearer", ExpiresAt: &expires, RealmId: "4620816365",
	}
	require.NoError(t, f.creds.SaveConnected(f.ctx, cred))
	return cred
}

func tokenServer(t *testing.T, status int, hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"new-access","refresh_token":"new-refresh","token_type":"bearer","expires_in":3600,"x_refresh_token_expires_in":8726400}`)
	}))
}

func invoicePayload(t *testing.T) *mapper.ExternalPayload {
	t.Helper()
	p, err := mapper.ToExternal(models.InvoiceEntity(&models.Invoice{
		ID: "inv-1", GcAccountId: "gc-1", ClientId: "cl-1", AmountCents: 150000,
		Status: models.InvoiceStatusPendingPayment, IssueDate: time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	}), models.ProviderQBO, "CUST-9", "1")
	require.NoError(t, err)
	return p
}

func TestExpiredTokenIsRefreshedBeforeRequest(t *testing.T) {
	var tokenHits, apiHits int32
	tokens := tokenServer(t, http.StatusOK, &tokenHits)
	defer tokens.Close()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiHits, 1)
		assert.Equal(t, "Bearer new-access", r.Header.Get("Authorization"))
		assert.Equal(t, "/v3/company/4620816365/invoice", r.URL.Path)
		assert.Equal(t, "75", r.URL.Query().Get("minorversion"))
		assert.Equal(t, "buildsync-1-1000", r.URL.Query().Get("requestid"))
		_, _ = io.WriteString(w, `{"Invoice":{"Id":"130","SyncToken":"0"},"time":"2026-03-31T10:00:00Z"}`)
	}))
	defer api.Close()

	f := newFixture(t, api.URL, tokens.URL)
	cred := f.qboCredential(t, -time.Minute)

	res, err := f.client.Create(f.ctx, cred, invoicePayload(t), IdempotencyKey(1, 1000, 0))
	require.NoError(t, err)
	assert.Equal(t, "130", res.ExternalID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenHits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&apiHits))

	stored, err := f.creds.FindByID(f.ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", stored.AccessToken)
	assert.Equal(t, "new-refresh", stored.RefreshToken)
	assert.Equal(t, cred.TokenVersion+1, stored.TokenVersion)
}

func TestRejectedRefreshNeverSendsOriginalRequest(t *testing.T) {
	var tokenHits, apiHits int32
	tokens := tokenServer(t, http.StatusBadRequest, &tokenHits)
	defer tokens.Close()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiHits, 1)
	}))
	defer api.Close()

	f := newFixture(t, api.URL, tokens.URL)
	cred := f.qboCredential(t, -time.Minute)

	_, err := f.client.Create(f.ctx, cred, invoicePayload(t), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrReauthorizationRequired), "got %v", err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenHits))
	assert.Equal(t, int32(0), atomic.LoadInt32(&apiHits))

	stored, err := f.creds.FindByID(f.ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CredentialStatusRevoked, stored.Status)
}

func TestExpiringTokenCountsAsStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *models.ProviderCredential {
		exp := now.Add(d)
		return &models.ProviderCredential{ExpiresAt: &exp}
	}
	assert.Equal(t, TokenValid, StateOf(at(time.Hour), now))
	assert.Equal(t, TokenExpiring, StateOf(at(4*time.Minute), now))
	assert.Equal(t, TokenExpired, StateOf(at(0), now))
	assert.Equal(t, TokenValid, StateOf(&models.ProviderCredential{}, now))
}

func TestUnauthorizedTriggersOneRefreshAndOneRetry(t *testing.T) {
	var tokenHits, apiHits int32
	tokens := tokenServer(t, http.StatusOK, &tokenHits)
	defer tokens.Close()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&apiHits, 1) == 1 {
			assert.Equal(t, "Bearer old-access", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"Fault":{"Error":[{"Message":"AuthenticationFailed","code":"3200"}],"type":"AUTHENTICATION"}}`)
			return
		}
		assert.Equal(t, "Bearer new-access", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"Invoice":{"Id":"131","SyncToken":"0"}}`)
	}))
	defer api.Close()

	f := newFixture(t, api.URL, tokens.URL)
	cred := f.qboCredential(t, time.Hour)

	res, err := f.client.Create(f.ctx, cred, invoicePayload(t), "")
	require.NoError(t, err)
	assert.Equal(t, "131", res.ExternalID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&apiHits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenHits))
}

func TestPersistentUnauthorizedStopsAfterOneRetry(t *testing.T) {
	var tokenHits, apiHits int32
	tokens := tokenServer(t, http.StatusOK, &tokenHits)
	defer tokens.Close()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiHits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	f := newFixture(t, api.URL, tokens.URL)
	cred := f.qboCredential(t, time.Hour)

	_, err := f.client.Request(f.ctx, cred, http.MethodGet, "companyinfo/4620816365", nil)
	assert.True(t, errors.Is(err, utils.ErrReauthorizationRequired))
	assert.Equal(t, int32(2), atomic.LoadInt32(&apiHits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenHits))
}

func TestResponseClassification(t *testing.T) {
	cases := []struct {
		status  int
		body    string
		want    error
		message string
	}{
		{http.StatusBadRequest, `{"Fault":{"Error":[{"Message":"Invalid Reference Id","Detail":"Customer 9 does not exist","code":"2500"}]}}`, utils.ErrValidation, "Customer 9 does not exist"},
		{http.StatusInternalServerError, `oops`, utils.ErrTransient, "oops"},
		{http.StatusTooManyRequests, `{}`, utils.ErrTransient, ""},
		{http.StatusServiceUnavailable, ``, utils.ErrTransient, ""},
	}
	for _, tc := range cases {
		api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, tc.body)
		}))
		f := newFixture(t, api.URL, "http://127.0.0.1:1/token")
		cred := f.qboCredential(t, time.Hour)

		_, err := f.client.Request(f.ctx, cred, http.MethodGet, "invoice/1", nil)
		assert.True(t, errors.Is(err, tc.want), "status %d: got %v", tc.status, err)
		var perr *ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, tc.status, perr.StatusCode)
		assert.Contains(t, perr.Error(), tc.message)
		api.Close()
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer api.Close()

	f := newFixture(t, api.URL, "http://127.0.0.1:1/token")
	f.client.timeout = 50 * time.Millisecond
	cred := f.qboCredential(t, time.Hour)

	_, err := f.client.Request(f.ctx, cred, http.MethodGet, "invoice/1", nil)
	assert.True(t, errors.Is(err, utils.ErrTransient), "got %v", err)
}

func TestQBOUpdateUsesCurrentSyncToken(t *testing.T) {
	var posted map[string]any
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "/v3/company/4620816365/invoice/130", r.URL.Path)
			_, _ = io.WriteString(w, `{"Invoice":{"Id":"130","SyncToken":"3"}}`)
		case http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
			_, _ = io.WriteString(w, `{"Invoice":{"Id":"130","SyncToken":"4"}}`)
		}
	}))
	defer api.Close()

	f := newFixture(t, api.URL, "http://127.0.0.1:1/token")
	cred := f.qboCredential(t, time.Hour)

	res, err := f.client.Update(f.ctx, cred, invoicePayload(t), "130")
	require.NoError(t, err)
	assert.Equal(t, "130", res.ExternalID)
	assert.Equal(t, "130", posted["Id"])
	assert.Equal(t, "3", posted["SyncToken"])
	assert.Equal(t, true, posted["sparse"])
	assert.Equal(t, map[string]any{"value": "CUST-9"}, posted["CustomerRef"])
}

// fakeStripe keeps invoices and items in memory and applies Stripe's
// pending-item rules: items posted without an invoice stay pending on the
// customer until an invoice created with "include" sweeps them up.
type fakeStripe struct {
	t        *testing.T
	mu       sync.Mutex
	invoices map[string]*fakeInvoice
	items    map[string]*fakeItem
	calls    []string
	keys     []string
	seq      int
}

type fakeInvoice struct {
	customer string
	status   string
	form     url.Values
}

type fakeItem struct {
	customer    string
	invoice     string
	amount      int64
	description string
}

func newFakeStripe(t *testing.T) (*fakeStripe, *httptest.Server) {
	fs := &fakeStripe{t: t, invoices: map[string]*fakeInvoice{}, items: map[string]*fakeItem{}}
	srv := httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeStripe) serve(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.calls = append(fs.calls, r.Method+" "+r.URL.Path)
	fs.keys = append(fs.keys, r.Header.Get("Idempotency-Key"))
	raw, _ := io.ReadAll(r.Body)
	form, err := url.ParseQuery(string(raw))
	assert.NoError(fs.t, err)

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case r.Method == http.MethodPost && path == "invoiceitems":
		fs.seq++
		id := fmt.Sprintf("ii_%d", fs.seq)
		amount, _ := strconv.ParseInt(form.Get("amount"), 10, 64)
		inv := form.Get("invoice")
		if inv != "" {
			if parent, ok := fs.invoices[inv]; !ok || parent.status != "draft" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"error":{"message":"invoice is not a draft"}}`)
				return
			}
		}
		fs.items[id] = &fakeItem{customer: form.Get("customer"), invoice: inv, amount: amount, description: form.Get("description")}
		fmt.Fprintf(w, `{"id":%q,"object":"invoiceitem"}`, id)
	case r.Method == http.MethodGet && path == "invoiceitems":
		var data []map[string]any
		for id, it := range fs.items {
			if it.invoice == r.URL.Query().Get("invoice") {
				data = append(data, map[string]any{"id": id, "amount": it.amount, "description": it.description})
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "has_more": false})
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "invoiceitems/"):
		delete(fs.items, strings.TrimPrefix(path, "invoiceitems/"))
		_, _ = io.WriteString(w, `{"deleted":true}`)
	case r.Method == http.MethodPost && path == "invoices":
		fs.seq++
		id := fmt.Sprintf("in_%d", fs.seq)
		customer := form.Get("customer")
		fs.invoices[id] = &fakeInvoice{customer: customer, status: "draft", form: form}
		if form.Get("pending_invoice_items_behavior") != "exclude" {
			for _, it := range fs.items {
				if it.customer == customer && it.invoice == "" {
					it.invoice = id
				}
			}
		}
		fmt.Fprintf(w, `{"id":%q,"object":"invoice"}`, id)
	case strings.HasPrefix(path, "invoices/"):
		id := strings.TrimPrefix(path, "invoices/")
		inv, ok := fs.invoices[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"message":"No such invoice"}}`)
			return
		}
		fmt.Fprintf(w, `{"id":%q,"object":"invoice","status":%q,"total":%d}`, id, inv.status, fs.totalLocked(id))
	default:
		fs.t.Errorf("unexpected Stripe call %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (fs *fakeStripe) totalLocked(invoiceID string) int64 {
	var total int64
	for _, it := range fs.items {
		if it.invoice == invoiceID {
			total += it.amount
		}
	}
	return total
}

func (fs *fakeStripe) total(invoiceID string) int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.totalLocked(invoiceID)
}

func (fs *fakeStripe) reset() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.calls, fs.keys = nil, nil
}

func stripeInvoicePayload(t *testing.T, id string, cents int64) *mapper.ExternalPayload {
	t.Helper()
	p, err := mapper.ToExternal(models.InvoiceEntity(&models.Invoice{
		ID: id, GcAccountId: "gc-1", ClientId: "cl-1", AmountCents: cents, Status: models.InvoiceStatusPendingPayment,
	}), models.ProviderStripe, "cus_9", "")
	require.NoError(t, err)
	return p
}

func stripeCredential(t *testing.T, f *fixture) *models.ProviderCredential {
	t.Helper()
	cred := &models.ProviderCredential{GcAccountId: "gc-1", Provider: models.ProviderStripe, RealmId: "acct_123"}
	require.NoError(t, f.creds.SaveConnected(f.ctx, cred))
	return cred
}

func TestStripeCreateSendsInvoiceThenItsItems(t *testing.T) {
	fs, api := newFakeStripe(t)
	f := newFixture(t, api.URL, "http://127.0.0.1:1/token")
	cred := stripeCredential(t, f)

	res, err := f.client.Create(f.ctx, cred, stripeInvoicePayload(t, "inv-1", 150000), "buildsync-7-1")
	require.NoError(t, err)
	assert.Equal(t, "in_1", res.ExternalID)
	assert.Equal(t, []string{"POST /v1/invoices", "POST /v1/invoiceitems"}, fs.calls)
	assert.Equal(t, []string{"buildsync-7-1", "buildsync-7-1-invoiceitems-0"}, fs.keys)
	assert.Equal(t, "exclude", fs.invoices["in_1"].form.Get("pending_invoice_items_behavior"))
	assert.Equal(t, "gc-1", fs.invoices["in_1"].form.Get("metadata[gc_account_id]"))
	assert.Equal(t, int64(150000), fs.total("in_1"))
}

func TestStripeInvoicesForOneCustomerKeepTheirOwnItems(t *testing.T) {
	fs, api := newFakeStripe(t)
	f := newFixture(t, api.URL, "http://127.0.0.1:1/token")
	cred := stripeCredential(t, f)

	// A loose item left behind on the customer must not end up on either invoice.
	fs.items["ii_stray"] = &fakeItem{customer: "cus_9", amount: 7777}

	amounts := map[string]int64{"inv-a": 150000, "inv-b": 990000}
	results := map[string]string{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for id, cents := range amounts {
		wg.Add(1)
		go func(id string, cents int64) {
			defer wg.Done()
			res, err := f.client.Create(f.ctx, cred, stripeInvoicePayload(t, id, cents), "buildsync-"+id)
			assert.NoError(t, err)
			if res != nil {
				mu.Lock()
				results[id] = res.ExternalID
				mu.Unlock()
			}
		}(id, cents)
	}
	wg.Wait()

	require.Len(t, results, 2)
	for id, cents := range amounts {
		assert.Equal(t, cents, fs.total(results[id]), "invoice %s", id)
	}
	assert.Empty(t, fs.items["ii_stray"].invoice)
}

func TestStripeUpdateReplacesChangedItemsOnDraft(t *testing.T) {
	fs, api := newFakeStripe(t)
	f := newFixture(t, api.URL, "http://127.0.0.1:1/token")
	cred := stripeCredential(t, f)

	res, err := f.client.Create(f.ctx, cred, stripeInvoicePayload(t, "inv-1", 150000), "buildsync-7-1")
	require.NoError(t, err)
	fs.reset()

	_, err = f.client.Update(f.ctx, cred, stripeInvoicePayload(t, "inv-1", 990000), res.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, int64(990000), fs.total(res.ExternalID))
	assert.Equal(t, []string{
		"GET /v1/invoiceitems", "GET /v1/invoices/in_1", "DELETE /v1/invoiceitems/ii_2",
		"POST /v1/invoiceitems", "POST /v1/invoices/in_1",
	}, fs.calls)

	fs.reset()
	_, err = f.client.Update(f.ctx, cred, stripeInvoicePayload(t, "inv-1", 990000), res.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /v1/invoiceitems", "POST /v1/invoices/in_1"}, fs.calls, "unchanged lines are left alone")
}

func TestStripeUpdateOfFinalizedInvoiceAmountIsRejected(t *testing.T) {
	fs, api := newFakeStripe(t)
	f := newFixture(t, api.URL, "http://127.0.0.1:1/token")
	cred := stripeCredential(t, f)

	res, err := f.client.Create(f.ctx, cred, stripeInvoicePayload(t, "inv-1", 150000), "buildsync-7-1")
	require.NoError(t, err)
	fs.invoices[res.ExternalID].status = "open"
	fs.reset()

	_, err = f.client.Update(f.ctx, cred, stripeInvoicePayload(t, "inv-1", 990000), res.ExternalID)
	assert.True(t, errors.Is(err, utils.ErrValidation))
	assert.Contains(t, utils.Message(err), "is open")
	assert.Equal(t, []string{"GET /v1/invoiceitems", "GET /v1/invoices/in_1"}, fs.calls)
	assert.Equal(t, int64(150000), fs.total(res.ExternalID))
}

func TestStripeErrorMessageIsSurfaced(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"No such customer: 'cus_9'","type":"invalid_request_error"}}`)
	}))
	defer api.Close()

	f := newFixture(t, api.URL, "http://127.0.0.1:1/token")
	cred := &models.ProviderCredential{GcAccountId: "gc-1", Provider: models.ProviderStripe, RealmId: "acct_123"}

	_, err := f.client.Request(f.ctx, cred, http.MethodPost, "customers", &stripe.CustomerParams{Name: stripe.String("Acme")})
	assert.True(t, errors.Is(err, utils.ErrValidation))
	assert.Equal(t, "Stripe returned 400: No such customer: 'cus_9'", utils.Message(err))
}
