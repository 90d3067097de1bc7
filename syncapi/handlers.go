// Package syncapi exposes the sync orchestrator, provider connections and
// webhook ingestion over HTTP.
package syncapi

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/gateway"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/mmdatafocus/buildsync/webhooks"
	"github.com/mmdatafocus/buildsync/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// maxWebhookBody matches Stripe's documented upper bound for event payloads.
const maxWebhookBody = 1 << 16

// Connector runs the QBO OAuth connect flow.
type Connector interface {
	AuthCodeURL(ctx context.Context, gcAccountId, userId string) (string, error)
	CompleteConnect(ctx context.Context, state, code, realmId string) (*models.ProviderCredential, error)
}

type Pinger interface {
	Ping(ctx context.Context, cred *models.ProviderCredential) error
}

// Publisher hands a sync to the async worker and returns the message id.
type Publisher func(ctx context.Context, msg config.SyncDispatchMessage) (string, error)

type HandlerDeps struct {
	DB          *gorm.DB
	Syncer      *workflow.Syncer
	Ingestor    *webhooks.Ingestor
	Credentials *models.CredentialStore
	Connector   Connector
	Pinger      Pinger
	Publish     Publisher
	Logger      *logrus.Logger
}

type Handlers struct {
	db        *gorm.DB
	syncer    *workflow.Syncer
	ingestor  *webhooks.Ingestor
	creds     *models.CredentialStore
	connector Connector
	pinger    Pinger
	publish   Publisher
	logger    *logrus.Logger
}

func NewHandlers(d HandlerDeps) *Handlers {
	h := &Handlers{
		db:        d.DB,
		syncer:    d.Syncer,
		ingestor:  d.Ingestor,
		creds:     d.Credentials,
		connector: d.Connector,
		pinger:    d.Pinger,
		publish:   d.Publish,
		logger:    d.Logger,
	}
	if h.db == nil {
		h.db = config.GetDB()
	}
	if h.creds == nil {
		h.creds = models.NewCredentialStore(h.db)
	}
	if h.publish == nil {
		h.publish = config.PublishSyncRequest
	}
	if h.logger == nil {
		h.logger = config.GetLogger()
	}
	return h
}

// Register mounts every route. auth guards the tenant-scoped routes; webhook,
// callback and push routes authenticate by other means.
func (h *Handlers) Register(r gin.IRouter, auth ...gin.HandlerFunc) {
	tenant := r.Group("", auth...)
	tenant.POST("/sync/:entityType/:id", h.SyncHandler())
	tenant.DELETE("/sync/:entityType/:id", h.UnsyncHandler())
	tenant.GET("/references/:entityType/:id", h.ReferencesHandler())
	tenant.GET("/integrations/:provider/status", h.StatusHandler())
	tenant.GET("/integrations/:provider/connect", h.ConnectHandler())
	tenant.POST("/integrations/:provider/disconnect", h.DisconnectHandler())

	r.GET("/integrations/:provider/callback", h.CallbackHandler())
	r.POST("/webhooks/:provider", h.WebhookHandler())
	r.POST("/pubsub/sync", h.PubSubPushHandler())
}

func (h *Handlers) SyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		gcAccountId, ok := resolveTenant(c)
		if !ok {
			return
		}
		entityType, ok := entityTypeParam(c)
		if !ok {
			return
		}
		var req SyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request"})
			return
		}
		provider, err := models.ParseProvider(req.Provider)
		if err != nil {
			writeError(c, utils.NewSyncError(utils.KindValidation, "SyncHandler", err), nil)
			return
		}
		id := c.Param("id")
		ctx := c.Request.Context()

		if req.Async {
			cid, _ := utils.GetCorrelationIdFromContext(ctx)
			msgId, err := h.publish(ctx, config.SyncDispatchMessage{
				GcAccountId:   gcAccountId,
				Provider:      string(provider),
				EntityType:    string(entityType),
				EntityId:      id,
				CorrelationId: cid,
				RequestedAt:   time.Now().UTC(),
			})
			if err != nil {
				config.LogError(h.logger, "handlers.go", "SyncHandler", "publishing sync request", id, err)
				c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "could not queue sync", Code: string(utils.KindTransient)})
				return
			}
			c.JSON(http.StatusAccepted, SyncResponse{Status: models.SyncStatusPending, MessageId: msgId})
			return
		}

		ref, err := h.syncer.SyncByID(ctx, provider, entityType, id)
		if err != nil {
			writeError(c, err, ref)
			return
		}
		c.JSON(http.StatusOK, SyncResponse{
			Status:       ref.SyncStatus,
			ExternalId:   ref.ExternalEntityId,
			ExternalType: ref.ExternalEntityType,
		})
	}
}

func (h *Handlers) UnsyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := resolveTenant(c); !ok {
			return
		}
		entityType, ok := entityTypeParam(c)
		if !ok {
			return
		}
		provider, err := models.ParseProvider(c.Query("provider"))
		if err != nil {
			writeError(c, utils.NewSyncError(utils.KindValidation, "UnsyncHandler", err), nil)
			return
		}
		deleted, err := h.syncer.Unsync(c.Request.Context(), provider, entityType, c.Param("id"))
		if err != nil {
			writeError(c, err, nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	}
}

func (h *Handlers) ReferencesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		gcAccountId, ok := resolveTenant(c)
		if !ok {
			return
		}
		entityType, ok := entityTypeParam(c)
		if !ok {
			return
		}
		refs, err := h.syncer.References().ListForEntity(c.Request.Context(), entityType, c.Param("id"))
		if err != nil {
			writeError(c, err, nil)
			return
		}
		items := make([]ReferenceResponse, 0, len(refs))
		for i := range refs {
			// Cached rows are keyed by entity only.
			if refs[i].GcAccountId != gcAccountId {
				continue
			}
			items = append(items, *toReferenceResponse(&refs[i]))
		}
		c.JSON(http.StatusOK, ReferencesResponse{Items: items})
	}
}

func (h *Handlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		gcAccountId, ok := resolveTenant(c)
		if !ok {
			return
		}
		provider, ok := providerParam(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		counts, err := h.syncer.References().CountByStatus(ctx, gcAccountId, provider)
		if err != nil {
			writeError(c, err, nil)
			return
		}
		resp := StatusResponse{Provider: provider, Counts: counts}

		cred, err := h.creds.Find(ctx, gcAccountId, provider)
		if err != nil {
			writeError(c, err, nil)
			return
		}
		if cred != nil {
			resp.Connected = cred.Status == models.CredentialStatusActive
			resp.Status = cred.Status
			resp.RealmId = cred.RealmId
			resp.ExpiresAt = formatTime(cred.ExpiresAt)
			if provider == models.ProviderQBO {
				resp.TokenState = gateway.StateOf(cred, time.Now()).String()
			}
			if resp.Connected && h.pinger != nil && c.Query("ping") == "true" {
				reachable := h.pinger.Ping(ctx, cred) == nil
				resp.Reachable = &reachable
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *Handlers) ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		gcAccountId, ok := resolveTenant(c)
		if !ok {
			return
		}
		if !qboOnly(c) {
			return
		}
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		url, err := h.connector.AuthCodeURL(c.Request.Context(), gcAccountId, userId)
		if err != nil {
			config.LogError(h.logger, "handlers.go", "ConnectHandler", "building authorization url", gcAccountId, err)
			writeError(c, err, nil)
			return
		}
		if c.Query("redirect") == "true" {
			c.Redirect(http.StatusFound, url)
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": url})
	}
}

// CallbackHandler completes the connect flow. The tenant comes from the
// stored OAuth state, not from a session.
func (h *Handlers) CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !qboOnly(c) {
			return
		}
		if e := c.Query("error"); e != "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "authorization declined: " + e, Code: string(utils.KindValidation)})
			return
		}
		code, state, realmId := c.Query("code"), c.Query("state"), c.Query("realmId")
		if code == "" || state == "" || realmId == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "code, state and realmId are required", Code: string(utils.KindValidation)})
			return
		}
		ctx := utils.SetSkipTenantScopeInContext(c.Request.Context(), true)
		cred, err := h.connector.CompleteConnect(ctx, state, code, realmId)
		if err != nil {
			writeError(c, err, nil)
			return
		}
		h.logger.WithFields(logrus.Fields{
			"gc_account_id": cred.GcAccountId,
			"realm_id":      cred.RealmId,
		}).Info("quickbooks connected")
		c.JSON(http.StatusOK, gin.H{"connected": true, "realmId": cred.RealmId})
	}
}

func (h *Handlers) DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		gcAccountId, ok := resolveTenant(c)
		if !ok {
			return
		}
		provider, ok := providerParam(c)
		if !ok {
			return
		}
		revoked, err := h.creds.Revoke(c.Request.Context(), gcAccountId, provider)
		if err != nil {
			writeError(c, err, nil)
			return
		}
		if revoked {
			h.logger.WithFields(logrus.Fields{"gc_account_id": gcAccountId, "provider": provider}).Info("provider disconnected")
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "disconnected": revoked})
	}
}

func (h *Handlers) WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		provider, ok := providerParam(c)
		if !ok {
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "could not read body"})
			return
		}
		if len(body) > maxWebhookBody {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload too large"})
			return
		}
		signature := c.GetHeader("Stripe-Signature")
		if provider == models.ProviderQBO {
			signature = c.GetHeader("intuit-signature")
		}
		status, err := h.ingestor.Handle(c.Request.Context(), provider, body, signature)
		if status == http.StatusOK {
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		msg := http.StatusText(status)
		if status == http.StatusBadRequest && err != nil {
			msg = utils.Message(err)
		}
		c.JSON(status, ErrorResponse{Error: msg})
	}
}

// writeError maps the error taxonomy onto HTTP statuses. ref, when present, is
// the reference state the failed attempt left behind.
func writeError(c *gin.Context, err error, ref *models.ExternalReference) {
	status := http.StatusInternalServerError
	kind := utils.KindOf(err)
	switch kind {
	case utils.KindValidation:
		status = http.StatusUnprocessableEntity
	case utils.KindAlreadyInProgress, utils.KindReconciliationConflict:
		status = http.StatusConflict
	case utils.KindReauthorizationRequired:
		status = http.StatusUnauthorized
	case utils.KindTransient:
		status = http.StatusServiceUnavailable
	case utils.KindNotFound:
		status = http.StatusNotFound
	}
	resp := ErrorResponse{Error: utils.Message(err), Code: string(kind), Reference: toReferenceResponse(ref)}
	if kind == "" {
		_ = c.Error(err)
		resp.Error = "internal error"
	}
	c.JSON(status, resp)
}

func resolveTenant(c *gin.Context) (string, bool) {
	gcAccountId, ok := utils.GetGcAccountIdFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(gcAccountId) == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return "", false
	}
	return gcAccountId, true
}

func entityTypeParam(c *gin.Context) (models.EntityType, bool) {
	t, err := models.ParseEntityType(c.Param("entityType"))
	if err != nil {
		writeError(c, utils.NewSyncError(utils.KindValidation, "entityType", err), nil)
		return "", false
	}
	return t, true
}

func providerParam(c *gin.Context) (models.Provider, bool) {
	p, err := models.ParseProvider(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return "", false
	}
	return p, true
}

func qboOnly(c *gin.Context) bool {
	p, ok := providerParam(c)
	if !ok {
		return false
	}
	if p != models.ProviderQBO {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "connect flow is only available for quickbooks"})
		return false
	}
	return true
}
