package syncapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/mmdatafocus/buildsync/workflow"
	"github.com/sirupsen/logrus"
)

const pushHandlerName = "sync_dispatch"

// PubSubPushHandler runs queued syncs. Pub/Sub redelivers on any non-2xx, so
// poison messages are acked with 204 and only retryable failures answer 503.
func (h *Handlers) PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_SYNC_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(http.StatusNoContent)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			h.logger.WithError(err).Warn("dropping malformed push envelope")
			c.Status(http.StatusNoContent)
			return
		}
		var msg config.SyncDispatchMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
			h.logger.WithError(err).WithField("message_id", envelope.Message.ID).Warn("dropping malformed sync message")
			c.Status(http.StatusNoContent)
			return
		}
		provider, perr := models.ParseProvider(msg.Provider)
		entityType, eerr := models.ParseEntityType(msg.EntityType)
		if msg.GcAccountId == "" || msg.EntityId == "" || envelope.Message.ID == "" || perr != nil || eerr != nil {
			h.logger.WithFields(logrus.Fields{
				"message_id":    envelope.Message.ID,
				"gc_account_id": msg.GcAccountId,
				"provider":      msg.Provider,
				"entity_type":   msg.EntityType,
			}).Warn("dropping incomplete sync message")
			c.Status(http.StatusNoContent)
			return
		}

		ctx := utils.SetGcAccountIdInContext(c.Request.Context(), msg.GcAccountId)
		if msg.CorrelationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
		}
		logger := h.logger.WithFields(logrus.Fields{
			"message_id":     envelope.Message.ID,
			"gc_account_id":  msg.GcAccountId,
			"provider":       provider,
			"entity_type":    entityType,
			"entity_id":      msg.EntityId,
			"correlation_id": msg.CorrelationId,
		})

		db := h.db.WithContext(ctx)
		skip, err := workflow.BeginIdempotency(db, msg.GcAccountId, pushHandlerName, envelope.Message.ID)
		if errors.Is(err, workflow.ErrIdempotencyInProgress) {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			config.LogError(h.logger, "pubsub.go", "PubSubPushHandler", "beginning idempotency", envelope.Message.ID, err)
			c.Status(http.StatusServiceUnavailable)
			return
		}
		if skip {
			logger.Info("sync message already processed")
			c.Status(http.StatusNoContent)
			return
		}

		_, syncErr := h.syncer.SyncByID(ctx, provider, entityType, msg.EntityId)
		if syncErr != nil && retryable(syncErr) {
			if err := workflow.MarkIdempotencyFailed(db, msg.GcAccountId, pushHandlerName, envelope.Message.ID, syncErr); err != nil {
				config.LogError(h.logger, "pubsub.go", "PubSubPushHandler", "marking idempotency failed", envelope.Message.ID, err)
			}
			logger.WithError(syncErr).Warn("sync deferred for redelivery")
			c.Status(http.StatusServiceUnavailable)
			return
		}
		if syncErr != nil {
			if err := workflow.MarkIdempotencyFailed(db, msg.GcAccountId, pushHandlerName, envelope.Message.ID, syncErr); err != nil {
				config.LogError(h.logger, "pubsub.go", "PubSubPushHandler", "marking idempotency failed", envelope.Message.ID, err)
			}
			logger.WithError(syncErr).WithField("kind", utils.KindOf(syncErr)).Error("queued sync failed")
			c.Status(http.StatusNoContent)
			return
		}
		if err := workflow.MarkIdempotencySucceeded(db, msg.GcAccountId, pushHandlerName, envelope.Message.ID); err != nil {
			config.LogError(h.logger, "pubsub.go", "PubSubPushHandler", "marking idempotency succeeded", envelope.Message.ID, err)
		}
		logger.Info("queued sync applied")
		c.Status(http.StatusNoContent)
	}
}

// retryable reports failures a redelivery may fix. Unclassified errors come
// from the database or the runtime and are retried too.
func retryable(err error) bool {
	switch utils.KindOf(err) {
	case utils.KindTransient, utils.KindAlreadyInProgress, "":
		return true
	}
	return false
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
