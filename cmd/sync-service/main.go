package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/gateway"
	"github.com/mmdatafocus/buildsync/middlewares"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/syncapi"
	"github.com/mmdatafocus/buildsync/webhooks"
	"github.com/mmdatafocus/buildsync/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// swappable serves a bootstrap router until the real one is ready, so the
// port is open before the database and redis finish connecting.
type swappable struct {
	current atomic.Pointer[gin.Engine]
}

func (s *swappable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.current.Load().ServeHTTP(w, r)
}

func bootstrapRouter() *gin.Engine {
	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.NoRoute(func(c *gin.Context) { c.AbortWithStatus(http.StatusServiceUnavailable) })
	return r
}

func main() {
	port := os.Getenv("SYNC_SERVICE_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	handler := &swappable{}
	handler.current.Store(bootstrapRouter())
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !config.SkipMigrations() {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	creds := models.NewCredentialStore(db)
	gw := gateway.NewClientFromConfig(creds)
	h := syncapi.NewHandlers(syncapi.HandlerDeps{
		DB:          db,
		Syncer:      workflow.NewSyncerFromConfig(db, gw),
		Ingestor:    webhooks.NewIngestorFromConfig(db, gw),
		Credentials: creds,
		Connector:   gw.Tokens(),
		Pinger:      gw,
		Logger:      logger,
	})
	handler.current.Store(newRouter(h, logger))
	logger.WithFields(logrus.Fields{"port": port}).Info("sync service ready")

	refreshCtx, stopRefresh := context.WithCancel(sigCtx)
	defer stopRefresh()
	go refreshLoop(refreshCtx, gw.Tokens(), logger)

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func newRouter(h *syncapi.Handlers, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middlewares.CorrelationMiddleware())
	r.Use(middlewares.ReadinessGate())
	r.Use(middlewares.Cors())
	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.ErrorLogger(logger))
	r.Use(gin.Recovery())

	limiter := middlewares.NewRateLimiter(config.GetRedisDB(), 300, time.Minute)
	h.Register(r, middlewares.RequireSession(), limiter.RateLimitMiddleware)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

// refreshLoop renews QBO access tokens shortly before they expire so user
// requests rarely pay for a refresh.
func refreshLoop(ctx context.Context, tokens *gateway.TokenManager, logger *logrus.Logger) {
	interval := config.TokenRefreshInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := tokens.RefreshExpiring(ctx, 2*interval)
			if err != nil {
				config.LogError(logger, "main.go", "refreshLoop", "refreshing expiring tokens", n, err)
				continue
			}
			if n > 0 {
				logger.WithFields(logrus.Fields{"refreshed": n}).Info("refreshed expiring tokens")
			}
		}
	}
}
