// Package httpapi wires the HTTP transport (Gin) to the ledger services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging, panic recovery, metrics, CORS,
// compression and rate limiting.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-dispatch-ledger/internal/config"
	"github.com/tbourn/go-dispatch-ledger/internal/http/handlers"
	"github.com/tbourn/go-dispatch-ledger/internal/http/middleware"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// Services carries the application services exposed over HTTP.
// Reconciler may be nil when the store has no fallback to compare.
type Services struct {
	Events     handlers.EventLog
	Tasks      handlers.TaskStore
	COD        handlers.CODLedger
	Scheduler  handlers.Scheduler
	Reconciler handlers.Reconciler
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per webhook source or IP; /health and /metrics exempt)
//  8. CORS
//  9. Response compression
func RegisterRoutes(r *gin.Engine, svc Services, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyBySourceOrIP(middleware.HeaderWebhookSource)).
		Exempt("/health", "/metrics")
	r.Use(rl.Handler())

	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", handlers.HeaderTaskID, middleware.HeaderWebhookSource}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(svc.Events, svc.Tasks, svc.COD, svc.Scheduler, svc.Reconciler)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Webhooks
		api.POST("/webhooks/dispatch", h.ReceiveDispatchWebhook)
		api.GET("/webhooks/events/:id", h.GetWebhookEvent)
		api.GET("/webhooks/stats", h.WebhookStats)

		// Tasks
		api.GET("/tasks/:id", h.GetTask)
		api.POST("/tasks/merge", h.MergeTask)
		api.GET("/tasks/:id/metadata", h.GetTaskMetadata)
		api.PATCH("/tasks/:id/metadata", h.PatchTaskMetadata)
		api.GET("/history", h.ListHistory)

		// COD
		api.POST("/drivers/:driver/cod", h.AddCODEntry)
		api.GET("/drivers/:driver/cod/oldest", h.OldestPendingCOD)
		api.GET("/drivers/:driver/cod/pending", h.ListPendingCOD)
		api.POST("/drivers/:driver/cod/:entry/settle", h.SettleCODEntry)
		api.GET("/cod", h.ListCODLedger)

		// Admin
		api.POST("/admin/scheduler/run", h.RunScheduler)
		api.POST("/admin/cod/purge", h.PurgeSettledCOD)
		api.GET("/admin/reconcile", h.Reconcile)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
