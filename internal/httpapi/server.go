// Package httpapi is the operator adapter (C14): the HTTP/WS surface that
// fronts the pipeline handle with subscribe/missed routes for consumers and
// admin routes for operators, adapted from the teacher's internal/api
// package (request-ID/recovery/CORS middleware, gin routing, rate limiting)
// but scoped to this pipeline's publish/subscribe/DLQ contract instead of
// the teacher's scan/corruption REST surface.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/eventpipe/internal/auth"
	"github.com/mescon/eventpipe/internal/circuitbreaker"
	"github.com/mescon/eventpipe/internal/domain"
	"github.com/mescon/eventpipe/internal/logger"
	"github.com/mescon/eventpipe/internal/metrics"
)

// Pipeline is the subset of *pipeline.Pipeline this adapter drives. Declared
// here rather than imported from internal/pipeline's own exported type so
// the adapter depends only on the methods it calls.
type Pipeline interface {
	Subscribe(ctx context.Context, sessionID string, sinceSequence int64) ([]domain.Envelope, <-chan domain.Envelope, func(), error)
	Missed(ctx context.Context, sessionID, lastEventID string) ([]domain.Envelope, error)
	DLQDepth() int
	RetryDepth() int
	DLQEntries() []domain.FailedEvent
	Requeue(sessionID string, sequence int64) error
	CircuitBreakerState() circuitbreaker.State
}

// Server is the C14 operator adapter: a gin router plus the http.Server
// that serves it.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	pipeline   Pipeline
	metrics    *metrics.Metrics
	apiKeyHash string
	startTime  time.Time
}

// Deps collects the constructor's dependencies.
type Deps struct {
	Pipeline   Pipeline
	Metrics    *metrics.Metrics
	APIKeyHash string // config.Config.AdminAPIKeyHash; empty disables admin auth
}

// New builds the Server and registers every route. It does not start
// listening; call Start for that.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	s := &Server{
		router:     r,
		pipeline:   deps.Pipeline,
		metrics:    deps.Metrics,
		apiKeyHash: deps.APIKeyHash,
		startTime:  time.Now(),
	}

	r.Use(requestIDMiddleware())
	r.Use(recoveryMiddleware())
	r.Use(corsMiddleware())

	s.setupRoutes()
	return s
}

// requestIDMiddleware assigns a correlation ID to every request, reusing an
// inbound X-Request-ID if the caller supplied one.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = fmt.Sprintf("%d-%d", time.Now().UnixNano(), c.Request.ContentLength)
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

// recoveryMiddleware logs and converts a panic into a 500 rather than
// crashing the process.
func recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "Internal server error",
			"request_id": reqID,
		})
	})
}

// corsMiddleware is configurable via EVENTPIPE_CORS_ORIGIN; with no
// configuration it enforces same-origin by omitting the header entirely.
func corsMiddleware() gin.HandlerFunc {
	corsOrigins := os.Getenv("EVENTPIPE_CORS_ORIGIN")
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if corsOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	s.router.GET("/sessions/:id/subscribe", s.handleSubscribe)
	s.router.GET("/sessions/:id/missed", s.handleMissed)

	admin := s.router.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	{
		admin.GET("/dlq/depth", s.handleDLQDepth)
		admin.GET("/retry/depth", s.handleRetryDepth)
		admin.GET("/dlq", s.handleDLQList)
		admin.POST("/dlq/:session_id/:sequence/requeue", s.handleDLQRequeue)
	}
}

// adminAuthMiddleware gates the /admin group behind the bcrypt-hashed
// operator key in config.Config.AdminAPIKeyHash. An empty hash means admin
// auth was never configured; in that case every admin request is rejected
// rather than silently left open.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.apiKeyHash == "" {
			respondWithError(c, http.StatusServiceUnavailable, "admin API disabled: ADMIN_API_KEY_HASH not configured", nil)
			c.Abort()
			return
		}

		key := c.GetHeader("X-API-Key")
		if key == "" {
			const prefix = "Bearer "
			if v := c.GetHeader("Authorization"); strings.HasPrefix(v, prefix) {
				key = v[len(prefix):]
			}
		}
		if key == "" {
			respondWithError(c, http.StatusUnauthorized, "no admin API key provided", nil)
			c.Abort()
			return
		}

		if !auth.CheckPasswordHash(key, s.apiKeyHash) {
			respondWithError(c, http.StatusUnauthorized, "invalid admin API key", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

// Start begins serving on addr (config.Config.HTTPAddr). It blocks until
// the server stops; a graceful Shutdown returns http.ErrServerClosed here.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	logger.Infof("HTTP operator adapter listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests, including open WebSocket
// subscriptions, within the deadline carried by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
