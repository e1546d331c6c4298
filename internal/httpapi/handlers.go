package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/eventpipe/internal/config"
)

// handleHealthz reports process liveness and the Permanent Store (C4) circuit breaker state
// for container orchestration health checks.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"version":         config.Version,
		"circuit_breaker": s.pipeline.CircuitBreakerState().String(),
	})
}

// handleMissed implements the stateless Missed operation (C9): envelopes
// after last_event_id (a "session_id:sequence" cursor; empty or malformed
// yields the full history).
func (s *Server) handleMissed(c *gin.Context) {
	sessionID := c.Param("id")
	lastEventID := c.Query("last_event_id")

	ctx, cancel := timeoutContext(c)
	defer cancel()

	envelopes, err := s.pipeline.Missed(ctx, sessionID, lastEventID)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "failed to fetch missed events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": envelopes})
}

func (s *Server) handleDLQDepth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"depth": s.pipeline.DLQDepth()})
}

func (s *Server) handleRetryDepth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"depth": s.pipeline.RetryDepth()})
}

func (s *Server) handleDLQList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": s.pipeline.DLQEntries()})
}

// handleDLQRequeue implements the operator-initiated recovery path the
// core itself never performs: POST /admin/dlq/{session_id}/{sequence}/requeue.
func (s *Server) handleDLQRequeue(c *gin.Context) {
	sessionID := c.Param("session_id")
	sequence, err := strconv.ParseInt(c.Param("sequence"), 10, 64)
	if err != nil {
		respondWithError(c, http.StatusBadRequest, "sequence must be an integer", err)
		return
	}

	if err := s.pipeline.Requeue(sessionID, sequence); err != nil {
		respondWithError(c, http.StatusNotFound, "no matching dead-lettered event", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": true, "session_id": sessionID, "sequence": sequence})
}

// timeoutContext bounds every store-backed read behind this adapter to a
// fixed deadline, per the core's own every-store-call-has-a-timeout rule.
func timeoutContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 5*time.Second)
}
