package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/henryperkins/veritas/pkg/config"
	"github.com/henryperkins/veritas/pkg/events"
	"github.com/henryperkins/veritas/pkg/models"
	"github.com/henryperkins/veritas/pkg/orchestrator"
	"github.com/henryperkins/veritas/pkg/store"
	"github.com/henryperkins/veritas/pkg/version"
)

// ChatRequest is the request body of the chat endpoints.
type ChatRequest struct {
	SessionID string                   `json:"session_id,omitempty"`
	Messages  []models.Message         `json:"messages" binding:"required"`
	Overrides *config.FeatureOverrides `json:"feature_overrides,omitempty"`
}

// requestLimits bounds request size so oversized input is rejected
// before the pipeline spends tokens on it.
type requestLimits struct {
	maxMessages     int
	maxMessageChars int
	maxTotalChars   int
}

func (r *ChatRequest) validate(limits requestLimits) error {
	if len(r.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	if len(r.Messages) > limits.maxMessages {
		return fmt.Errorf("too many messages: %d exceeds the limit of %d", len(r.Messages), limits.maxMessages)
	}
	total := 0
	for i, m := range r.Messages {
		switch m.Role {
		case models.RoleSystem, models.RoleUser, models.RoleAssistant:
		default:
			return errors.New("unknown message role: " + string(m.Role))
		}
		if len(m.Content) > limits.maxMessageChars {
			return fmt.Errorf("message %d is too long: %d characters exceeds the limit of %d", i, len(m.Content), limits.maxMessageChars)
		}
		total += len(m.Content)
	}
	if total > limits.maxTotalChars {
		return fmt.Errorf("conversation is too long: %d characters exceeds the limit of %d", total, limits.maxTotalChars)
	}
	if models.LastUserMessage(r.Messages) == "" {
		return errors.New("messages must contain at least one user message")
	}
	return nil
}

func (s *Server) handleChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := req.validate(s.limits); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	emitter := events.NewCollectorEmitter()
	resp, _, err := s.runner.Run(c.Request.Context(), orchestrator.Input{
		SessionID: req.SessionID,
		Messages:  req.Messages,
		Mode:      models.ModeSync,
		Overrides: req.Overrides,
	}, emitter)
	if err != nil {
		c.JSON(statusForRunError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleChatStream(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := req.validate(s.limits); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	emitter := events.NewChannelEmitter(s.eventBuf, s.logger)
	go func() {
		defer emitter.Close()
		// Terminal state reaches the client through error/done events.
		if _, _, err := s.runner.Run(c.Request.Context(), orchestrator.Input{
			SessionID: req.SessionID,
			Messages:  req.Messages,
			Mode:      models.ModeStream,
			Overrides: req.Overrides,
		}, emitter); err != nil {
			s.logger.Warn("streaming session failed", "error", err)
		}
	}()

	for ev := range emitter.Events() {
		c.SSEvent(ev.Name, ev.Payload)
		c.Writer.Flush()
	}
}

func (s *Server) handleTrace(c *gin.Context) {
	if s.traces == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "trace persistence is disabled"})
		return
	}
	trace, err := s.traces.GetTrace(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		s.logger.Error("trace lookup failed", "session_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trace lookup failed"})
		return
	}
	c.JSON(http.StatusOK, trace)
}

func (s *Server) handleCancel(c *gin.Context) {
	sessionID := c.Param("id")
	if !s.runner.Registry().Cancel(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session is not running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "status": "cancelling"})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Full()})
}

func (s *Server) handleRetries(c *gin.Context) {
	if s.retries == nil {
		c.JSON(http.StatusOK, gin.H{"retries": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retries": s.retries()})
}

// statusForRunError maps pipeline failures onto HTTP status codes.
// Deadline expiry is the client-visible timeout; everything else is an
// internal failure.
func statusForRunError(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
