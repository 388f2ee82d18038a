package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/idempotency"
	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/sessions"
	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/validation"
	"github.com/gin-gonic/gin"
)

// HandlerConfig groups dependencies for the sessions API.
type HandlerConfig struct {
	IdempotencyStore idempotency.Store
	Sessions         *sessions.Service
	Logger           *slog.Logger
	Metrics          idempotency.Metrics
	GuardOptions     []idempotency.Option
}

// RegisterSessionRoutes registers routes for the session API.
func RegisterSessionRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()

	var opts []idempotency.Option
	if cfg.Logger != nil {
		opts = append(opts, idempotency.WithLogger(cfg.Logger))
	}
	if cfg.Metrics != nil {
		opts = append(opts, idempotency.WithMetrics(cfg.Metrics))
	}
	opts = append(opts, cfg.GuardOptions...)
	guard := idempotency.NewGuard(cfg.IdempotencyStore, opts...)

	r.POST("/sessions/start", func(c *gin.Context) {
		ctx := c.Request.Context()

		// Bind + validate request
		var req validation.StartSessionRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		// Require idempotency key and caller identity headers
		idempKey := c.GetHeader("Idempotency-Key")
		if idempKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
			return
		}
		ownerID := c.GetHeader("X-User-Id")
		if ownerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_user_id"})
			return
		}

		res, err := guard.Execute(ctx, idempotency.Request{
			RequestID: idempKey,
			OwnerID:   ownerID,
			Operation: "session.start",
			Params:    req,
		}, func(hctx context.Context) (any, error) {
			return cfg.Sessions.Start(hctx, ownerID, sessions.StartParams{
				Activity:        req.Activity,
				DurationMinutes: req.DurationMinutes,
				Location:        req.Location,
			})
		})
		if err != nil {
			writeStartError(c, err)
			return
		}

		status := http.StatusCreated
		if res.Replayed {
			status = http.StatusOK
		}
		var sr sessions.StartResult
		if jerr := json.Unmarshal([]byte(res.Body), &sr); jerr == nil && sr.SessionID != "" {
			c.Header("Location", fmt.Sprintf("/sessions/%s", sr.SessionID))
		}
		c.Data(status, "application/json", []byte(res.Body))
	})

	r.POST("/sessions/:id/end", func(c *gin.Context) {
		ownerID := c.GetHeader("X-User-Id")
		if ownerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_user_id"})
			return
		}

		sess, err := cfg.Sessions.End(c.Request.Context(), c.Param("id"), ownerID)
		switch {
		case errors.Is(err, sessions.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		case errors.Is(err, sessions.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_session_owner"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session_end_failed", "detail": err.Error()})
		default:
			c.JSON(http.StatusOK, sess)
		}
	})

	r.GET("/sessions/:id", func(c *gin.Context) {
		sess, err := cfg.Sessions.Get(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, sessions.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session_lookup_failed", "detail": err.Error()})
		default:
			c.JSON(http.StatusOK, sess)
		}
	})
}

// writeStartError maps guard and domain errors onto HTTP responses.
func writeStartError(c *gin.Context, err error) {
	var (
		paramConflict *idempotency.ParameterConflictError
		stillRunning  *idempotency.StillProcessingError
		timedOut      *idempotency.ProcessingTimeoutError
		failed        *idempotency.FailedError
		invalid       *idempotency.InvalidRequestError
		busy          *sessions.ConflictError
	)
	switch {
	case errors.As(err, &paramConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "parameter_conflict", "detail": paramConflict.Error()})
	case errors.As(err, &busy):
		c.JSON(http.StatusConflict, gin.H{"error": "active_session_exists", "session_id": busy.ExistingSessionID})
	case errors.As(err, &stillRunning):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "started_ago_ms": stillRunning.Age.Milliseconds()})
	case errors.As(err, &timedOut):
		c.Header("Retry-After", "2")
		c.JSON(http.StatusAccepted, gin.H{"message": "request still running, retry for the result"})
	case errors.As(err, &failed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "previous_attempt_failed", "detail": failed.Message})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": invalid.Reason})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_start_failed", "detail": err.Error()})
	}
}
