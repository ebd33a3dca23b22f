package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"notifyd/internal/delivery"
	logx "notifyd/pkg/logx"
)

// maxProcessLimit bounds ?limit= on the manual retry-queue trigger.
const maxProcessLimit = 1000

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: code, Message: msg, RequestID: c.GetString(ctxRequestID)})
}

// deliverRequest is a Payload with optional per-call overrides.
type deliverRequest struct {
	delivery.Payload
	Options delivery.Options `json:"options"`
}

// Deliver handles POST /v1/notifications.
//
// 201 delivered, 202 queued, 422 invalid payload, 503 neither delivered
// nor queued.
func (s *Server) Deliver(c *gin.Context) {
	var req deliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}

	res, err := s.pipe.Deliver(c.Request.Context(), req.Payload, req.Options)
	switch {
	case err == nil && res.Delivered:
		c.JSON(http.StatusCreated, res)
	case err == nil:
		c.JSON(http.StatusAccepted, res)
	case errors.Is(err, delivery.ErrInvalidPayload):
		c.JSON(http.StatusUnprocessableEntity, res)
	default:
		s.log.Warn("delivery request failed",
			logx.String("request_id", c.GetString(ctxRequestID)),
			logx.String("user_id", req.UserID),
			logx.Err(err),
		)
		c.JSON(http.StatusServiceUnavailable, res)
	}
}

// ProcessQueue handles POST /v1/retry-queue/process?limit=N.
func (s *Server) ProcessQueue(c *gin.Context) {
	opts := delivery.ProcessOptions{Source: c.Query("source")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxProcessLimit {
			respondError(c, http.StatusBadRequest, "invalid_limit", "limit must be an integer in [1, 1000]")
			return
		}
		opts.Limit = n
	}

	res, err := s.pipe.ProcessDue(c.Request.Context(), opts)
	if err != nil {
		s.log.Error("manual retry queue run failed", logx.String("request_id", c.GetString(ctxRequestID)), logx.Err(err))
		respondError(c, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) Stats(c *gin.Context) {
	st, err := s.pipe.Stats(c.Request.Context())
	if err != nil {
		s.log.Warn("stats query failed", logx.Err(err))
		respondError(c, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, st)
}

// Health returns 200 for both healthy and degraded; the status field
// carries the verdict. Only a failed stats read is 503.
func (s *Server) Health(c *gin.Context) {
	h, err := s.pipe.Health(c.Request.Context())
	if err != nil {
		s.log.Warn("health query failed", logx.Err(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unknown", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Status(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.status())
}
