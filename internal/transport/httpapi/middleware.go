package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	logx "notifyd/pkg/logx"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
)

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		fields := []logx.Field{
			logx.String("request_id", c.GetString(ctxRequestID)),
			logx.String("method", c.Request.Method),
			logx.String("path", path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("duration", time.Since(start)),
			logx.String("client_ip", c.ClientIP()),
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			s.log.Warn("http request", fields...)
		case path == "/livez" || path == "/metrics":
			s.log.Debug("http request", fields...)
		default:
			s.log.Info("http request", fields...)
		}
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, err any) {
		s.log.Error("http handler panicked",
			logx.String("request_id", c.GetString(ctxRequestID)),
			logx.String("path", c.Request.URL.Path),
			logx.Any("panic", err),
			logx.Stack(logx.StackTrace(4, 24)),
		)
		respondError(c, http.StatusInternalServerError, "internal_error", "internal server error")
	})
}

// authMiddleware accepts "Authorization: Bearer <token>" or ?token=.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := strings.TrimSpace(s.config().Token)
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got, _ = strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
			got = strings.TrimSpace(got)
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			respondError(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		c.Next()
	}
}

func (s *Server) pprofGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.config().Pprof {
			respondError(c, http.StatusNotFound, "not_found", "route not found")
			return
		}
		c.Next()
	}
}
