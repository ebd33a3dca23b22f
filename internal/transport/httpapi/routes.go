package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultPprofPrefix = "/debug/pprof"

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.requestIDMiddleware(), s.loggingMiddleware(), s.recoveryMiddleware())

	r.GET("/livez", s.Live)
	r.GET("/health", s.Health)
	r.GET("/stats", s.Stats)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.POST("/notifications", s.Deliver)

	admin := r.Group("/", s.authMiddleware())
	admin.POST("/v1/retry-queue/process", s.ProcessQueue)
	admin.GET("/status", s.Status)

	prefix := normalizePrefix(s.cfg.PprofPrefix)
	pp := r.Group(prefix, s.pprofGate(), s.authMiddleware())
	pp.GET("/", gin.WrapF(hpprof.Index))
	pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	pp.GET("/profile", gin.WrapF(hpprof.Profile))
	pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
	pp.POST("/symbol", gin.WrapF(hpprof.Symbol))
	pp.GET("/trace", gin.WrapF(hpprof.Trace))
	pp.GET("/:profile", func(c *gin.Context) {
		hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
	})

	r.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "not_found", "route not found")
	})
	return r
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return defaultPprofPrefix
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}
