package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"notifyd/internal/delivery"
	logx "notifyd/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

// Config controls the HTTP server. Token guards the admin routes
// (retry-queue trigger, status, pprof); empty leaves them open.
type Config struct {
	Addr            string
	Token           string
	Pprof           bool
	PprofPrefix     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Pipeline is the part of delivery.Service the handlers use.
type Pipeline interface {
	Deliver(ctx context.Context, p delivery.Payload, opts delivery.Options) (delivery.DeliverResult, error)
	ProcessDue(ctx context.Context, opts delivery.ProcessOptions) (delivery.ProcessResult, error)
	Stats(ctx context.Context) (delivery.Stats, error)
	Health(ctx context.Context) (delivery.Health, error)
}

// StatusFunc reports process internals for GET /status.
type StatusFunc func() any

type Server struct {
	mu  sync.RWMutex
	cfg Config

	log      logx.Logger
	pipe     Pipeline
	gatherer prometheus.Gatherer
	status   StatusFunc
	engine   *gin.Engine

	addrMu sync.Mutex
	addr   net.Addr
	ready  chan struct{}
}

type Option func(*Server)

func WithLogger(log logx.Logger) Option { return func(s *Server) { s.log = log } }

// WithGatherer serves g on /metrics. Without it /metrics uses the default
// prometheus registry.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

func WithStatus(fn StatusFunc) Option { return func(s *Server) { s.status = fn } }

func New(cfg Config, pipe Pipeline, opts ...Option) *Server {
	s := &Server{cfg: cfg, pipe: pipe, gatherer: prometheus.DefaultGatherer, ready: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.engine = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Apply swaps the token and pprof settings live. Listener settings take
// effect on the next Run.
func (s *Server) Apply(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if listenerChanged(prev, cfg) {
		s.log.Warn("http listener settings changed; restart to apply", logx.String("addr", cfg.Addr))
	}
}

func listenerChanged(a, b Config) bool {
	return strings.TrimSpace(a.Addr) != strings.TrimSpace(b.Addr) ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

// Addr blocks until Run is listening and returns the bound address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr, nil
}

// Run listens and serves until ctx is cancelled, then shuts down
// gracefully within ShutdownTimeout. It returns nil after a requested
// shutdown.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.config()
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http admin routes open on non-loopback addr", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.addrMu.Lock()
	s.addr = ln.Addr()
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	s.addrMu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return errors.New("http server exited unexpectedly")
		}
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("http server stopped")
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
