// Package ops serves the operator endpoints: Prometheus metrics, a health
// probe and, optionally, net/http/pprof.
package ops

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"smmbot/internal/runtime/supervisor"
	"smmbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9090"

const shutdownGrace = 2 * time.Second

// Config controls the listener. A non-loopback Addr requires Token.
type Config struct {
	Enabled bool
	Addr    string
	Pprof   bool
	Token   string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// HealthFunc reports nil when the process is healthy.
type HealthFunc func() error

type Service struct {
	log    logx.Logger
	gather prometheus.Gatherer
	health HealthFunc

	mu    sync.Mutex
	cfg   Config
	sup   *supervisor.Supervisor
	bound string
}

func New(cfg Config, g prometheus.Gatherer, health HealthFunc, log logx.Logger) *Service {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Service{cfg: cfg, gather: g, health: health, log: log.With(logx.Component("ops"))}
}

// Addr returns the bound address while the server runs.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Reconfigure brings the server in line with cfg, restarting it when any
// setting changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	changed, running := s.cfg != cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (changed || !cfg.Enabled) {
		s.Stop(ctx)
		running = false
	}
	if !running && cfg.Enabled {
		s.Start(ctx)
	}
}

// Start runs the server in the background. A listener that dies is
// restarted with backoff.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	cfg := s.cfg
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("ops.http", func(c context.Context) error {
		return s.serve(c, cfg)
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop shuts the server down and waits for it until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("ops server stop", logx.Err(err))
	}
	s.log.Info("ops server stopped")
}

func (s *Service) setBound(addr string) {
	s.mu.Lock()
	s.bound = addr
	s.mu.Unlock()
}

// serve blocks until ctx ends. A refused configuration returns nil so it is
// not retried until the config changes.
func (s *Service) serve(ctx context.Context, cfg Config) error {
	addr := cfg.addr()
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("ops server refused: non-loopback address needs a token", logx.String("addr", addr))
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	srv := &http.Server{
		Handler:           Handler(cfg, s.gather, s.health),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.setBound(ln.Addr().String())
	defer s.setBound("")
	s.log.Info("ops server listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("auth", cfg.Token != ""),
	)

	err = srv.Serve(ln)
	switch {
	case ctx.Err() != nil:
		return nil
	case err == nil, errors.Is(err, http.ErrServerClosed):
		return errors.New("ops server closed unexpectedly")
	default:
		return err
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
