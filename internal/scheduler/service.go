package scheduler

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"smmbot/internal/dispatch"
	"smmbot/internal/domain"
	"smmbot/internal/eventbus"
	"smmbot/internal/metrics"
	"smmbot/internal/repository"
	"smmbot/pkg/logx"
)

type Service struct {
	repo   repository.Repository
	placer Placer
	notify dispatch.Notifier
	sink   metrics.Sink
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	loc *time.Location

	// inflight holds ids of jobs whose order call is running. Written only
	// while the repository lock is held.
	fmu      sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Service)

func WithSink(s metrics.Sink) Option { return func(svc *Service) { svc.sink = s } }
func WithBus(b eventbus.Bus) Option { return func(svc *Service) { svc.bus = b } }
func WithLogger(l logx.Logger) Option { return func(svc *Service) { svc.log = l } }
func WithClock(now func() time.Time) Option { return func(svc *Service) { svc.now = now } }
func WithRand(r *rand.Rand) Option { return func(svc *Service) { svc.rng = r } }

func New(cfg Config, repo repository.Repository, placer Placer, n dispatch.Notifier, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		repo:     repo,
		placer:   placer,
		notify:   n,
		sink:     metrics.Noop{},
		bus:      eventbus.Nop{},
		log:      logx.Nop(),
		now:      time.Now,
		inflight: map[string]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s.log = s.log.With(logx.Component("scheduler"))
	return s
}

// Apply swaps the config. Interval, reset spec or timezone changes restart
// the cron runner.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if !running || (old.TickInterval == cfg.TickInterval && old.StatsReset == cfg.StatsReset && old.Timezone == cfg.Timezone) {
		return nil
	}
	s.Stop(ctx)
	return s.Start(ctx)
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		return time.Local
	}
	return s.loc
}

// Start registers the tick and stats-reset entries and starts cron.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	cfg := s.cfg
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return errors.Wrapf(err, "load timezone %q", tz)
		}
		loc = l
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc("@every "+cfg.TickInterval.String(), func() {
		s.Tick(ctx, s.now())
	}); err != nil {
		return errors.Wrap(err, "schedule tick")
	}
	if _, err := c.AddFunc(cfg.StatsReset, func() {
		s.ResetDailyStats(ctx)
	}); err != nil {
		return errors.Wrapf(err, "schedule stats reset %q", cfg.StatsReset)
	}
	s.c, s.loc = c, loc
	c.Start()
	s.log.Info("scheduler started", logx.Duration("tick", cfg.TickInterval), logx.String("tz", loc.String()))
	return nil
}

// Stop halts cron and waits for a running tick until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; a tick is still running")
	}
}

// ResetDailyStats zeroes the rolling 24h order counter.
func (s *Service) ResetDailyStats(ctx context.Context) {
	_ = s.repo.MutateUnderLock(func(st *repository.State) error {
		st.Counters.Last24hOrders = 0
		return nil
	})
	_ = s.repo.Save(ctx)
	s.log.Info("daily order counter reset")
}

func (s *Service) nextQuantity(q int, g domain.Growth) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return domain.NextQuantity(q, g, s.rng)
}

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
