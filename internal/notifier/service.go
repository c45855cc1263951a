package notifier

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"smmbot/internal/metrics"
	"smmbot/internal/runtime/supervisor"
	kit "smmbot/internal/transport"
	"smmbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoChat    = errors.New("recipient has no linked chat")
)

const historyCap = 300

// Service is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender kit.Sender
	sink   metrics.Sink
	seen   *dedupSet

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	dir       Directory
	adminChat int64

	// run is non-nil between Start and Stop.
	run *pipeline

	histMu  sync.Mutex
	history []HistoryItem
}

// pipeline is one Start..Stop generation of the queue and its workers.
type pipeline struct {
	queue    chan kit.Notification
	sup      *supervisor.Supervisor
	inflight sync.WaitGroup
}

func New(cfg Config, sender kit.Sender, sink metrics.Sink, log logx.Logger) *Service {
	if sink == nil {
		sink = metrics.Noop{}
	}
	s := &Service{
		log:    log.With(logx.Component("notifier")),
		sender: sender,
		sink:   sink,
		seen:   newDedupSet(),
	}
	s.Apply(cfg)
	return s
}

// SetDirectory wires user id resolution. adminChat receives admin messages.
func (s *Service) SetDirectory(d Directory, adminChat int64) {
	s.mu.Lock()
	s.dir, s.adminChat = d, adminChat
	s.mu.Unlock()
}

// Apply swaps the tuning knobs. Workers and QueueSize take effect on the next
// Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the rate so short spikes pass without waiting.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Start launches the workers. Calling it again before Stop is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return
	}
	p := &pipeline{
		queue: make(chan kit.Notification, s.cfg.QueueSize),
		sup:   supervisor.New(ctx, supervisor.WithLogger(s.log)),
	}
	for i := range s.cfg.Workers {
		p.sup.GoRestart("notifier.worker."+strconv.Itoa(i), func(c context.Context) error {
			s.work(c, p.queue)
			return nil
		})
	}
	s.run = p
}

// Stop refuses new messages, then lets the workers drain the queue until ctx
// expires. Whatever is left after that is discarded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.run
	s.run = nil
	s.mu.Unlock()
	if p == nil {
		return
	}

	p.inflight.Wait()
	close(p.queue)
	if err := p.sup.Wait(ctx); err != nil {
		s.log.Warn("notifier stop cut short", logx.Int("discarded", len(p.queue)), logx.Err(err))
		_ = p.sup.Stop(context.Background())
	}
}

// Notify enqueues n. A suppressed duplicate returns nil.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	p, cfg := s.run, s.cfg
	if p != nil {
		p.inflight.Add(1)
	}
	s.mu.Unlock()
	if p == nil {
		return ErrStopped
	}
	defer p.inflight.Done()

	if cfg.DedupWindow > 0 && !s.seen.admit(dedupKey(n), cfg.DedupWindow, cfg.DedupMaxEntries) {
		s.sink.NotificationDelivered(metrics.NotifyDeduped)
		return nil
	}
	select {
	case p.queue <- n:
		return nil
	default:
		s.sink.NotificationDelivered(metrics.NotifyDropped)
		return ErrQueueFull
	}
}

// Snapshot returns the most recently delivered messages, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) remember(chatID int64, text string) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if len(s.history) == historyCap {
		s.history = append(s.history[:0], s.history[1:]...)
	}
	s.history = append(s.history, HistoryItem{At: time.Now(), ChatID: chatID, Text: text})
}
