// Package lifecycle creates jobs and moves them between active, paused and
// stopped. Every operation validates first and mutates nothing on failure.
package lifecycle

import (
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"smmbot/internal/domain"
	"smmbot/internal/eventbus"
	"smmbot/internal/metrics"
	"smmbot/internal/notifier"
	"smmbot/internal/repository"
	"smmbot/pkg/logx"
)

// Notifier is the best-effort channel used for owner and admin messages.
type Notifier interface {
	Send(userID, text string, controls []notifier.Control) bool
	Admin(text string) bool
}

type Config struct {
	// MinFrequency is the lower clamp for frequencies, in minutes.
	MinFrequency int
	// MaxLinks bounds the links of one creation request.
	MaxLinks int
}

func (c Config) withDefaults() Config {
	if c.MinFrequency <= 0 {
		c.MinFrequency = 5
	}
	if c.MaxLinks <= 0 {
		c.MaxLinks = 10
	}
	return c
}

type Service struct {
	repo    repository.Repository
	notify  Notifier
	sink    metrics.Sink
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	newID   func() string
	isAdmin func(userID string) bool

	validate *validator.Validate

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Service)

func WithSink(s metrics.Sink) Option { return func(svc *Service) { svc.sink = s } }
func WithBus(b eventbus.Bus) Option { return func(svc *Service) { svc.bus = b } }
func WithLogger(l logx.Logger) Option { return func(svc *Service) { svc.log = l } }
func WithClock(now func() time.Time) Option { return func(svc *Service) { svc.now = now } }
func WithIDs(next func() string) Option { return func(svc *Service) { svc.newID = next } }
func WithAdmin(fn func(userID string) bool) Option { return func(svc *Service) { svc.isAdmin = fn } }

func New(cfg Config, repo repository.Repository, n Notifier, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg.withDefaults(),
		repo:    repo,
		notify:  n,
		sink:    metrics.Noop{},
		bus:     eventbus.Nop{},
		log:     logx.Nop(),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
		isAdmin: func(userID string) bool { return userID == domain.AdminUserID },
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.Component("lifecycle"))
	s.validate = newValidator()
	return s
}

// Apply swaps the limits used by later calls.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// NewGroupID returns a fresh bulk group id.
func (s *Service) NewGroupID() string { return "bulk_" + s.newID() }

func (s *Service) clampFrequency(minutes int) int {
	if m := s.config().MinFrequency; minutes < m {
		return m
	}
	return minutes
}

func (s *Service) publish(typ string, j *domain.Job, by, reason string) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: eventbus.JobEvent{
		JobID: j.ID, UserID: j.UserID, By: by, Reason: reason, Quantity: j.Quantity,
	}})
}

func (s *Service) send(userID, text string, controls []notifier.Control) {
	if s.notify != nil {
		s.notify.Send(userID, text, controls)
	}
}

func (s *Service) admin(text string) {
	if s.notify != nil {
		s.notify.Admin(text)
	}
}
