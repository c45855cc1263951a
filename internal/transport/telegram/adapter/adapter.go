// Package adapter implements transport.Adapter on top of telebot long polling.
package adapter

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"smmbot/internal/runtime/supervisor"
	kit "smmbot/internal/transport"
	"smmbot/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe handshake. Used by tests.
	Offline bool
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu    sync.Mutex
	inbox chan<- kit.Update
	sup   *supervisor.Supervisor

	dropped atomic.Uint64

	menuMu sync.Mutex
	menu   []tele.Command
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: poll},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	a := &Adapter{log: log.With(logx.Component("telegram")), bot: b}
	b.Handle(tele.OnText, a.onText)
	b.Handle(tele.OnCallback, a.onCallback)
	return a, nil
}

// Start begins long polling. Updates are offered to out without blocking;
// when out is full they are counted and dropped.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.inbox = out
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.sup.Go0("telegram.drops", func(c context.Context) {
		t := time.NewTicker(dropReportEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				a.reportDrops(cap(out))
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			}
		}
	})
	a.sup.Go0("telegram.halt", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start only returns after bot.Stop, so an early return is a failure.
	a.sup.GoRestart("telegram.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		if c.Err() != nil {
			a.log.Info("polling stopped")
			return nil
		}
		return errors.New("poller returned while running")
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop halts polling. A poll parked in getUpdates is abandoned after a short
// grace period.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup, a.inbox = nil, nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	err := sup.Stop(wctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	default:
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

// Dropped is the number of updates discarded since the last report.
func (a *Adapter) Dropped() uint64 { return a.dropped.Load() }

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("updates dropped, inbox full", logx.Int64("count", int64(n)), logx.Int("inbox_cap", capacity))
	}
}

var (
	_ kit.Adapter            = (*Adapter)(nil)
	_ kit.CommandMenuUpdater = (*Adapter)(nil)
)
