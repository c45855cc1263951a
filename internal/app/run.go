package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"smmbot/internal/config"
	"smmbot/internal/eventbus"
	"smmbot/internal/runtime/supervisor"
	"smmbot/pkg/logx"
)

var (
	errNotStarted = errors.New("not started")
	errStopping   = errors.New("stopping")
)

// Done is closed once the app is stopping, whether by Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup != nil {
		return a.sup.Context().Done()
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Err is the fatal error that stopped the app, if any.
func (a *App) Err() error {
	if a.sup != nil {
		return a.sup.Err()
	}
	return nil
}

func (a *App) health() error {
	switch {
	case a.sup == nil:
		return errNotStarted
	case a.sup.Err() != nil:
		return a.sup.Err()
	case a.sup.Context().Err() != nil:
		return errStopping
	}
	return nil
}

// Start brings every component up under one supervisor. Any of its
// goroutines failing cancels the rest.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateReload(cfg) })

	a.bot.Register(run, a.router)
	if err := a.adapter.Start(run, a.updates); err != nil {
		return errors.Wrap(err, "telegram")
	}
	a.notif.Start(run)
	if err := a.sched.Start(run); err != nil {
		return errors.Wrap(err, "scheduler")
	}
	if a.cfgm.Get().Ops.Enabled {
		a.ops.Start(run)
	}

	events, unsubscribe := a.bus.Subscribe(128)
	reloads := a.cfgm.Subscribe(8)

	a.sup.Go("bot.dispatch", func(c context.Context) error { return a.router.DispatchLoop(c, a.updates) })
	a.sup.Go0("eventbus.audit", func(c context.Context) {
		defer unsubscribe()
		a.auditLoop(c, events)
	})
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(reloads)
		a.reloadLoop(c, reloads)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.notif.Admin("🤖 SMM bot started")
	a.log.Info("app started", logx.Int("jobs", len(a.repo.List())))
	return nil
}

// reloadLoop applies configs published by the watcher. A burst of reloads
// is applied once, using the newest.
func (a *App) reloadLoop(ctx context.Context, reloads <-chan *config.Config) {
	current := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-reloads:
			if !ok {
				return
			}
			next = cfg
		}
		for pending := true; pending; {
			select {
			case cfg := <-reloads:
				if cfg != nil {
					next = cfg
				}
			default:
				pending = false
			}
		}
		a.applyConfig(ctx, current, next)
		current = next
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed := config.ChangedSections(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded without changes")
		return
	}
	for _, section := range changed {
		if slices.Contains(restartSections, section) {
			a.log.Warn("config change needs a restart", logx.String("section", section))
		}
	}

	a.logs.Apply(mapLogConfig(next))
	a.jobs.Apply(mapLifecycleConfig(next))
	if nc, err := mapNotifierConfig(next); err == nil {
		a.notif.Apply(nc)
	} else {
		a.log.Warn("notifier config kept", logx.Err(err))
	}
	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("engine config kept", logx.Err(err))
	} else if err := a.sched.Apply(ctx, sc); err != nil {
		a.log.Error("scheduler restart failed", logx.Err(err))
	}
	a.ops.Reconfigure(ctx, mapOpsConfig(next))

	a.log.Info("config applied", logx.String("changed", strings.Join(changed, ",")))
}

// shutdownStep is one bounded stage of Stop.
type shutdownStep struct {
	name  string
	limit time.Duration
	run   func(context.Context) error
}

// Stop shuts components down in dependency order. A stage that overruns its
// limit is abandoned and the next one starts.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.store.Close()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	steps := []shutdownStep{
		{"scheduler", 5 * time.Second, func(c context.Context) error { a.sched.Stop(c); return nil }},
		{"ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil }},
		{"notifier", 3 * time.Second, func(c context.Context) error { a.notif.Stop(c); return nil }},
		{"telegram", 2 * time.Second, a.adapter.Stop},
		{"state.save", 3 * time.Second, a.repo.Save},
		{"storage", time.Second, func(context.Context) error { return a.store.Close() }},
		{"supervisor", 2 * time.Second, a.sup.Wait},
	}
	for _, st := range steps {
		a.runStep(ctx, st)
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) runStep(ctx context.Context, st shutdownStep) {
	log := a.log.With(logx.String("step", st.name))
	sctx, cancel := context.WithTimeout(ctx, st.limit)
	defer cancel()

	began := time.Now()
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- errors.Newf("panic: %v", r)
			}
		}()
		result <- st.run(sctx)
	}()

	select {
	case err := <-result:
		if err != nil {
			log.Warn("shutdown step failed", logx.Err(err))
		}
		log.Debug("shutdown step done", logx.Duration("took", time.Since(began)))
	case <-sctx.Done():
		log.Warn("shutdown step overran, moving on", logx.Duration("limit", st.limit))
		go func() {
			if err := <-result; err != nil {
				log.Warn("late shutdown step failed", logx.Err(err))
			}
		}()
	}
}

// auditLoop logs job transitions at info and order attempts at debug.
func (a *App) auditLoop(ctx context.Context, events <-chan eventbus.Event) {
	log := a.log.With(logx.Component("audit"))
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			je, isJob := e.Data.(eventbus.JobEvent)
			if !isJob {
				log.Debug("event", logx.String("type", e.Type))
				continue
			}
			entry := log.With(logx.String("type", e.Type), logx.JobID(je.JobID), logx.UserID(je.UserID))
			if e.Type == eventbus.JobFired {
				entry.Debug("job fired", logx.Int("quantity", je.Quantity), logx.Bool("success", je.Success))
				continue
			}
			var extra []logx.Field
			if je.By != "" {
				extra = append(extra, logx.String("by", je.By))
			}
			if je.Reason != "" {
				extra = append(extra, logx.String("reason", je.Reason))
			}
			entry.Info("job event", extra...)
		}
	}
}
