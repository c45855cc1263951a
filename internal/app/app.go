package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"smmbot/internal/account"
	"smmbot/internal/bot"
	"smmbot/internal/builder"
	"smmbot/internal/config"
	"smmbot/internal/dispatch"
	"smmbot/internal/eventbus"
	"smmbot/internal/lifecycle"
	"smmbot/internal/metrics"
	"smmbot/internal/notifier"
	"smmbot/internal/observability/ops"
	"smmbot/internal/panel"
	"smmbot/internal/repository"
	"smmbot/internal/runtime/supervisor"
	"smmbot/internal/scheduler"
	"smmbot/internal/storage"
	kit "smmbot/internal/transport"
	telegram "smmbot/internal/transport/telegram/adapter"
	"smmbot/pkg/logx"
	"smmbot/pkg/tgui"
)

// restartSections cannot be applied to a running process.
var restartSections = []string{"telegram", "storage", "panel"}

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	repo  *repository.Locked

	adapter *telegram.Adapter
	reg     *prometheus.Registry

	notif    *notifier.Service
	accounts *account.Service
	jobs     *lifecycle.Service
	sched    *scheduler.Service
	builder  *builder.Builder
	bot      *bot.Bot
	router   *bot.Router
	ops      *ops.Service

	updates chan kit.Update
}

type Option func(*options)

type options struct {
	offline bool
}

// WithOffline skips the Telegram handshake. The app can be built and
// inspected but Start will not reach Telegram.
func WithOffline() Option { return func(o *options) { o.offline = true } }

func NewApp(cfgPath string, opts ...Option) (a *App, err error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		Offline:     o.offline,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Admin forwarding starts disabled: the sender is wired after the
	// notifier exists, then the full config is applied.
	bootCfg := mapLogConfig(cfg)
	bootCfg.Admin.Enabled = false
	logs, log := logx.New(bootCfg)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	repo, err := repository.Open(context.Background(), store, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewPrometheusSink(reg, log)
	bus := eventbus.New()

	popts, err := mapPanelOptions(cfg)
	if err != nil {
		return nil, err
	}
	popts.Observer = sink
	popts.Logger = log
	pc := panel.NewHTTPClient(popts)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, sink, log)

	adminChat := cfg.Telegram.AdminUserID
	accOpts := []account.Option{account.WithLogger(log)}
	if cfg.Engine.MinFrequency > 0 {
		accOpts = append(accOpts, account.WithMinFrequency(cfg.Engine.MinFrequency))
	}
	accounts := account.New(repo, adminChat, accOpts...)
	notif.SetDirectory(accounts, adminChat)
	logs.SetAdminSender(notif)
	logs.Apply(mapLogConfig(cfg))

	jobs := lifecycle.New(mapLifecycleConfig(cfg), repo, notif,
		lifecycle.WithSink(sink),
		lifecycle.WithBus(bus),
		lifecycle.WithLogger(log),
		lifecycle.WithAdmin(accounts.IsAdmin),
	)

	checks := tgui.NewTokenStore()
	disp := dispatch.New(pc, repo, notif,
		dispatch.WithSink(sink),
		dispatch.WithTokens(checks),
		dispatch.WithLogger(log),
	)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, repo, disp, notif,
		scheduler.WithSink(sink),
		scheduler.WithBus(bus),
		scheduler.WithLogger(log),
	)

	bld := builder.New(mapBuilderConfig(cfg), pc, jobs, builder.WithLogger(log))
	b := bot.New(bot.Deps{
		Accounts:  accounts,
		Lifecycle: jobs,
		Builder:   bld,
		Repo:      repo,
		Panel:     pc,
		Checks:    checks,
		Sender:    ad,
		Log:       log,
	})
	r := bot.NewRouter(log, ad, b.IsAdminChat)

	a = &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log.With(logx.Component("app")),
		logs:     logs,
		bus:      bus,
		store:    store,
		repo:     repo,
		adapter:  ad,
		reg:      reg,
		notif:    notif,
		accounts: accounts,
		jobs:     jobs,
		sched:    sched,
		builder:  bld,
		bot:      b,
		router:   r,
		updates:  make(chan kit.Update, 256),
	}
	a.ops = ops.New(mapOpsConfig(cfg), reg, a.health, log)
	return a, nil
}

// Registry exposes the metrics registry.
func (a *App) Registry() *prometheus.Registry { return a.reg }
