package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"smmbot/internal/builder"
	"smmbot/internal/config"
	"smmbot/internal/lifecycle"
	"smmbot/internal/notifier"
	"smmbot/internal/observability/ops"
	"smmbot/internal/panel"
	"smmbot/internal/scheduler"
	"smmbot/internal/storage"
	"smmbot/pkg/logx"
)

const builderIdleTimeout = 30 * time.Minute

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Dir:     lc.File.Dir,
			Prefix:  lc.File.Prefix,
		},
		Admin: logx.AdminConfig{
			Enabled:    lc.Admin.Enabled,
			MinLevel:   lc.Admin.MinLevel,
			RatePerSec: lc.Admin.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./data"
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "file"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	ec := cfg.Engine
	tick, err := config.ParseDurationOrDefault("engine.tick_interval", ec.TickInterval, 15*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(ec.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, errors.Wrapf(err, "engine.timezone: invalid %q", tz)
		}
	}
	return scheduler.Config{
		TickInterval:   tick,
		ErrorThreshold: ec.ErrorThreshold,
		HistoryCap:     ec.HistoryCap,
		StatsReset:     strings.TrimSpace(ec.StatsReset),
		Timezone:       strings.TrimSpace(ec.Timezone),
	}, nil
}

func mapLifecycleConfig(cfg *config.Config) lifecycle.Config {
	return lifecycle.Config{MinFrequency: cfg.Engine.MinFrequency, MaxLinks: cfg.Engine.MaxBulkLinks}
}

func mapBuilderConfig(cfg *config.Config) builder.Config {
	return builder.Config{
		MaxItems:     cfg.Engine.MaxBulkLinks,
		MinFrequency: cfg.Engine.MinFrequency,
		IdleTimeout:  builderIdleTimeout,
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
	}, nil
}

// mapPanelOptions builds the client options. The breaker is nil when disabled.
func mapPanelOptions(cfg *config.Config) (panel.Options, error) {
	pc := cfg.Panel
	connect, err := config.ParseDurationOrDefault("panel.connect_timeout", pc.ConnectTimeout, 30*time.Second)
	if err != nil {
		return panel.Options{}, err
	}
	read, err := config.ParseDurationOrDefault("panel.read_timeout", pc.ReadTimeout, 60*time.Second)
	if err != nil {
		return panel.Options{}, err
	}
	opts := panel.Options{ConnectTimeout: connect, ReadTimeout: read, UserAgent: pc.UserAgent}
	if pc.Breaker.Enabled {
		cooldown, err := config.ParseDurationOrDefault("panel.breaker.cooldown", pc.Breaker.Cooldown, time.Minute)
		if err != nil {
			return panel.Options{}, err
		}
		threshold := pc.Breaker.Threshold
		if threshold <= 0 {
			threshold = 5
		}
		opts.Breaker = panel.NewBreaker(threshold, cooldown)
	}
	return opts, nil
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	oc := cfg.Ops
	addr := strings.TrimSpace(oc.Addr)
	if addr == "" {
		addr = ops.DefaultAddr
	}
	return ops.Config{
		Enabled:      oc.Enabled,
		Addr:         addr,
		Pprof:        oc.Pprof,
		Token:        strings.TrimSpace(oc.Token),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// validateReload rejects a config that would fail one of the live mappings.
func validateReload(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPanelOptions(cfg); err != nil {
		return err
	}
	_, err := mapStorageConfig(cfg)
	return err
}
