package config

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() { validate = validator.New() })
	return validate
}

// Validate checks struct tags, duration strings and the stats reset spec.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	durations := map[string]string{
		"telegram.poll_timeout":    cfg.Telegram.PollTimeout,
		"engine.tick_interval":     cfg.Engine.TickInterval,
		"panel.connect_timeout":    cfg.Panel.ConnectTimeout,
		"panel.read_timeout":       cfg.Panel.ReadTimeout,
		"panel.breaker.cooldown":   cfg.Panel.Breaker.Cooldown,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
		"notifier.retry_base":      cfg.Notifier.RetryBase,
		"notifier.retry_max_delay": cfg.Notifier.RetryMaxDelay,
		"notifier.dedup_window":    cfg.Notifier.DedupWindow,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if spec := strings.TrimSpace(cfg.Engine.StatsReset); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return errors.Wrapf(err, "engine.stats_reset: invalid spec %q", spec)
		}
	}
	if cfg.Engine.MinFrequency < 0 || cfg.Engine.ErrorThreshold < 0 || cfg.Engine.HistoryCap < 0 || cfg.Engine.MaxBulkLinks < 0 {
		return errors.New("engine: limits must be >= 0")
	}
	if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d != "" && strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.Newf("storage.path is required for driver %q", d)
	}
	return nil
}
