package scheduler

import (
	"context"
	"time"

	"smmbot/internal/dispatch"
	"smmbot/internal/domain"
	"smmbot/internal/repository"
)

type Config struct {
	TickInterval time.Duration
	// A job is stopped once ErrorCount exceeds ErrorThreshold.
	ErrorThreshold int
	HistoryCap     int
	// StatsReset is the cron spec that zeroes last_24h_orders.
	StatsReset string
	Timezone   string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = 200
	}
	if c.StatsReset == "" {
		c.StatsReset = "@daily"
	}
	return c
}

// Placer places one order; dispatch.Dispatcher implements it.
type Placer interface {
	Place(ctx context.Context, job *domain.Job, apply func(st *repository.State, o dispatch.Outcome)) dispatch.Outcome
}

// TickReport summarizes one tick.
type TickReport struct {
	Due     int
	Fired   int
	Failed  int
	Stopped []string
}

const stoppedBySystem = "system"
