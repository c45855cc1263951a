package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("15s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Engine   EngineConfig   `json:"engine"`
	Panel    PanelConfig    `json:"panel"`
	Storage  StorageConfig  `json:"storage"`
	Notifier NotifierConfig `json:"notifier"`
	Logging  LoggingConfig  `json:"logging"`
	Ops      OpsConfig      `json:"ops"`
}

type TelegramConfig struct {
	Token string `json:"token" validate:"required"`
	// AdminUserID is the Telegram user id of the operator. It receives admin
	// notifications and may stop any job.
	AdminUserID int64  `json:"admin_user_id" validate:"gt=0"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// EngineConfig tunes the scheduler and lifecycle limits.
type EngineConfig struct {
	TickInterval   string `json:"tick_interval,omitempty"`   // default 15s
	ErrorThreshold int    `json:"error_threshold,omitempty"` // default 5
	HistoryCap     int    `json:"history_cap,omitempty"`     // default 200
	MinFrequency   int    `json:"min_frequency,omitempty"`   // minutes, default 5
	MaxBulkLinks   int    `json:"max_bulk_links,omitempty"`  // default 10
	StatsReset     string `json:"stats_reset,omitempty"`     // cron spec, default "@daily"
	Timezone       string `json:"timezone,omitempty"`
}

type PanelConfig struct {
	ConnectTimeout string        `json:"connect_timeout,omitempty"` // default 30s
	ReadTimeout    string        `json:"read_timeout,omitempty"`    // default 60s
	UserAgent      string        `json:"user_agent,omitempty"`
	Breaker        BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	Enabled   bool   `json:"enabled"`
	Threshold int    `json:"threshold,omitempty" validate:"omitempty,gte=1"`
	Cooldown  string `json:"cooldown,omitempty"`
}

// StorageConfig selects the durable store driver.
//
//	"storage": { "driver": "file", "path": "./data" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=file sqlite sqlite3 badger"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type NotifierConfig struct {
	Workers       int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize     int    `json:"queue_size,omitempty" validate:"gte=0"`
	RatePerSec    int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	RetryMax      int    `json:"retry_max,omitempty" validate:"gte=0"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Admin   LoggingAdmin `json:"admin"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"`
	Prefix  string `json:"prefix,omitempty"`
}

type LoggingAdmin struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// OpsConfig controls the optional metrics/pprof listener. Prefer a loopback
// address.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:9090
	Pprof   bool   `json:"pprof"`
	Token   string `json:"token,omitempty"`
}
