package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const sampleYAML = `
telegram:
  token: "123:abc"
  admin_user_id: 42
engine:
  tick_interval: 15s
  stats_reset: "@daily"
storage:
  driver: file
  path: ./data
logging:
  level: info
  console: true
`

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, int64(42), cfg.Telegram.AdminUserID)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", `{"telegram":{"token":"x","admin_user_id":1},"plugins":{}}`))
	_, err := m.Parse()
	require.Error(t, err)
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", `{"telegram":{"token":"x","admin_user_id":1}} {}`))
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestTokenFromEnv(t *testing.T) {
	t.Setenv(TokenEnv, "from-env")
	m := NewManager(writeConfig(t, "config.json", `{"telegram":{"admin_user_id":7}}`))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t", AdminUserID: 1}}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "minimal", mutate: func(c *Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = "" }, wantErr: true},
		{name: "missing admin", mutate: func(c *Config) { c.Telegram.AdminUserID = 0 }, wantErr: true},
		{name: "bad duration", mutate: func(c *Config) { c.Engine.TickInterval = "soon" }, wantErr: true},
		{name: "bad cron", mutate: func(c *Config) { c.Engine.StatsReset = "every day" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage = StorageConfig{Driver: "redis", Path: "x"} }, wantErr: true},
		{name: "driver without path", mutate: func(c *Config) { c.Storage = StorageConfig{Driver: "sqlite"} }, wantErr: true},
		{name: "badger", mutate: func(c *Config) { c.Storage = StorageConfig{Driver: "badger", Path: "./db"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, d)

	d, err = ParseDurationOrDefault("x", "2m", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = ParseDurationOrDefault("x", "-1s", time.Second)
	assert.Error(t, err)
}

func TestChangedSections(t *testing.T) {
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Ops: OpsConfig{Enabled: true}}
	assert.Equal(t, []string{"logging", "ops"}, ChangedSections(a, b))
	assert.Empty(t, ChangedSections(a, a))
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.yaml")
	sub := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-sub)

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
	m.publish(first)
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := sampleYAML + "ops:\n  enabled: true\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-sub:
		assert.True(t, cfg.Ops.Enabled)
		assert.Same(t, cfg, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
}
