package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"smmbot/pkg/logx"
)

// TokenEnv overrides telegram.token when set, so the secret can stay out of
// the config file.
const TokenEnv = "SMMBOT_TELEGRAM_TOKEN"

// Validator vets a parsed config before a reload commits it.
type Validator func(ctx context.Context, cfg *Config) error

// Manager owns the current config and fans reloads out to subscribers.
type Manager struct {
	path string
	log  logx.Logger
	vet  Validator

	mu   sync.RWMutex
	cfg  *Config
	snap []byte

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan *Config
}

func NewManager(path string) *Manager { return &Manager{path: path, log: logx.Nop()} }

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

func (m *Manager) SetValidator(v Validator) { m.vet = v }

// Parse reads and strictly decodes the file: unknown keys and trailing data
// are errors. TokenEnv is applied on top.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	doc, err := toJSON(m.path, raw)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(doc)
	if err != nil {
		return nil, err
	}
	if tok := strings.TrimSpace(os.Getenv(TokenEnv)); tok != "" {
		cfg.Telegram.Token = tok
	}
	return cfg, nil
}

func decodeStrict(doc []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == io.EOF:
		return &cfg, nil
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	default:
		return nil, errors.Wrap(err, "decode config")
	}
}

// Load parses, validates and commits.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	snap, _ := json.Marshal(cfg)
	m.mu.Lock()
	m.cfg, m.snap = cfg, snap
	m.mu.Unlock()
}

func (m *Manager) sameAsCurrent(cfg *Config) bool {
	snap, err := json.Marshal(cfg)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap != nil && bytes.Equal(snap, m.snap)
}

// Subscribe returns a channel that receives every committed reload.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(1, buffer))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe detaches and closes ch.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	before := len(m.subs)
	m.subs = slices.DeleteFunc(m.subs, func(s chan *Config) bool { return s == ch })
	if len(m.subs) < before {
		close(ch)
	}
}

// publish never blocks. A full subscriber has its oldest pending config
// replaced, since only the newest one matters.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for range 2 {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
