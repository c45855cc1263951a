package config

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"smmbot/pkg/logx"
)

const (
	settleDelay     = 250 * time.Millisecond
	rewatchMin      = 250 * time.Millisecond
	rewatchMax      = 5 * time.Second
	validateTimeout = 5 * time.Second
)

var errWatcherClosed = errors.New("watcher channels closed")

// Watch reloads the config whenever its file changes, until ctx ends. Bursts
// of events are coalesced. Editors that replace the file are handled by
// watching the parent directory. A broken watcher is rebuilt with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	delay := rewatchMin
	for {
		err := m.watchOnce(ctx, func() { delay = rewatchMin })
		if ctx.Err() != nil {
			return nil
		}
		wait := delay + rand.N(delay/2+1)
		delay = min(delay*2, rewatchMax)
		m.log.Warn("config watcher restarting", logx.Duration("in", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (m *Manager) watchOnce(ctx context.Context, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "new watcher")
	}
	defer w.Close()

	dir, name := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	healthy()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-settle.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Base(ev.Name) == name && ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				settle.Reset(settleDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				settle.Reset(settleDelay)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}

// reload commits and publishes the file's config if it parses, validates and
// differs from the current one.
func (m *Manager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err == nil {
		err = Validate(cfg)
	}
	if err == nil && m.vet != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.vet(vctx, cfg)
		cancel()
	}
	if err != nil {
		log.Warn("config reload rejected", logx.Err(err))
		return
	}
	if m.sameAsCurrent(cfg) {
		log.Debug("config unchanged")
		return
	}
	m.commit(cfg)
	m.publish(cfg)
	log.Info("config reloaded")
}
