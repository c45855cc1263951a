package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"

	"smmbot/internal/domain"
	"smmbot/pkg/logx"
)

// fileStore keeps one JSON document per collection under dir:
//
//	<dir>/jobs.json      ordered list
//	<dir>/users.json     map keyed by user id
//	<dir>/counters.json  map of counters
//
// Each document is written to <dir>/tmp/<name>.json.tmp, validated by
// re-reading it, then swapped in with delete+rename. Collections are
// replaced independently; a failed collection does not roll back the others.
type fileStore struct {
	dir    string
	tmpDir string
	log    logx.Logger

	mu sync.Mutex
}

const (
	collJobs     = "jobs"
	collUsers    = "users"
	collCounters = "counters"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := filepath.Clean(cfg.Path)
	tmpDir := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}
	return &fileStore{dir: dir, tmpDir: tmpDir, log: log}, nil
}

func (s *fileStore) finalPath(name string) string { return filepath.Join(s.dir, name+".json") }
func (s *fileStore) tmpPath(name string) string   { return filepath.Join(s.tmpDir, name+".json.tmp") }

func (s *fileStore) Load(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	if err := s.read(collJobs, &snap.Jobs); err != nil {
		return Snapshot{}, err
	}
	if err := s.read(collUsers, &snap.Users); err != nil {
		return Snapshot{}, err
	}
	if err := s.read(collCounters, &snap.Counters); err != nil {
		return Snapshot{}, err
	}
	return normalize(snap), nil
}

// read decodes one collection. A crash between delete and rename leaves only
// the validated temp file, so that is used when the permanent file is gone.
func (s *fileStore) read(name string, out any) error {
	path := s.finalPath(name)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		path = s.tmpPath(name)
		b, err = os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err == nil {
			s.log.Warn("recovering collection from temp file", logx.String("collection", name))
		}
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", name)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.Wrapf(err, "decode %s (%s)", name, path)
	}
	return nil
}

func (s *fileStore) Save(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap = normalize(snap)
	colls := []struct {
		name  string
		value any
		probe func() any
	}{
		{collJobs, snap.Jobs, func() any { return &[]*domain.Job{} }},
		{collUsers, snap.Users, func() any { return &map[string]*domain.User{} }},
		{collCounters, snap.Counters, func() any { return &domain.Counters{} }},
	}

	var errs error
	for _, c := range colls {
		if err := ctx.Err(); err != nil {
			return errors.CombineErrors(errs, err)
		}
		if err := s.replace(c.name, c.value, c.probe()); err != nil {
			s.log.Warn("collection not persisted", logx.String("collection", c.name), logx.Err(err))
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

func (s *fileStore) replace(name string, value, probe any) error {
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", name)
	}

	tmp := s.tmpPath(name)
	if err := writeSync(tmp, b); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}

	// Validate what actually landed on disk.
	rb, err := os.ReadFile(tmp)
	if err != nil {
		return errors.Wrapf(err, "re-read %s", tmp)
	}
	if err := json.Unmarshal(rb, probe); err != nil {
		return errors.Wrapf(err, "validate %s", tmp)
	}

	final := s.finalPath(name)
	if err := os.Remove(final); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "remove %s", final)
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}

func writeSync(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *fileStore) Close() error { return nil }
