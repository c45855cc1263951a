package storage

import (
	"context"
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"smmbot/internal/domain"
	"smmbot/pkg/logx"
)

// Each collection is one badgerhold record; Save upserts all three inside a
// single badger transaction.
type jobsRecord struct {
	Jobs []*domain.Job `json:"jobs"`
}

type usersRecord struct {
	Users map[string]*domain.User `json:"users"`
}

type countersRecord struct {
	Counters domain.Counters `json:"counters"`
}

type badgerStore struct {
	store *badgerhold.Store
	log   logx.Logger
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, errors.Wrap(err, "create badger dir")
	}
	opts := badgerhold.DefaultOptions
	opts.Dir = cfg.Path
	opts.ValueDir = cfg.Path
	opts.Logger = nil
	// JSON keeps panel results (map[string]any) round-trippable; gob would
	// need every nested concrete type registered.
	opts.Encoder = json.Marshal
	opts.Decoder = json.Unmarshal

	st, err := badgerhold.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &badgerStore{store: st, log: log}, nil
}

func (s *badgerStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	var jr jobsRecord
	if err := s.get(collJobs, &jr); err != nil {
		return Snapshot{}, err
	}
	snap.Jobs = jr.Jobs

	var ur usersRecord
	if err := s.get(collUsers, &ur); err != nil {
		return Snapshot{}, err
	}
	snap.Users = ur.Users

	var cr countersRecord
	if err := s.get(collCounters, &cr); err != nil {
		return Snapshot{}, err
	}
	snap.Counters = cr.Counters
	return normalize(snap), nil
}

func (s *badgerStore) get(key string, out any) error {
	err := s.store.Get(key, out)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil
	}
	return errors.Wrapf(err, "get %s", key)
}

func (s *badgerStore) Save(ctx context.Context, snap Snapshot) error {
	snap = normalize(snap)
	err := s.store.Badger().Update(func(tx *badger.Txn) error {
		if err := s.store.TxUpsert(tx, collJobs, &jobsRecord{Jobs: snap.Jobs}); err != nil {
			return errors.Wrap(err, "upsert jobs")
		}
		if err := s.store.TxUpsert(tx, collUsers, &usersRecord{Users: snap.Users}); err != nil {
			return errors.Wrap(err, "upsert users")
		}
		if err := s.store.TxUpsert(tx, collCounters, &countersRecord{Counters: snap.Counters}); err != nil {
			return errors.Wrap(err, "upsert counters")
		}
		return nil
	})
	return errors.Wrap(err, "badger save")
}

func (s *badgerStore) Close() error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.Close()
}
