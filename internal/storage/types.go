package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"smmbot/internal/domain"
	"smmbot/pkg/logx"
)

// Snapshot is the full persisted state.
type Snapshot struct {
	Jobs     []*domain.Job
	Users    map[string]*domain.User
	Counters domain.Counters
}

// Store loads and saves whole snapshots.
//
// Load on an empty store returns an empty snapshot and no error.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// Open initializes the configured driver. An empty driver selects "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required")
	}
	log = log.With(logx.Component("storage"), logx.String("driver", driver))

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "badger":
		return openBadger(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}

func normalize(s Snapshot) Snapshot {
	if s.Jobs == nil {
		s.Jobs = []*domain.Job{}
	}
	if s.Users == nil {
		s.Users = map[string]*domain.User{}
	}
	return s
}
