package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"smmbot/internal/domain"
	"smmbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// sqliteStore writes all collections in one transaction, so a save is
// all-or-nothing across jobs, users and counters.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create sqlite dir")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One writer keeps SQLite out of SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate sqlite")
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Load(ctx context.Context) (Snapshot, error) {
	snap := normalize(Snapshot{})

	rows, err := s.db.QueryContext(ctx, `SELECT body FROM jobs ORDER BY seq`)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "query jobs")
	}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			_ = rows.Close()
			return Snapshot{}, errors.Wrap(err, "scan job")
		}
		var j domain.Job
		if err := json.Unmarshal([]byte(body), &j); err != nil {
			_ = rows.Close()
			return Snapshot{}, errors.Wrap(err, "decode job")
		}
		snap.Jobs = append(snap.Jobs, &j)
	}
	if err := closeRows(rows); err != nil {
		return Snapshot{}, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, body FROM users`)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "query users")
	}
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			_ = rows.Close()
			return Snapshot{}, errors.Wrap(err, "scan user")
		}
		var u domain.User
		if err := json.Unmarshal([]byte(body), &u); err != nil {
			_ = rows.Close()
			return Snapshot{}, errors.Wrapf(err, "decode user %s", id)
		}
		snap.Users[id] = &u
	}
	if err := closeRows(rows); err != nil {
		return Snapshot{}, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT name, value FROM counters`)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "query counters")
	}
	m := map[string]float64{}
	for rows.Next() {
		var name string
		var v float64
		if err := rows.Scan(&name, &v); err != nil {
			_ = rows.Close()
			return Snapshot{}, errors.Wrap(err, "scan counter")
		}
		m[name] = v
	}
	if err := closeRows(rows); err != nil {
		return Snapshot{}, err
	}
	snap.Counters = countersFromMap(m)
	return snap, nil
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return errors.Wrap(err, "iterate rows")
	}
	return rows.Close()
}

func (s *sqliteStore) Save(ctx context.Context, snap Snapshot) (err error) {
	snap = normalize(snap)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, q := range []string{`DELETE FROM jobs`, `DELETE FROM users`} {
		if _, err = tx.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "clear")
		}
	}
	for i, j := range snap.Jobs {
		body, merr := json.Marshal(j)
		if merr != nil {
			return errors.Wrapf(merr, "encode job %s", j.ID)
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO jobs(seq, id, user_id, stopped, body) VALUES(?,?,?,?,?)`,
			i, j.ID, j.UserID, boolInt(j.Stopped), string(body)); err != nil {
			return errors.Wrapf(err, "insert job %s", j.ID)
		}
	}
	for id, u := range snap.Users {
		body, merr := json.Marshal(u)
		if merr != nil {
			return errors.Wrapf(merr, "encode user %s", id)
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO users(id, body) VALUES(?,?)`, id, string(body)); err != nil {
			return errors.Wrapf(err, "insert user %s", id)
		}
	}
	for name, v := range countersToMap(snap.Counters) {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO counters(name, value) VALUES(?,?)
			 ON CONFLICT(name) DO UPDATE SET value=excluded.value`, name, v); err != nil {
			return errors.Wrapf(err, "upsert counter %s", name)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func countersToMap(c domain.Counters) map[string]float64 {
	return map[string]float64{
		"total_orders":      float64(c.TotalOrders),
		"successful_orders": float64(c.SuccessfulOrders),
		"failed_orders":     float64(c.FailedOrders),
		"total_spent":       c.TotalSpent,
		"last_24h_orders":   float64(c.Last24hOrders),
		"total_users":       float64(c.TotalUsers),
		"active_users":      float64(c.ActiveUsers),
	}
}

func countersFromMap(m map[string]float64) domain.Counters {
	return domain.Counters{
		TotalOrders:      int64(m["total_orders"]),
		SuccessfulOrders: int64(m["successful_orders"]),
		FailedOrders:     int64(m["failed_orders"]),
		TotalSpent:       m["total_spent"],
		Last24hOrders:    int64(m["last_24h_orders"]),
		TotalUsers:       int64(m["total_users"]),
		ActiveUsers:      int64(m["active_users"]),
	}
}
