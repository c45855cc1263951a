// Package repository owns the engine's in-memory state and the single lock
// that guards it.
package repository

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"smmbot/internal/domain"
	"smmbot/internal/storage"
	"smmbot/pkg/logx"
)

// State is the full mutable collection handed to MutateUnderLock closures.
// Closures may modify it freely but must not retain pointers past return.
type State struct {
	Jobs     []*domain.Job
	Users    map[string]*domain.User
	Counters *domain.Counters
}

// Job returns the job with id, or nil.
func (s *State) Job(id string) *domain.Job {
	for _, j := range s.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// refreshUserCounts derives the user statistics from the collections. A
// user is active while owning at least one job that is not stopped.
func (s *State) refreshUserCounts() {
	owners := map[string]struct{}{}
	for _, j := range s.Jobs {
		if !j.Stopped {
			owners[j.UserID] = struct{}{}
		}
	}
	s.Counters.TotalUsers = int64(len(s.Users))
	s.Counters.ActiveUsers = int64(len(owners))
}

// Repository is the job/user/counter store used by every engine component.
type Repository interface {
	// List returns deep copies of all jobs in insertion order.
	List() []*domain.Job
	// Get returns a deep copy of one job.
	Get(id string) (*domain.Job, bool)
	// MutateUnderLock runs fn with exclusive access to the whole state.
	MutateUnderLock(fn func(st *State) error) error
	// View runs fn with exclusive access; fn must not mutate.
	View(fn func(st *State))
	// Append adds jobs at the end of the collection.
	Append(jobs ...*domain.Job)
	// Save persists the current state.
	Save(ctx context.Context) error
}

// Locked is the process-wide Repository backed by a storage.Store.
type Locked struct {
	mu     sync.Mutex
	saveMu sync.Mutex
	state  State
	store  storage.Store
	log    logx.Logger
}

// Open loads the store into memory. A nil store keeps state in memory only.
func Open(ctx context.Context, store storage.Store, log logx.Logger) (*Locked, error) {
	r := &Locked{
		store: store,
		log:   log.With(logx.Component("repository")),
		state: State{
			Users:    map[string]*domain.User{},
			Counters: &domain.Counters{},
		},
	}
	if store == nil {
		return r, nil
	}
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load state")
	}
	r.state.Jobs = snap.Jobs
	if snap.Users != nil {
		r.state.Users = snap.Users
	}
	c := snap.Counters
	r.state.Counters = &c
	r.log.Info("state loaded", logx.Int("jobs", len(snap.Jobs)), logx.Int("users", len(snap.Users)))
	return r, nil
}

// NewMemory returns a repository seeded with jobs and users and no backing store.
func NewMemory(jobs []*domain.Job, users map[string]*domain.User) *Locked {
	if users == nil {
		users = map[string]*domain.User{}
	}
	return &Locked{
		state: State{Jobs: jobs, Users: users, Counters: &domain.Counters{}},
		log:   logx.Nop(),
	}
}

func (r *Locked) List() []*domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Job, 0, len(r.state.Jobs))
	for _, j := range r.state.Jobs {
		out = append(out, j.Clone())
	}
	return out
}

func (r *Locked) Get(id string) (*domain.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j := r.state.Job(id); j != nil {
		return j.Clone(), true
	}
	return nil, false
}

func (r *Locked) MutateUnderLock(fn func(st *State) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&r.state)
}

func (r *Locked) View(fn func(st *State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
}

func (r *Locked) Append(jobs ...*domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Jobs = append(r.state.Jobs, jobs...)
}

// Counters returns a copy of the statistics. User counts are derived on
// every call.
func (r *Locked) Counters() domain.Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.refreshUserCounts()
	return *r.state.Counters
}

// Save snapshots under the state lock and writes outside it. saveMu orders
// concurrent saves so the last write carries the newest snapshot.
func (r *Locked) Save(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	if err := r.store.Save(ctx, snap); err != nil {
		r.log.Warn("save failed; in-memory state is ahead of disk", logx.Err(err))
		return err
	}
	return nil
}

func (r *Locked) snapshotLocked() storage.Snapshot {
	r.state.refreshUserCounts()
	jobs := make([]*domain.Job, 0, len(r.state.Jobs))
	for _, j := range r.state.Jobs {
		jobs = append(jobs, j.Clone())
	}
	users := make(map[string]*domain.User, len(r.state.Users))
	for id, u := range r.state.Users {
		users[id] = u.Clone()
	}
	return storage.Snapshot{Jobs: jobs, Users: users, Counters: *r.state.Counters}
}
