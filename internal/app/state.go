package app

import (
	"context"

	"github.com/cockroachdb/errors"

	"smmbot/internal/account"
	"smmbot/internal/config"
	"smmbot/internal/lifecycle"
	"smmbot/internal/notifier"
	"smmbot/internal/repository"
	"smmbot/internal/storage"
	"smmbot/pkg/logx"
)

// State is the persisted engine state opened without Telegram. It backs the
// operator commands; the serving process must not hold the same store.
type State struct {
	Config   *config.Config
	Repo     *repository.Locked
	Accounts *account.Service
	Jobs     *lifecycle.Service

	store storage.Store
}

func OpenState(ctx context.Context, cfgPath string, log logx.Logger) (*State, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	repo, err := repository.Open(ctx, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	accOpts := []account.Option{account.WithLogger(log)}
	if cfg.Engine.MinFrequency > 0 {
		accOpts = append(accOpts, account.WithMinFrequency(cfg.Engine.MinFrequency))
	}
	accounts := account.New(repo, cfg.Telegram.AdminUserID, accOpts...)
	jobs := lifecycle.New(mapLifecycleConfig(cfg), repo, offlineNotifier{log: log},
		lifecycle.WithLogger(log),
		lifecycle.WithAdmin(accounts.IsAdmin),
	)
	return &State{Config: cfg, Repo: repo, Accounts: accounts, Jobs: jobs, store: store}, nil
}

// Close saves and releases the store.
func (s *State) Close(ctx context.Context) error {
	saveErr := s.Repo.Save(ctx)
	closeErr := s.store.Close()
	return errors.CombineErrors(saveErr, closeErr)
}

// offlineNotifier logs messages that would have gone to Telegram.
type offlineNotifier struct{ log logx.Logger }

func (n offlineNotifier) Send(userID, text string, _ []notifier.Control) bool {
	n.log.Debug("notification skipped (offline)", logx.UserID(userID), logx.Int("len", len(text)))
	return false
}

func (n offlineNotifier) Admin(text string) bool {
	n.log.Debug("admin notification skipped (offline)", logx.Int("len", len(text)))
	return false
}
