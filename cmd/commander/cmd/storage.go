package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/azisaba/commander/auth"
	"github.com/azisaba/commander/internal/config"
	"github.com/azisaba/commander/storage"
	bboltstorage "github.com/azisaba/commander/storage/bbolt"
	"github.com/azisaba/commander/storage/memory"
	"github.com/azisaba/commander/storage/postgres"
	redisstorage "github.com/azisaba/commander/storage/redis"
	"github.com/azisaba/commander/storage/sqlite"
)

// openRepository opens the configured user store and, when sessions are
// kept in Redis, splits session traffic off to it.
func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	repo, err := openUserRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.SessionStore != config.SessionStoreRedis {
		return repo, nil
	}
	sessions, err := redisstorage.NewSessionStoreFromURL(ctx, cfg.RedisURL)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to open redis session store: %w", err)
	}
	return storage.Split(repo, sessions), nil
}

func openUserRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return memory.NewRepository(), nil
	case config.StoragePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	switch cfg.Storage {
	case config.StorageSQLite:
		repo, err := sqlite.Open(ctx, filepath.Join(cfg.DataDir, "commander.sqlite"))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return repo, nil
	case config.StorageBolt:
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "commander.db"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, nil
	}
	return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
}

// environment is what every command needs once configuration is loaded.
type environment struct {
	cfg    *config.Config
	logger *slog.Logger
	repo   storage.Repository
	svc    *auth.Service
}

func (e *environment) Close() error {
	return e.repo.Close()
}

func newEnvironment(ctx context.Context, cfg *config.Config, opts ...auth.Option) (*environment, error) {
	logger := cfg.NewLogger(os.Stderr)
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]auth.Option{auth.WithLogger(logger)}, opts...)
	svc, err := auth.New(cfg.AuthConfig(), repo, repo, opts...)
	if err != nil {
		repo.Close()
		return nil, err
	}
	return &environment{cfg: cfg, logger: logger, repo: repo, svc: svc}, nil
}
