package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeeper/config"
	"github.com/jmcleod/gatekeeper/storage"
	bboltstorage "github.com/jmcleod/gatekeeper/storage/bbolt"
	"github.com/jmcleod/gatekeeper/storage/memory"
	"github.com/jmcleod/gatekeeper/storage/postgres"
)

// runtime is what every subcommand needs: configuration, a logger and the
// storage backend.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	repo   storage.Repository
	close  func()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return memory.NewRepository(), func() {}, nil
	case config.BackendPostgres:
		store, err := postgres.NewRepositoryFromDSN(ctx, cfg.Storage.PostgresDSN,
			postgres.WithQueryTimeout(cfg.Storage.Timeout))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		if dir := filepath.Dir(cfg.Storage.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
		store, err := bboltstorage.NewRepositoryFromFile(cfg.Storage.Path, nil)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
}

func openRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	repo, closeRepo, err := openRepository(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Storage.Backend, err)
	}
	return &runtime{cfg: cfg, logger: logger, repo: repo, close: closeRepo}, nil
}
