package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"bilancio/internal/core"
	"bilancio/internal/services"
	"bilancio/internal/storage"
	"bilancio/internal/storage/memory"
	"bilancio/internal/storage/postgres"
)

// Compile-time checks that every store satisfies the engine's port.
var (
	_ services.Store = (*memory.Store)(nil)
	_ services.Store = (*storage.SQLiteRepository)(nil)
	_ services.Store = (*postgres.Store)(nil)
)

// categorySeeder is implemented by the SQL stores.
type categorySeeder interface {
	SeedCategories(ctx context.Context, cats []core.Category) error
}

// Factory creates stores based on configuration
type Factory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{logger: logger}
}

// Create opens the store selected by config.
func (f *Factory) Create(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		result *BackendResult
		err    error
	)
	switch config.Type {
	case SQLiteBackend:
		result, err = f.createSQLiteBackend(config)
	case PostgresBackend:
		result, err = f.createPostgresBackend(ctx, config)
	case MemoryBackend:
		result, err = f.createMemoryBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	if seeder, ok := result.Store.(categorySeeder); ok {
		if err := f.seedCategories(ctx, seeder, config.SeedDir); err != nil {
			result.Cleanup()
			return nil, err
		}
	}
	return result, nil
}

func (f *Factory) createSQLiteBackend(config Config) (*BackendResult, error) {
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)

	return &BackendResult{Store: repo, Cleanup: repo.Close}, nil
}

func (f *Factory) createPostgresBackend(ctx context.Context, config Config) (*BackendResult, error) {
	store, err := postgres.Open(ctx, config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL store: %w", err)
	}

	f.logger.Info("Initialized PostgreSQL backend")

	return &BackendResult{Store: store, Cleanup: store.Close}, nil
}

func (f *Factory) createMemoryBackend(config Config) (*BackendResult, error) {
	dataDir := config.SeedDir
	if dataDir == "" {
		dataDir = "data"
	}

	store := memory.NewFromFiles(dataDir)

	f.logger.Info("Initialized memory backend", "data_directory", dataDir)

	return &BackendResult{Store: store, Cleanup: store.Close}, nil
}

// seedCategories upserts categories from the seed file when one exists. The
// migrations already carry the default set.
func (f *Factory) seedCategories(ctx context.Context, seeder categorySeeder, dir string) error {
	if dir == "" {
		return nil
	}
	path := filepath.Join(dir, memory.SeedFile)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	cats := memory.ReadCategories(path)
	if len(cats) == 0 {
		return nil
	}
	if err := seeder.SeedCategories(ctx, cats); err != nil {
		return fmt.Errorf("seed categories from %s: %w", path, err)
	}
	f.logger.Info("Seeded categories", "path", path, "count", len(cats))
	return nil
}
