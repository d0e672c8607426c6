package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/gofrs/flock"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/migrate"
	"forgeline/internal/provider"
	"forgeline/internal/repo"
)

// ErrLocked is returned when another process already serves the workspace.
var ErrLocked = errors.New("workspace is locked by another fl serve")

// Workspace bundles the opened database and loaded config of one workspace directory.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	lock   *flock.Flock
}

// Open loads the workspace config (defaults when absent), opens the database and
// applies pending migrations.
func Open(ctx context.Context, dir string) (*Workspace, error) {
	if dir == "" {
		dir = "."
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg}, nil
}

// Lock takes the exclusive serve lock of the workspace without blocking.
func (w *Workspace) Lock() error {
	if w.lock == nil {
		w.lock = flock.New(filepath.Join(w.Dir, db.WorkspaceDir, "serve.lock"))
	}
	ok, err := w.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

func (w *Workspace) Close() error {
	var errs []error
	if w.lock != nil && w.lock.Locked() {
		errs = append(errs, w.lock.Unlock())
	}
	if w.DB != nil {
		errs = append(errs, w.DB.Close())
	}
	return errors.Join(errs...)
}

// ResolveProject picks the override, or the only project in the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	p, err := r.SingleProject(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("no project yet; create one with fl project create")
	}
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// NewGenerator builds the provider selected by the config.
func NewGenerator(cfg config.ProviderConfig, logger *slog.Logger) (provider.Generator, error) {
	switch cfg.Kind {
	case "static":
		return provider.Static{}, nil
	case "openai", "":
		return provider.NewOpenAIClient(provider.OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey(),
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout.D(),
		}, provider.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}
