// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bissquit/incident-desk/internal/config"
	"github.com/bissquit/incident-desk/internal/export"
	"github.com/bissquit/incident-desk/internal/incidents"
	"github.com/bissquit/incident-desk/internal/incidents/file"
	incidentspostgres "github.com/bissquit/incident-desk/internal/incidents/postgres"
	"github.com/bissquit/incident-desk/internal/incidents/sqlite"
	"github.com/bissquit/incident-desk/internal/pkg/metrics"
	"github.com/bissquit/incident-desk/internal/pkg/postgres"
	"github.com/bissquit/incident-desk/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/spf13/afero"
	"golang.org/x/term"
)

// App represents the application instance.
type App struct {
	config   *config.Config
	logger   *slog.Logger
	backend  incidents.Backend
	service  *incidents.Service
	renderer *export.Renderer

	// Set for the relational backends, for pool metrics.
	pool  *pgxpool.Pool
	sqlDB *sql.DB
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	logOutput io.Writer
	now       func() time.Time
}

// WithLogOutput redirects log output. Defaults to stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithClock overrides the clock used to timestamp new incidents.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a new application instance backed by the configured store.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	logger := initLogger(cfg.Log, o.logOutput)
	slog.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	renderer, err := export.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("init renderer: %w", err)
	}

	app := &App{
		config:   cfg,
		logger:   logger,
		renderer: renderer,
	}

	if err := app.openBackend(ctx); err != nil {
		return nil, err
	}

	store := incidents.NewStore(app.backend, incidents.StoreConfig{
		IDScope: incidents.IDScope(cfg.IDs.Scope),
	})
	app.service = incidents.NewService(store, incidents.ServiceConfig{
		Now:      o.now,
		Location: loc,
	})

	if cfg.IDs.Scope == string(incidents.IDScopeAll) {
		logger.Info("id counter scans all partitions; ids differ from the pending-only scheme")
	}
	logger.Debug("application initialized",
		"backend", cfg.Backend.Type,
		"timezone", loc.String(),
		"id_scope", cfg.IDs.Scope,
	)

	return app, nil
}

func (a *App) openBackend(ctx context.Context) error {
	switch a.config.Backend.Type {
	case config.BackendFile:
		b, err := file.Open(ctx, afero.NewOsFs(), a.config.File.Dir)
		if err != nil {
			return fmt.Errorf("open file backend: %w", err)
		}
		a.backend = b

	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(a.config.SQLite.Path), 0o755); err != nil {
			return fmt.Errorf("create sqlite dir: %w", err)
		}
		repo, err := sqlite.Open(ctx, a.config.SQLite.Path)
		if err != nil {
			return fmt.Errorf("open sqlite backend: %w", err)
		}
		a.backend = repo
		a.sqlDB = repo.DB()

	case config.BackendPostgres:
		db, err := connectPostgres(ctx, a.config.Database)
		if err != nil {
			return err
		}
		a.backend = incidentspostgres.NewRepository(db)
		a.pool = db

	default:
		return fmt.Errorf("unknown backend type %q", a.config.Backend.Type)
	}

	a.recordDBMetrics()
	return nil
}

func connectPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectAttempts: cfg.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// Service returns the incident service.
func (a *App) Service() *incidents.Service {
	return a.service
}

// Renderer returns the export renderer.
func (a *App) Renderer() *export.Renderer {
	return a.renderer
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Close releases the backend and, when configured, dumps metrics to the
// textfile. It must be called once.
func (a *App) Close() error {
	var errs []error

	path := a.config.Metrics.TextfilePath
	if path != "" {
		// Refresh the partition gauges while the backend is still open.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := a.service.Count(ctx); err != nil {
			a.logger.Warn("failed to count incidents for metrics", "error", err)
		}
		cancel()
	}
	a.recordDBMetrics()

	if err := a.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}

	if path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (a *App) recordDBMetrics() {
	switch {
	case a.pool != nil:
		metrics.RecordDBPoolMetrics(a.pool)
	case a.sqlDB != nil:
		metrics.RecordSQLDBMetrics(a.sqlDB)
	}
}

// Migrate brings the schema of the configured relational backend up to
// date. The file backend has no schema.
func Migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	switch cfg.Backend.Type {
	case config.BackendPostgres:
		// Connecting first gives the retry loop a chance while the
		// database is still starting.
		db, err := connectPostgres(ctx, cfg.Database)
		if err != nil {
			return err
		}
		db.Close()

		if err := migrations.UpPostgres(cfg.Database.URL); err != nil {
			return err
		}

	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return fmt.Errorf("create sqlite dir: %w", err)
		}
		repo, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("open sqlite backend: %w", err)
		}
		if err := repo.Close(); err != nil {
			return fmt.Errorf("close sqlite backend: %w", err)
		}

	case config.BackendFile:
		logger.Info("file backend has no schema, nothing to migrate", "dir", cfg.File.Dir)
		return nil

	default:
		return fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}

	logger.Info("migrations applied", "backend", cfg.Backend.Type)
	return nil
}

// NewLogger builds a logger from cfg writing to w.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	return initLogger(cfg, w)
}

func initLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    !isTerminal(w),
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == "error" && a.Value.Kind() == slog.KindAny {
					if err, ok := a.Value.Any().(error); ok {
						return tint.Err(err)
					}
				}
				return a
			},
		})
	}

	return slog.New(handler)
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}
