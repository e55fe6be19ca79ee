package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"wsrpline/internal/config"
	"wsrpline/internal/db"
	"wsrpline/internal/engine"
	"wsrpline/internal/logger"
	"wsrpline/internal/migrate"
	"wsrpline/internal/registration"
	"wsrpline/internal/repo"
	"wsrpline/internal/tracing"
)

// Options tune Open. Zero values read everything from the workspace config.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/wsrp.yml.
	ConfigPath string
	// Optional allows running without a config file, using the defaults.
	Optional bool
	// LogOutput replaces the configured log output.
	LogOutput io.Writer
	// TraceOutput receives spans for the stdout exporter; nil means stderr.
	TraceOutput io.Writer
}

// Context is an opened workspace: config, migrated database, logger and tracer.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Log       zerolog.Logger
	Tracing   *tracing.Provider
}

// Open loads config, creates the workspace directory and migrates the database.
func Open(ctx context.Context, opts Options) (*Context, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := loadConfig(workspace, opts)
	if err != nil {
		return nil, err
	}
	var log zerolog.Logger
	if opts.LogOutput != nil {
		log, err = logger.NewWithWriter(cfg.Logging, opts.LogOutput)
	} else {
		log, err = logger.New(cfg.Logging)
	}
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	traceOut := opts.TraceOutput
	if traceOut == nil {
		traceOut = os.Stderr
	}
	provider, err := tracing.NewProvider(cfg.Tracing, traceOut)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Log:       log,
		Tracing:   provider,
	}, nil
}

func loadConfig(workspace string, opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	if opts.Optional {
		return config.LoadOptional(workspace)
	}
	return config.Load(workspace)
}

// Close flushes spans and closes the database.
func (c *Context) Close(ctx context.Context) error {
	return errors.Join(c.Tracing.Shutdown(ctx), c.DB.Close())
}

// Engine loads the registry into memory and returns the Producer engine. The stored
// registration property descriptions are reconciled with the configured ones; a change
// moves existing registrations to pending.
func (c *Context) Engine(ctx context.Context) (*engine.Engine, error) {
	snap, err := c.Repo.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	pm := registration.NewPersistence(registration.WithJournal(repo.Journal{Repo: c.Repo}))
	if err := pm.Load(snap); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	m := registration.NewManager(pm,
		registration.WithPolicy(registration.DefaultPolicy{AutomaticGroup: c.Config.Producer.AutomaticGroup}),
		registration.WithStrictConsumerAgent(c.Config.Producer.StrictConsumerAgent),
		registration.WithLogger(logger.WithComponent(c.Log, "registration")),
	)
	e := engine.New(m, c.Config)
	e.Repo = &c.Repo
	e.Log = logger.WithComponent(c.Log, "engine")
	e.Tracer = c.Tracing.Tracer()
	changed, err := e.SyncPropertyDescriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync registration properties: %w", err)
	}
	if changed {
		c.Log.Warn().Msg("registration properties changed; existing registrations must be modified")
	}
	c.Log.Debug().
		Int("consumers", len(snap.Consumers)).
		Int("groups", len(snap.Groups)).
		Int("registrations", len(snap.Registrations)).
		Msg("registry loaded")
	return e, nil
}
