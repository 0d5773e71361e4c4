package app

import (
	"database/sql"
	"fmt"

	"loopline/internal/config"
	"loopline/internal/coord"
	"loopline/internal/db"
	"loopline/internal/engine"
	"loopline/internal/events"
	"loopline/internal/guarantee"
	"loopline/internal/migrate"
	"loopline/internal/repo"
	"loopline/internal/store"
)

// App bundles an opened workspace: database, config, and the wired
// subsystems. Every CLI command and test builds one of these.
type App struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Engine *engine.Engine
	Store  *store.Store
	Coord  *coord.Coordinator
	Agg    *guarantee.Aggregator
	Events events.Writer

	workspace string
}

// Open opens (creating if needed) the workspace database, runs
// migrations, loads configuration and wires the subsystems.
func Open(workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default("default")
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	reg := guarantee.NewRegistry(cfg)
	agg := guarantee.NewAggregator(reg, guarantee.Options{
		IncludeOptional:        cfg.Aggregation.IncludeOptional,
		RequireSkillGuarantees: cfg.Aggregation.RequireSkillGuarantees,
	})
	st := store.New(conn, db.Root(workspace), cfg)
	co := coord.New(conn, cfg)
	eng := engine.New(conn, st, co, agg, cfg)
	return &App{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Config:    cfg,
		Engine:    eng,
		Store:     st,
		Coord:     co,
		Agg:       agg,
		Events:    events.Writer{DB: conn},
		workspace: workspace,
	}, nil
}

// Workspace returns the directory the app was opened on.
func (a *App) Workspace() string {
	return a.workspace
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
