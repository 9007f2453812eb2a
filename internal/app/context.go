package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"escrowline/internal/chain"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/engine/auth"
	"escrowline/internal/ledger"
	"escrowline/internal/migrate"
	"escrowline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and its config. It
// prefers the explicit override, then the workspace config file, then a
// database with exactly one project.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	projectID := strings.TrimSpace(projectOverride)
	if projectID == "" && cfg != nil {
		projectID = cfg.Project.ID
	}
	if projectID == "" {
		projects, err := r.ListProjects(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(projects) == 1 {
			projectID = projects[0].ID
		}
	}
	if projectID == "" {
		return "", nil, fmt.Errorf("project not specified; use --project or create %s", config.Path(workspace))
	}
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// Runtime bundles everything a CLI command needs to drive the engine.
type Runtime struct {
	DB     *sql.DB
	Engine engine.Engine
}

func (rt *Runtime) Close() error { return rt.DB.Close() }

// Build opens the workspace database, runs migrations and wires the
// engine with the workspace wallet, the ledger transport and the on-chain
// escrow client.
func Build(ctx context.Context, workspace, projectOverride string) (*Runtime, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := ResolveProjectAndConfig(ctx, workspace, projectOverride, r)
	if err != nil {
		conn.Close()
		return nil, err
	}
	wallet, err := auth.EnsureWallet(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	transport := ledger.NewClient(cfg.Ledger.Endpoint)
	gate := &auth.Gate{Transport: transport, Wallet: wallet}
	escrow := chain.NewClient(cfg.Chain.Endpoint)
	e := engine.New(conn, cfg, gate, transport, escrow)
	return &Runtime{DB: conn, Engine: e}, nil
}
