// Package app wires workspace resolution, migrations, and config loading
// into a ready engine for the CLI and server entry points.
package app

import (
	"fmt"

	"pactline/internal/config"
	"pactline/internal/db"
	"pactline/internal/engine"
	"pactline/internal/migrate"
)

// OpenEngine ensures the workspace exists, opens and migrates the database,
// loads pactline.yml (defaults when absent), and returns an engine plus a
// close func for the underlying connection.
func OpenEngine(workspace string) (engine.Engine, func() error, error) {
	if workspace == "" {
		workspace = "."
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	return engine.New(conn, cfg, workspace), conn.Close, nil
}
