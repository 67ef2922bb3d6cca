// Package app wires a workspace into a running engine. Every binary that
// touches the shared datastore boots through here so migrations and crew
// config are resolved exactly the same way.
package app

import (
	"database/sql"

	"bullpen/internal/config"
	"bullpen/internal/db"
	"bullpen/internal/engine"
	"bullpen/internal/migrate"
)

// Context is the shared runtime for one workspace.
type Context struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Options controls how the workspace is opened.
type Options struct {
	Workspace string
	// RequireConfig turns a missing crew config into an error instead of
	// falling back to built-in policy defaults.
	RequireConfig bool
}

// Open opens the workspace datastore, applies pending migrations and loads
// the crew config. The caller owns Close.
func Open(opts Options) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	var cfg *config.Config
	if opts.RequireConfig {
		cfg, err = config.Load(opts.Workspace)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{DB: conn, Config: cfg, Engine: engine.New(conn, cfg)}, nil
}

// Close releases the datastore handle.
func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
