// Package db opens the run store: a SQLite file behind one writer connection
// and a read-only pool, or a shared PostgreSQL pool.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/db/dialect"
)

const pingTimeout = 5 * time.Second

// Options selects and configures the storage backend. MaxConns caps the
// postgres pool and the sqlite reader pool.
type Options struct {
	Driver   string // sqlite3 or pgx
	Path     string // sqlite file
	DSN      string // postgres connection string
	MaxConns int
	MinConns int
}

// Open builds a read/write Pool for the configured driver and checks that it
// answers.
func Open(opts Options) (*Pool, error) {
	var (
		pool *Pool
		err  error
	)
	switch opts.Driver {
	case dialect.SQLite3, "":
		pool, err = openSQLite(opts)
	case dialect.PGX:
		pool, err = openPostgres(opts)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return pool, nil
}

func openPostgres(opts Options) (*Pool, error) {
	conn, err := sqlx.Open(dialect.PGX, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	maxConns, minConns := opts.MaxConns, opts.MinConns
	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 || minConns > maxConns {
		minConns = min(5, maxConns)
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)
	conn.SetConnMaxIdleTime(5 * time.Minute)
	// pgx pools internally; readers and the writer share it
	return &Pool{writer: conn, reader: conn}, nil
}
