package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/db/dialect"
)

const (
	sqliteBusyTimeout = 5 * time.Second
	// readers beyond this only contend on the WAL index
	maxSQLiteReaders     = 8
	defaultSQLiteReaders = 4
)

// sqliteDSN builds a go-sqlite3 URI. Log events are written in bursts while
// several runs stream at once, so writers wait on locks instead of failing.
// The journal and sync pragmas are database-wide and only set by the writer.
func sqliteDSN(path string, readOnly bool) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", strconv.Itoa(int(sqliteBusyTimeout/time.Millisecond)))
	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Set("mode", "rwc")
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
		q.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + q.Encode()
}

func sqliteReaders(maxConns int) int {
	switch {
	case maxConns <= 0:
		return defaultSQLiteReaders
	case maxConns > maxSQLiteReaders:
		return maxSQLiteReaders
	default:
		return maxConns
	}
}

func openSQLite(opts Options) (*Pool, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlite database path is required")
	}
	path, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	writer, err := sqlx.Open(dialect.SQLite3, sqliteDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	// one writer connection serializes writes; SQLITE_BUSY never reaches callers
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	// the read-only pool cannot open a file that does not exist yet
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("create sqlite database: %w", err)
	}

	reader, err := sqlx.Open(dialect.SQLite3, sqliteDSN(path, true))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	n := sqliteReaders(opts.MaxConns)
	reader.SetMaxOpenConns(n)
	reader.SetMaxIdleConns(n)

	return &Pool{writer: writer, reader: reader}, nil
}
