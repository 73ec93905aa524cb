package db

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpen_SQLitePool(t *testing.T) {
	pool, err := Open(Options{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "nested", "runpool.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = pool.Close() }()

	if pool.Writer() == pool.Reader() {
		t.Fatal("expected separate writer and reader pools for sqlite")
	}
	if pool.Driver() != "sqlite3" {
		t.Errorf("driver = %q", pool.Driver())
	}
	if _, err := pool.Writer().Exec("CREATE TABLE t (id INTEGER)"); err != nil {
		t.Fatalf("writer exec: %v", err)
	}
	var n int
	if err := pool.Reader().Get(&n, "SELECT COUNT(*) FROM t"); err != nil {
		t.Fatalf("reader query: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty table, got %d rows", n)
	}
	if _, err := pool.Reader().Exec("INSERT INTO t (id) VALUES (1)"); err == nil {
		t.Error("expected the reader pool to reject writes")
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestOpen_Errors(t *testing.T) {
	if _, err := Open(Options{Driver: "mysql"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := Open(Options{Driver: "sqlite3"}); err == nil {
		t.Fatal("expected error for a missing sqlite path")
	}
}

func TestSQLiteDSN(t *testing.T) {
	parse := func(dsn string) url.Values {
		t.Helper()
		i := strings.IndexByte(dsn, '?')
		if i < 0 {
			t.Fatalf("no query in %q", dsn)
		}
		q, err := url.ParseQuery(dsn[i+1:])
		if err != nil {
			t.Fatalf("parse %q: %v", dsn, err)
		}
		return q
	}

	w := parse(sqliteDSN("/data/runpool.db", false))
	if w.Get("mode") != "rwc" || w.Get("_journal_mode") != "WAL" || w.Get("_txlock") != "immediate" {
		t.Errorf("unexpected writer params: %v", w)
	}
	r := parse(sqliteDSN("/data/runpool.db", true))
	if r.Get("mode") != "ro" || r.Get("_journal_mode") != "" {
		t.Errorf("unexpected reader params: %v", r)
	}
	if r.Get("_busy_timeout") != "5000" || r.Get("_foreign_keys") != "on" {
		t.Errorf("reader lost shared params: %v", r)
	}
}

func TestSQLiteReaders(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, defaultSQLiteReaders},
		{2, 2},
		{25, maxSQLiteReaders},
	}
	for _, tt := range tests {
		if got := sqliteReaders(tt.in); got != tt.want {
			t.Errorf("sqliteReaders(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
