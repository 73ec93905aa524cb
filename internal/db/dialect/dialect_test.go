package dialect

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestSchemaFragments(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"sqlite pk", AutoIncrementPK(SQLite3), "INTEGER PRIMARY KEY AUTOINCREMENT"},
		{"pgx pk", AutoIncrementPK(PGX), "BIGSERIAL PRIMARY KEY"},
		{"sqlite bool", BoolType(SQLite3), "INTEGER"},
		{"pgx bool", BoolType(PGX), "BOOLEAN"},
		{"sqlite true", BoolDefault(SQLite3, true), "1"},
		{"pgx false", BoolDefault(PGX, false), "FALSE"},
		{"sqlite timestamp", TimestampType(SQLite3), "TIMESTAMP"},
		{"pgx timestamp", TimestampType(PGX), "TIMESTAMPTZ"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestInsertReturningID_SQLite(t *testing.T) {
	sqlxDB, err := sqlx.Open(SQLite3, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// every connection to :memory: is a separate database
	sqlxDB.SetMaxOpenConns(1)
	defer func() { _ = sqlxDB.Close() }()

	ctx := context.Background()
	if _, err := sqlxDB.ExecContext(ctx, "CREATE TABLE items (id "+AutoIncrementPK(SQLite3)+", name TEXT)"); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := InsertReturningID(ctx, sqlxDB, "INSERT INTO items (name) VALUES (?)", "a")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	tx, err := sqlxDB.BeginTxx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	second, err := InsertReturningID(ctx, tx, "INSERT INTO items (name) VALUES (?)", "b")
	if err != nil {
		t.Fatalf("insert in tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if second <= first {
		t.Errorf("expected increasing ids, got %d then %d", first, second)
	}
}
