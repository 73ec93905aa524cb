package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Pool splits writes from reads. On SQLite the writer is a single connection
// and the reader a read-only pool over the same WAL file; on PostgreSQL both
// are the same pool.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer is used for every statement that modifies data, and for
// transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is used for plain SELECTs.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Driver returns the sqlx driver name, sqlite3 or pgx.
func (p *Pool) Driver() string { return p.writer.DriverName() }

func (p *Pool) shared() bool { return p.reader == p.writer }

// Ping checks both sides of the pool.
func (p *Pool) Ping(ctx context.Context) error {
	if err := p.writer.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s writer: %w", p.Driver(), err)
	}
	if p.shared() {
		return nil
	}
	if err := p.reader.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s reader: %w", p.Driver(), err)
	}
	return nil
}

// Close closes the writer and, when separate, the reader.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if !p.shared() {
		err = errors.Join(err, p.reader.Close())
	}
	return err
}
