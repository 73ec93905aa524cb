// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// AutoIncrementPK returns the column definition for an auto-generated integer primary key.
//
//	SQLite:   INTEGER PRIMARY KEY AUTOINCREMENT
//	Postgres: BIGSERIAL PRIMARY KEY
func AutoIncrementPK(driver string) string {
	if IsPostgres(driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// BoolType returns the column type used for booleans.
//
//	SQLite:   INTEGER
//	Postgres: BOOLEAN
func BoolType(driver string) string {
	if IsPostgres(driver) {
		return "BOOLEAN"
	}
	return "INTEGER"
}

// TimestampType returns the column type used for instants. Postgres keeps
// the zone so UTC round-trips unchanged.
func TimestampType(driver string) string {
	if IsPostgres(driver) {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

// BoolDefault renders a boolean default literal for the driver.
func BoolDefault(driver string, value bool) string {
	if IsPostgres(driver) {
		if value {
			return "TRUE"
		}
		return "FALSE"
	}
	if value {
		return "1"
	}
	return "0"
}
