// Package pg implements the durable store (spec §4.9): Schedules, Runs, and
// Approval Requests persisted to Postgres via the pgx stdlib driver,
// grounded on the teacher's internal/store/pg.OpenDB and PGSessionStore
// cache-then-DB idiom. Sessions and transcripts stay file-backed per the
// spec's explicit Non-goal on a general-purpose database layer; only the
// scheduler's own state needs to survive a restart.
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenDB opens a connection pool against dsn using the pgx stdlib driver,
// matching the teacher's OpenDB(dsn) (*sql.DB, error) shape.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}
