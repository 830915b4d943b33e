package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps the Postgres connection pool
type DB struct {
	*sql.DB
}

// NewDB opens and verifies a Postgres connection
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_kind TEXT NOT NULL,
	entity_key  TEXT NOT NULL,
	status      TEXT NOT NULL,
	state       JSONB NOT NULL,
	version     BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_kind, entity_key)
);

CREATE INDEX IF NOT EXISTS entities_status_idx ON entities (entity_kind, status);

CREATE TABLE IF NOT EXISTS signals (
	id           UUID PRIMARY KEY,
	target_kind  TEXT NOT NULL,
	target_key   TEXT NOT NULL,
	op           TEXT NOT NULL,
	payload      JSONB NOT NULL,
	due_at       TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	locked_until TIMESTAMPTZ,
	deliveries   INT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS signals_due_idx ON signals (due_at);
`

// Migrate creates the tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func jsonText(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}
