package data

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema DDL. FraudRecord inserts rely on the primary key conflict to stay
// idempotent per transaction id.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS validators (
		address             TEXT PRIMARY KEY,
		public_key          BYTEA,
		reputation          DOUBLE PRECISION NOT NULL,
		stake               DOUBLE PRECISION NOT NULL,
		last_active_height  BIGINT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS validation_sessions (
		tx_id        TEXT PRIMARY KEY,
		block_height BIGINT NOT NULL,
		state        TEXT NOT NULL,
		payload      JSONB NOT NULL,
		started_at   TIMESTAMPTZ NOT NULL,
		resolved_at  TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS dispute_cases (
		tx_id       TEXT PRIMARY KEY,
		dispute_id  TEXT NOT NULL,
		resolution  TEXT NOT NULL,
		payload     JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS fraud_records (
		tx_id                TEXT PRIMARY KEY,
		fraudster_address    TEXT NOT NULL,
		claimed_final        DOUBLE PRECISION NOT NULL,
		actual_final         DOUBLE PRECISION NOT NULL,
		deviation            DOUBLE PRECISION NOT NULL,
		tier                 INT NOT NULL,
		reputation_penalty   DOUBLE PRECISION NOT NULL,
		stake_slash_fraction DOUBLE PRECISION NOT NULL,
		block_height         BIGINT NOT NULL,
		recorded_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fraud_records_address
		ON fraud_records (fraudster_address)`,
	`CREATE TABLE IF NOT EXISTS accountability_events (
		id                  TEXT PRIMARY KEY,
		validator_address   TEXT NOT NULL,
		tx_id               TEXT NOT NULL,
		decision            TEXT NOT NULL,
		agreed_with_outcome BOOLEAN NOT NULL,
		ts                  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accountability_validator
		ON accountability_events (validator_address)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_state
		ON validation_sessions (state)`,
}

// Migrate applies the schema, creating any missing tables and indexes.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement: %w", err)
		}
	}
	return nil
}
