package storage

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price       DOUBLE PRECISION NOT NULL DEFAULT 0,
		quantity    INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversions (
		id           TEXT PRIMARY KEY,
		operation    TEXT NOT NULL,
		status       TEXT NOT NULL,
		input_name   TEXT NOT NULL DEFAULT '',
		input_bytes  BIGINT NOT NULL DEFAULT 0,
		output_bytes BIGINT NOT NULL DEFAULT 0,
		duration_ms  BIGINT NOT NULL DEFAULT 0,
		detail       TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS conversions_created_at_idx
		ON conversions (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS conversions_operation_idx
		ON conversions (operation)`,
}

func (r *postgresRepository) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema migration: %w", err)
		}
	}
	return nil
}
