// Package postgres provides a PostgreSQL-backed [utterance.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { ... }
//	defer store.Close()
//	_ = store.Record(ctx, u)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlUtterances = `
CREATE TABLE IF NOT EXISTS utterances (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    path         TEXT         NOT NULL DEFAULT '',
    text         TEXT         NOT NULL DEFAULT '',
    sample_rate  INTEGER      NOT NULL,
    samples      BIGINT       NOT NULL,
    started_at   TIMESTAMPTZ  NOT NULL,
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    recorded_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_utterances_session_id
    ON utterances (session_id);

CREATE INDEX IF NOT EXISTS idx_utterances_started_at
    ON utterances (started_at);
`

// Migrate creates the utterances table and its indexes if they do not exist.
// It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlUtterances); err != nil {
		return fmt.Errorf("migrate: utterances: %w", err)
	}
	return nil
}
