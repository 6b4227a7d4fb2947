package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earmark/pkg/utterance"
)

var _ utterance.Store = (*Store)(nil)

// Store is the PostgreSQL utterance log. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a connection pool to dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping checks the connection. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Record implements [utterance.Store].
func (s *Store) Record(ctx context.Context, u utterance.Utterance) error {
	const q = `
		INSERT INTO utterances
		    (session_id, path, text, sample_rate, samples, started_at, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		u.SessionID,
		u.Path,
		u.Text,
		u.SampleRate,
		u.Samples,
		u.StartedAt,
		u.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres store: record: %w", err)
	}
	return nil
}

// Recent implements [utterance.Store]. A non-positive limit returns every row.
func (s *Store) Recent(ctx context.Context, limit int) ([]utterance.Utterance, error) {
	q := `
		SELECT session_id, path, text, sample_rate, samples, started_at, duration_ns
		FROM   utterances
		ORDER  BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		q += "\n\t\tLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	return collectUtterances(rows)
}

func collectUtterances(rows pgx.Rows) ([]utterance.Utterance, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (utterance.Utterance, error) {
		var (
			u          utterance.Utterance
			samples    int64
			durationNS int64
		)
		if err := row.Scan(&u.SessionID, &u.Path, &u.Text, &u.SampleRate, &samples, &u.StartedAt, &durationNS); err != nil {
			return u, err
		}
		u.Samples = int(samples)
		u.Duration = time.Duration(durationNS)
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan utterances: %w", err)
	}
	return out, nil
}
