package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/earmark/pkg/utterance"
)

// StoreGuard wraps an [utterance.Store] and makes all operations non-fatal.
// If the underlying store fails, operations return defaults and log warnings
// instead of propagating errors, so a database outage never fails a session.
// IsDegraded reports whether the most recent operation failed.
//
// All methods are safe for concurrent use.
type StoreGuard struct {
	store    utterance.Store
	degraded atomic.Bool
}

// NewStoreGuard creates a new [StoreGuard] wrapping store.
func NewStoreGuard(store utterance.Store) *StoreGuard {
	return &StoreGuard{store: store}
}

// Record writes u to the underlying store. On failure the error is logged and
// swallowed and the guard is marked degraded. On success the flag is cleared.
func (g *StoreGuard) Record(ctx context.Context, u utterance.Utterance) error {
	if err := g.store.Record(ctx, u); err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: Record failed, swallowing error",
			"session_id", u.SessionID,
			"error", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Recent reads from the underlying store. On failure an empty slice is
// returned and the guard is marked degraded.
func (g *StoreGuard) Recent(ctx context.Context, limit int) ([]utterance.Utterance, error) {
	out, err := g.store.Recent(ctx, limit)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: Recent failed, returning empty",
			"limit", limit,
			"error", err,
		)
		return []utterance.Utterance{}, nil
	}
	g.degraded.Store(false)
	return out, nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *StoreGuard) IsDegraded() bool {
	return g.degraded.Load()
}

// Compile-time check that StoreGuard satisfies utterance.Store.
var _ utterance.Store = (*StoreGuard)(nil)
