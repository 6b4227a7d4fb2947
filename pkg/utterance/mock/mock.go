// Package mock provides an in-memory [utterance.Store] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earmark/pkg/utterance"
)

var _ utterance.Store = (*Store)(nil)

// Store records every call and keeps utterances in memory.
type Store struct {
	mu sync.Mutex

	// RecordErr is returned from Record when non-nil; the utterance is not kept.
	RecordErr error

	// RecentErr is returned from Recent when non-nil.
	RecentErr error

	// Utterances holds every successfully recorded utterance in call order.
	Utterances []utterance.Utterance

	calls map[string]int
}

func (s *Store) record(method string) {
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[method]++
}

// Record implements [utterance.Store].
func (s *Store) Record(_ context.Context, u utterance.Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Record")
	if s.RecordErr != nil {
		return s.RecordErr
	}
	s.Utterances = append(s.Utterances, u)
	return nil
}

// Recent implements [utterance.Store].
func (s *Store) Recent(_ context.Context, limit int) ([]utterance.Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Recent")
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	out := make([]utterance.Utterance, 0, len(s.Utterances))
	for i := len(s.Utterances) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.Utterances[i])
	}
	return out, nil
}

// CallCount returns how often method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// SetRecordErr replaces RecordErr under the lock.
func (s *Store) SetRecordErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecordErr = err
}
