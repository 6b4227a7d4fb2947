package audio

import (
	"errors"
	"sync"
)

// ErrPoisoned is returned by [Buffer] operations after a panic occurred while
// the buffer lock was held. The contents are no longer trusted and the buffer
// refuses further work.
var ErrPoisoned = errors.New("audio: sample buffer poisoned by an earlier panic")

// Buffer is a growable, ordered container of mono float32 samples guarded by a
// single mutex.
//
// Appends only ever add to the tail. The only shrinking operations are
// [Buffer.TrimToLast] and [Buffer.Drain], and both remove a contiguous prefix.
// Every read hands out a copy so callers never hold the lock while working on
// the data.
//
// The zero value is an empty, ready-to-use buffer. All methods are safe for
// concurrent use.
type Buffer struct {
	mu       sync.Mutex
	samples  []float32
	poisoned bool
}

// NewBuffer returns an empty buffer with room for capacity samples.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{samples: make([]float32, 0, max(capacity, 0))}
}

// locked runs fn under the buffer lock. If fn panics the buffer is marked
// poisoned before the lock is released and the panic continues upward.
func (b *Buffer) locked(fn func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.poisoned {
		return ErrPoisoned
	}
	done := false
	defer func() {
		if !done {
			b.poisoned = true
		}
	}()
	fn()
	done = true
	return nil
}

// Append copies samples onto the tail. It never fails; on a poisoned buffer
// the samples are dropped, matching a capture callback that cannot report
// errors.
func (b *Buffer) Append(samples []float32) {
	if len(samples) == 0 {
		return
	}
	_ = b.locked(func() {
		b.samples = append(b.samples, samples...)
	})
}

// TailWindow returns a copy of at most n trailing samples. It returns fewer
// than n samples when the buffer is shorter, and an empty non-nil slice when
// the buffer is empty or n <= 0.
func (b *Buffer) TailWindow(n int) ([]float32, error) {
	var out []float32
	err := b.locked(func() {
		start := max(len(b.samples)-max(n, 0), 0)
		out = make([]float32, len(b.samples)-start)
		copy(out, b.samples[start:])
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TrimToLast drops the oldest samples so that at most
// ceil(seconds*sampleRate) remain. It returns the number of samples removed.
// Samples appended after the trim decision are never touched.
func (b *Buffer) TrimToLast(seconds float64, sampleRate int) (int, error) {
	keep := CeilSamples(seconds, sampleRate)
	removed := 0
	err := b.locked(func() {
		excess := len(b.samples) - keep
		if excess <= 0 {
			return
		}
		// Shift in place so the backing array is reused.
		n := copy(b.samples, b.samples[excess:])
		clear(b.samples[n:])
		b.samples = b.samples[:n]
		removed = excess
	})
	return removed, err
}

// Drain swaps the contents out and leaves the buffer empty. Any reader that
// acquires the lock after Drain returns observes an empty buffer.
func (b *Buffer) Drain() ([]float32, error) {
	var out []float32
	err := b.locked(func() {
		out = b.samples
		b.samples = make([]float32, 0, cap(out))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the current number of samples. A poisoned buffer reports 0.
func (b *Buffer) Len() int {
	n := 0
	_ = b.locked(func() { n = len(b.samples) })
	return n
}

// Poisoned reports whether a panic occurred while the lock was held.
func (b *Buffer) Poisoned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.poisoned
}
