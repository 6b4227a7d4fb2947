package audio_test

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/MrWong99/earmark/pkg/audio"
)

// ramp returns n samples whose values encode their position so that ordering
// and loss can be checked after trims.
func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start + i)
	}
	return out
}

func TestBuffer_ZeroValueIsUsable(t *testing.T) {
	var b audio.Buffer
	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0", b.Len())
	}
	b.Append([]float32{0.1, 0.2})
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
}

func TestBuffer_TailWindow(t *testing.T) {
	tests := []struct {
		name string
		have int
		n    int
		want []float32
	}{
		{name: "shorter than window", have: 3, n: 512, want: []float32{0, 1, 2}},
		{name: "exact window", have: 4, n: 4, want: []float32{0, 1, 2, 3}},
		{name: "longer than window", have: 10, n: 3, want: []float32{7, 8, 9}},
		{name: "zero window", have: 5, n: 0, want: []float32{}},
		{name: "negative window", have: 5, n: -1, want: []float32{}},
		{name: "empty buffer", have: 0, n: 8, want: []float32{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := audio.NewBuffer(0)
			b.Append(ramp(0, tc.have))
			got, err := b.TailWindow(tc.n)
			if err != nil {
				t.Fatalf("TailWindow: %v", err)
			}
			if got == nil {
				t.Fatal("TailWindow returned nil slice")
			}
			if len(got) != len(tc.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tc.want))
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("got[%d] = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestBuffer_TailWindowIsACopy(t *testing.T) {
	b := audio.NewBuffer(0)
	b.Append([]float32{1, 2, 3})
	w, _ := b.TailWindow(3)
	w[0] = 99

	again, _ := b.TailWindow(3)
	if again[0] != 1 {
		t.Errorf("mutating the window changed the buffer: got %v", again[0])
	}
}

func TestBuffer_AppendCopiesInput(t *testing.T) {
	b := audio.NewBuffer(0)
	in := []float32{1, 2}
	b.Append(in)
	in[0] = 42
	got, _ := b.TailWindow(2)
	if got[0] != 1 {
		t.Errorf("buffer aliases caller slice: got %v", got[0])
	}
}

func TestBuffer_TrimToLast(t *testing.T) {
	tests := []struct {
		name        string
		have        int
		seconds     float64
		rate        int
		wantLen     int
		wantRemoved int
	}{
		{name: "no-op when short", have: 10, seconds: 1, rate: 16, wantLen: 10, wantRemoved: 0},
		{name: "no-op when equal", have: 16, seconds: 1, rate: 16, wantLen: 16, wantRemoved: 0},
		{name: "removes excess", have: 100, seconds: 2, rate: 16, wantLen: 32, wantRemoved: 68},
		{name: "fractional seconds rounds up", have: 100, seconds: 0.55, rate: 10, wantLen: 6, wantRemoved: 94},
		{name: "zero seconds empties", have: 5, seconds: 0, rate: 16000, wantLen: 0, wantRemoved: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := audio.NewBuffer(0)
			b.Append(ramp(0, tc.have))
			removed, err := b.TrimToLast(tc.seconds, tc.rate)
			if err != nil {
				t.Fatalf("TrimToLast: %v", err)
			}
			if removed != tc.wantRemoved {
				t.Errorf("removed = %d, want %d", removed, tc.wantRemoved)
			}
			if b.Len() != tc.wantLen {
				t.Errorf("Len = %d, want %d", b.Len(), tc.wantLen)
			}
			// The survivors must be the newest samples, in order.
			got, _ := b.TailWindow(tc.wantLen)
			for i, v := range got {
				want := float32(tc.have - tc.wantLen + i)
				if v != want {
					t.Fatalf("got[%d] = %v, want %v", i, v, want)
				}
			}
		})
	}
}

func TestBuffer_TrimNeverExceedsLookback(t *testing.T) {
	const (
		rate     = 16000
		lookback = 5.0
	)
	limit := int(math.Ceil(lookback * rate))
	b := audio.NewBuffer(0)
	for range 20 {
		b.Append(make([]float32, rate))
		if _, err := b.TrimToLast(lookback, rate); err != nil {
			t.Fatalf("TrimToLast: %v", err)
		}
		if b.Len() > limit {
			t.Fatalf("Len = %d exceeds %d", b.Len(), limit)
		}
	}
}

func TestBuffer_DrainThenTailWindowIsEmpty(t *testing.T) {
	b := audio.NewBuffer(0)
	b.Append(ramp(0, 1000))

	got, err := b.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 1000 {
		t.Fatalf("drained %d samples, want 1000", len(got))
	}
	for _, n := range []int{0, 1, 512, 1 << 20} {
		w, err := b.TailWindow(n)
		if err != nil {
			t.Fatalf("TailWindow(%d): %v", n, err)
		}
		if len(w) != 0 {
			t.Errorf("TailWindow(%d) after Drain = %d samples, want 0", n, len(w))
		}
	}
}

func TestBuffer_ReusableAfterDrain(t *testing.T) {
	b := audio.NewBuffer(0)
	b.Append(ramp(0, 10))
	first, _ := b.Drain()
	b.Append(ramp(100, 3))

	if first[0] != 0 {
		t.Errorf("drained slice mutated by later append: %v", first[0])
	}
	got, _ := b.TailWindow(10)
	want := []float32{100, 101, 102}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

// TestBuffer_ConcurrentAppendAndTrim checks that trimming only ever removes a
// prefix: whatever survives must be a contiguous run ending at the newest
// appended sample.
func TestBuffer_ConcurrentAppendAndTrim(t *testing.T) {
	const (
		chunks    = 400
		chunkSize = 64
		rate      = 100
	)
	b := audio.NewBuffer(0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range chunks {
			b.Append(ramp(i*chunkSize, chunkSize))
		}
	}()
	go func() {
		defer wg.Done()
		for range chunks {
			if _, err := b.TrimToLast(3, rate); err != nil {
				t.Errorf("TrimToLast: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	rest, err := b.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(rest) == 0 {
		t.Fatal("buffer unexpectedly empty")
	}
	last := float32(chunks*chunkSize - 1)
	if rest[len(rest)-1] != last {
		t.Fatalf("newest sample = %v, want %v", rest[len(rest)-1], last)
	}
	for i := 1; i < len(rest); i++ {
		if rest[i] != rest[i-1]+1 {
			t.Fatalf("gap at %d: %v then %v", i, rest[i-1], rest[i])
		}
	}
}

func TestBuffer_ErrPoisonedIsDistinct(t *testing.T) {
	if errors.Is(audio.ErrPoisoned, errors.New("x")) {
		t.Fatal("ErrPoisoned compares equal to an unrelated error")
	}
}
