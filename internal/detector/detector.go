// Package detector implements the speech-boundary detector: a polled loop
// that scores the tail of a live sample buffer with a voice classifier and
// drives a four-state hysteresis machine until the end of an utterance.
//
// One poll reads the trailing window, classifies it and applies
// [Transition]. While Idle the buffer is capped to the lookback duration so
// silence never grows it without bound. On the first arrival at [Ended] the
// detector closes its Done channel and stops polling.
//
// [Detector.Poll] runs exactly one iteration and is what tests drive.
// [Detector.Run] calls Poll on a ticker until Ended, an error, or context
// cancellation.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/provider/vad"
)

// ErrClassifierUnavailable wraps any error returned by the classifier. The
// session cannot continue without it.
var ErrClassifierUnavailable = errors.New("detector: classifier unavailable")

// Default parameters.
const (
	DefaultPollInterval    = time.Second
	DefaultWindowSize      = 512
	DefaultThreshold       = 0.75
	DefaultLookbackSeconds = 5.0
)

// Config holds the detector parameters. It is fixed for the lifetime of a
// Detector.
type Config struct {
	// PollInterval is the time between classifier polls.
	PollInterval time.Duration

	// WindowSize is the number of trailing samples submitted per poll.
	WindowSize int

	// Threshold is the probability at or above which a window counts as
	// speech.
	Threshold float64

	// LookbackSeconds is how much history is kept while Idle, so the start of
	// an utterance is not cut off.
	LookbackSeconds float64

	// SampleRate is the negotiated capture rate of the buffer contents.
	SampleRate int
}

// DefaultConfig returns a Config with the default parameters and the given
// sample rate.
func DefaultConfig(sampleRate int) Config {
	return Config{
		PollInterval:    DefaultPollInterval,
		WindowSize:      DefaultWindowSize,
		Threshold:       DefaultThreshold,
		LookbackSeconds: DefaultLookbackSeconds,
		SampleRate:      sampleRate,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("detector: poll interval must be positive, got %s", c.PollInterval))
	}
	if c.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("detector: window size must be positive, got %d", c.WindowSize))
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("detector: threshold must be in [0,1], got %g", c.Threshold))
	}
	if c.LookbackSeconds < 0 {
		errs = append(errs, fmt.Errorf("detector: lookback must not be negative, got %g", c.LookbackSeconds))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("detector: sample rate must be positive, got %d", c.SampleRate))
	}
	return errors.Join(errs...)
}

// LookbackSamples returns ceil(LookbackSeconds*SampleRate), the most samples
// an Idle buffer holds after a trim.
func (c Config) LookbackSamples() int {
	return audio.CeilSamples(c.LookbackSeconds, c.SampleRate)
}

// Snapshot is the detector status after one poll.
type Snapshot struct {
	Poll            int     `json:"poll"`
	State           State   `json:"state"`
	Probability     float64 `json:"probability"`
	BufferedSeconds float64 `json:"buffered_seconds"`
	Trimmed         int     `json:"trimmed"`
}

// Observer receives a Snapshot after every poll, on the polling goroutine.
// It must not block.
type Observer func(Snapshot)

// Option configures a Detector.
type Option func(*Detector)

// WithMetrics records poll metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Detector) {
		d.metrics = m
	}
}

// WithObserver registers fn to receive every Snapshot.
func WithObserver(fn Observer) Option {
	return func(d *Detector) {
		d.observer = fn
	}
}

// Detector is a single-use speech-boundary detector. Poll and Run must be
// driven from one goroutine; State and Done are safe from any goroutine.
type Detector struct {
	cfg        Config
	buf        *audio.Buffer
	classifier vad.Classifier
	metrics    *observe.Metrics
	observer   Observer

	state    atomic.Int32
	polls    int
	done     chan struct{}
	doneOnce sync.Once
}

// New returns a Detector reading from buf and scoring with classifier.
func New(cfg Config, buf *audio.Buffer, classifier vad.Classifier, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, errors.New("detector: buffer must not be nil")
	}
	if classifier == nil {
		return nil, errors.New("detector: classifier must not be nil")
	}
	d := &Detector{
		cfg:        cfg,
		buf:        buf,
		classifier: classifier,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// State returns the current state.
func (d *Detector) State() State {
	return State(d.state.Load())
}

// Done is closed exactly once, when the detector first reaches Ended.
func (d *Detector) Done() <-chan struct{} {
	return d.done
}

// Poll runs one detector iteration. Once Ended, Poll is a no-op that returns
// the terminal snapshot. Errors from the classifier wrap
// [ErrClassifierUnavailable]; a poisoned buffer yields [audio.ErrPoisoned].
func (d *Detector) Poll(ctx context.Context) (Snapshot, error) {
	cur := d.State()
	if cur.Terminal() {
		return Snapshot{Poll: d.polls, State: cur, BufferedSeconds: d.bufferedSeconds()}, nil
	}

	window, err := d.buf.TailWindow(d.cfg.WindowSize)
	if err != nil {
		return Snapshot{}, fmt.Errorf("detector: read window: %w", err)
	}
	p, err := d.classifier.Classify(window)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrClassifierUnavailable, err)
	}
	p = vad.Clamp(p)

	next, trim := Transition(cur, p >= d.cfg.Threshold)
	trimmed := 0
	if trim {
		if trimmed, err = d.buf.TrimToLast(d.cfg.LookbackSeconds, d.cfg.SampleRate); err != nil {
			return Snapshot{}, fmt.Errorf("detector: trim: %w", err)
		}
	}
	d.polls++
	d.state.Store(int32(next))

	snap := Snapshot{
		Poll:            d.polls,
		State:           next,
		Probability:     p,
		BufferedSeconds: d.bufferedSeconds(),
		Trimmed:         trimmed,
	}
	if d.metrics != nil {
		d.metrics.RecordPoll(ctx, next.String(), p, trimmed)
	}
	if d.observer != nil {
		d.observer(snap)
	}
	if next.Terminal() {
		d.doneOnce.Do(func() { close(d.done) })
	}
	return snap, nil
}

// Run polls immediately and then once per PollInterval until the detector
// reaches Ended (returns nil), Poll fails (returns that error) or ctx is
// cancelled (returns ctx.Err()).
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.Poll(ctx); err != nil {
			return err
		}
		if d.State().Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Detector) bufferedSeconds() float64 {
	return float64(d.buf.Len()) / float64(d.cfg.SampleRate)
}
