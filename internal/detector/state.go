package detector

import "fmt"

// State is the position of the detector in the hysteresis machine.
//
// The machine only moves forward, with one exception: PossiblyEnded falls
// back to Speaking when speech resumes. Ended is terminal.
type State int

const (
	// Idle means no speech has been heard yet. While Idle the buffer is
	// trimmed to the lookback window.
	Idle State = iota

	// Speaking means the last poll was at or above the threshold.
	Speaking

	// PossiblyEnded means one sub-threshold poll followed speech.
	PossiblyEnded

	// Ended means two consecutive sub-threshold polls followed speech.
	Ended
)

// String returns the lowercase name of s.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Speaking:
		return "speaking"
	case PossiblyEnded:
		return "possibly_ended"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes s by name so snapshots read naturally as JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Idle, Speaking, PossiblyEnded, Ended} {
		if string(text) == st.String() {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("detector: unknown state %q", text)
}

// Terminal reports whether s accepts no further transitions.
func (s State) Terminal() bool {
	return s == Ended
}

// Transition applies one classifier result to s. voiced is true when the
// probability reached the threshold. trim is true when the caller must cap
// the buffer to the lookback window.
func Transition(s State, voiced bool) (next State, trim bool) {
	switch s {
	case Idle:
		if voiced {
			return Speaking, false
		}
		return Idle, true
	case Speaking:
		if voiced {
			return Speaking, false
		}
		return PossiblyEnded, false
	case PossiblyEnded:
		if voiced {
			return Speaking, false
		}
		return Ended, false
	case Ended:
		return Ended, false
	default:
		panic(fmt.Sprintf("detector: unknown state %d", int(s)))
	}
}
