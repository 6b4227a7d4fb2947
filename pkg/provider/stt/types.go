package stt

import (
	"strings"
	"time"
)

// Segment is one recognised span of text.
type Segment struct {
	// Text is the transcribed speech content, trimmed of surrounding space.
	Text string

	// Start is the offset of the segment from the beginning of the utterance.
	Start time.Duration

	// End is the offset at which the segment ends. Zero if the provider does
	// not report timing.
	End time.Duration
}

// Join concatenates segment texts in order, separated by single spaces.
// Empty segments are skipped.
func Join(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
