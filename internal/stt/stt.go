package stt

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no provider could produce a transcript
// for a chunk. Callers must treat it as a hard failure, never as an empty
// transcript.
var ErrUnavailable = errors.New("transcription unavailable")

// Segment is one timed span of transcribed speech. Times are in seconds,
// relative to the start of the submitted audio.
type Segment struct {
	Start      float64
	End        float64
	Text       string
	Confidence float64 // 0-1
}

// Result is a completed transcription of one audio chunk.
type Result struct {
	Text         string
	Segments     []Segment
	Provider     string // name of the provider that produced the result
	FallbackUsed bool   // true when the secondary provider produced it
}

// MinConfidence returns the lowest segment confidence, or 1 for a result
// with no segments.
func (r Result) MinConfidence() float64 {
	lowest := 1.0
	for _, seg := range r.Segments {
		if seg.Confidence < lowest {
			lowest = seg.Confidence
		}
	}
	return lowest
}

// Provider defines the interface for speech-to-text providers.
type Provider interface {
	// Name identifies the provider in logs and stored segments.
	Name() string

	// Transcribe converts a complete audio chunk into a transcript.
	// Implementations honor ctx cancellation and deadlines.
	Transcribe(ctx context.Context, audio []byte) (Result, error)
}
