package speech

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no synthesis backend is configured
var ErrUnavailable = errors.New("speech synthesis is not available")

// Profile is the fixed voice profile applied to every utterance
type Profile struct {
	Rate   float64 // 1.0 is normal speed
	Pitch  float64 // 1.0 is the voice's natural pitch
	Volume float64 // Linear gain in [0, 1]
}

// DefaultProfile returns the tutor voice profile
func DefaultProfile() Profile {
	return Profile{Rate: 0.9, Pitch: 1.0, Volume: 1.0}
}

// AudioChunk represents a chunk of audio ready for the client
type AudioChunk struct {
	Data       []byte // Encoded audio
	SampleRate int    // Sample rate in Hz
	Encoding   string // linear16 or mulaw
}

// Synthesizer turns text into PCM16LE mono audio
type Synthesizer interface {
	// Available reports whether the backend is configured
	Available() bool

	// SampleRate is the rate of the PCM handed to write
	SampleRate() int

	// Synthesize streams audio to write until done, failure, or ctx cancel
	Synthesize(ctx context.Context, text string, profile Profile, write func(pcm []byte) error) error
}

// Sink receives encoded audio for playback on the client
type Sink interface {
	WriteAudio(ctx context.Context, chunk AudioChunk) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, chunk AudioChunk) error

func (f SinkFunc) WriteAudio(ctx context.Context, chunk AudioChunk) error {
	return f(ctx, chunk)
}
