package capture

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no recognizer backend is configured
var ErrUnavailable = errors.New("speech recognition is not available")

// ErrorCode classifies recognition failures
type ErrorCode string

const (
	// NoSpeech is informational: the user stayed silent for too long
	NoSpeech ErrorCode = "no-speech"
	// PermissionDenied is fatal for the voice session
	PermissionDenied ErrorCode = "not-allowed"
	// Network is reported when the recognizer connection fails
	Network ErrorCode = "network"
)

// EventKind identifies a capture event
type EventKind int

const (
	EventInterim EventKind = iota
	EventFinal
	EventEnded
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered by the Adapter to its owner. Generation identifies the
// recognition session that produced it so stale events can be dropped.
type Event struct {
	Kind       EventKind
	Text       string
	Code       ErrorCode
	Err        error
	Generation uint64
}

// Result is a raw recognizer segment
type Result struct {
	// Text is the segment transcript
	Text string

	// IsFinal means the segment will not be revised
	IsFinal bool

	// EndOfUtterance means the speaker finished; pending finals form one utterance
	EndOfUtterance bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64
}

// Options configure a recognition session
type Options struct {
	Language   string
	SampleRate int
}

// Handler receives callbacks from a recognition session. Callbacks may run
// on recognizer-owned goroutines.
type Handler struct {
	OnResult func(Result)
	OnError  func(code ErrorCode, err error)
	// OnClosed is called once when the backend ends the session on its own
	OnClosed func(err error)
}

// Recognizer opens continuous, interim-enabled streaming recognition sessions
type Recognizer interface {
	// Available reports whether the backend is configured
	Available() bool

	// Open starts a session. Audio is PCM16LE mono at opts.SampleRate.
	Open(ctx context.Context, opts Options, h Handler) (Session, error)
}

// Session is one live recognition stream
type Session interface {
	SendAudio(pcm []byte) error

	// Close ends the session without triggering Handler.OnClosed
	Close() error
}
