package voice

import (
	"time"

	"github.com/brillia/voice-tutor/internal/tutor"
)

// Phase is the coarse voice session state
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseProcessing
	PhaseSpeaking
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseProcessing:
		return "processing"
	case PhaseSpeaking:
		return "speaking"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Status lines shown to the user
const (
	StatusReady         = `Click "Start a conversation" to begin`
	StatusListening     = "Listening... Speak now!"
	StatusListeningNext = "Listening... Speak your next question!"
	StatusProcessing    = "Processing your question..."
	StatusSpeaking      = "Speaking..."
	StatusPaused        = "Microphone paused"
	StatusNoSpeech      = "No speech detected. Try speaking again."
	StatusDenied        = "Microphone access denied. Please allow microphone access."
	StatusTimedOut      = "The tutor took too long to answer. Please try again."
	StatusEnded         = `Voice chat ended. Click "Start a conversation" to begin again.`
)

// Role identifies who produced a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the conversation history. Turns are append-only.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	KeyTopics []string  `json:"key_topics,omitempty"`
	Sources   []string  `json:"sources,omitempty"`
	At        time.Time `json:"at"`
}

// State is owned by a Controller and only changed by Transition
type State struct {
	Phase      Phase
	Paused     bool
	Transcript string
	AudioLevel float64
	LastError  string
	Status     string
	Turns      []Turn

	// Pending holds finalized utterances waiting for the current exchange
	Pending []string

	// Active is set while the microphone is held
	Active bool

	// ChatSeq and SpeechSeq identify the in-flight chat call and utterance;
	// zero means none.
	ChatSeq   uint64
	SpeechSeq uint64

	// CaptureSeq identifies the latest capture start request
	CaptureSeq uint64

	// CaptureGen is the newest recognizer generation seen
	CaptureGen uint64

	// CaptureStale is set when recognition ended while output was playing
	CaptureStale bool

	Seq uint64
}

// NewState returns the initial idle state
func NewState() State {
	return State{Phase: PhaseIdle, Status: StatusReady}
}

// Listening reports whether capture is being processed
func (s State) Listening() bool {
	return s.Phase == PhaseListening
}

// Speaking reports whether speech output is playing
func (s State) Speaking() bool {
	return s.Phase == PhaseSpeaking
}

// Snapshot is the client-facing view of a State
type Snapshot struct {
	Phase      string  `json:"phase"`
	Paused     bool    `json:"paused"`
	Transcript string  `json:"transcript"`
	AudioLevel float64 `json:"audio_level"`
	LastError  string  `json:"last_error,omitempty"`
	Status     string  `json:"status"`
	Turns      []Turn  `json:"turns"`
	Pending    int     `json:"pending"`
}

// Snapshot copies the client-facing fields
func (s State) Snapshot() Snapshot {
	turns := make([]Turn, len(s.Turns))
	copy(turns, s.Turns)
	return Snapshot{
		Phase:      s.Phase.String(),
		Paused:     s.Paused,
		Transcript: s.Transcript,
		AudioLevel: s.AudioLevel,
		LastError:  s.LastError,
		Status:     s.Status,
		Turns:      turns,
		Pending:    len(s.Pending),
	}
}

// ChatOutcome is the result of one conversation exchange
type ChatOutcome struct {
	Text      string
	KeyTopics []string
	Sources   []string
	Quiz      *tutor.Quiz
	Failed    bool
	TimedOut  bool
}
