package voice

import (
	"time"

	"github.com/brillia/voice-tutor/internal/capture"
	"github.com/brillia/voice-tutor/internal/tutor"
)

// Event is an input to Transition
type Event interface {
	eventName() string
}

// Start begins a session. The controller sends it once the microphone is held.
type Start struct{}

// Pause stops listening but keeps the microphone
type Pause struct{}

// Resume restarts listening after Pause
type Resume struct{}

// End tears the session down
type End struct{}

// Interim carries a provisional transcript
type Interim struct {
	Text string
	Gen  uint64
}

// Final carries a finalized utterance
type Final struct {
	Text string
	Gen  uint64
	At   time.Time
}

// CaptureEnded reports that the recognizer closed on its own
type CaptureEnded struct {
	Gen uint64
}

// CaptureError reports a recognizer error
type CaptureError struct {
	Code capture.ErrorCode
	Gen  uint64
}

// CaptureFailed reports that starting capture failed after all retries
type CaptureFailed struct {
	Seq uint64
	Err string
}

// ChatDone reports the outcome of the exchange started with SendChat
type ChatDone struct {
	Seq     uint64
	Outcome ChatOutcome
	At      time.Time
}

// SpeechDone reports that an utterance finished, failed or was cancelled
type SpeechDone struct {
	Seq uint64
}

// Level carries a normalized microphone loudness sample
type Level struct {
	Value float64
}

// MicDenied reports that the client refused microphone access
type MicDenied struct{}

func (Start) eventName() string         { return "start" }
func (Pause) eventName() string         { return "pause" }
func (Resume) eventName() string        { return "resume" }
func (End) eventName() string           { return "end" }
func (Interim) eventName() string       { return "interim" }
func (Final) eventName() string         { return "final" }
func (CaptureEnded) eventName() string  { return "capture_ended" }
func (CaptureError) eventName() string  { return "capture_error" }
func (CaptureFailed) eventName() string { return "capture_failed" }
func (ChatDone) eventName() string      { return "chat_done" }
func (SpeechDone) eventName() string    { return "speech_done" }
func (Level) eventName() string         { return "level" }
func (MicDenied) eventName() string     { return "mic_denied" }

// Effect is a side effect requested by Transition
type Effect interface {
	effectName() string
}

// StartCapture opens recognition; Restart marks self-healing restarts
type StartCapture struct {
	Seq     uint64
	Restart bool
}

type StopCapture struct{}
type PauseCapture struct{}
type ResumeCapture struct{}
type StartLevelMonitor struct{}
type StopLevelMonitor struct{}
type CancelChat struct{}
type CancelSpeech struct{}
type ReleaseMicrophone struct{}

// SendChat forwards an utterance to the conversation session
type SendChat struct {
	Seq  uint64
	Text string
}

// Speak plays text through speech output
type Speak struct {
	Seq  uint64
	Text string
}

// PresentQuiz hands a generated quiz to the client
type PresentQuiz struct {
	Quiz *tutor.Quiz
}

func (StartCapture) effectName() string      { return "start_capture" }
func (StopCapture) effectName() string       { return "stop_capture" }
func (PauseCapture) effectName() string      { return "pause_capture" }
func (ResumeCapture) effectName() string     { return "resume_capture" }
func (StartLevelMonitor) effectName() string { return "start_level_monitor" }
func (StopLevelMonitor) effectName() string  { return "stop_level_monitor" }
func (CancelChat) effectName() string        { return "cancel_chat" }
func (CancelSpeech) effectName() string      { return "cancel_speech" }
func (ReleaseMicrophone) effectName() string { return "release_microphone" }
func (SendChat) effectName() string          { return "send_chat" }
func (Speak) effectName() string             { return "speak" }
func (PresentQuiz) effectName() string       { return "present_quiz" }
