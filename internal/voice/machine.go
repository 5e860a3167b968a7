package voice

import (
	"fmt"

	"github.com/brillia/voice-tutor/internal/capture"
)

// Transition computes the next state and the effects to run. It never
// mutates s and performs no I/O.
func Transition(s State, ev Event) (State, []Effect) {
	if s.Phase == PhaseError {
		switch ev.(type) {
		case Start, End:
		default:
			return s, nil
		}
	}

	switch e := ev.(type) {
	case Start:
		return onStart(s)
	case Pause:
		return onPause(s)
	case Resume:
		return onResume(s)
	case End:
		return onEnd(s)
	case MicDenied:
		return fail(s, StatusDenied, StatusDenied)
	case Interim:
		return onInterim(s, e)
	case Final:
		return onFinal(s, e)
	case CaptureEnded:
		return onCaptureEnded(s, e)
	case CaptureError:
		return onCaptureError(s, e)
	case CaptureFailed:
		if !s.capturing() || e.Seq != s.CaptureSeq {
			return s, nil
		}
		return fail(s, e.Err, fmt.Sprintf("Error: %s", capture.Network))
	case ChatDone:
		return onChatDone(s, e)
	case SpeechDone:
		return onSpeechDone(s, e)
	case Level:
		if !s.capturing() {
			return s, nil
		}
		s.AudioLevel = clampLevel(e.Value)
		return s, nil
	}
	return s, nil
}

// capturing reports whether a session is live and not paused
func (s State) capturing() bool {
	switch s.Phase {
	case PhaseListening, PhaseProcessing, PhaseSpeaking:
		return !s.Paused
	}
	return false
}

func (s State) next() (State, uint64) {
	s.Seq++
	return s, s.Seq
}

func (s State) startCapture(restart bool) (State, Effect) {
	s, seq := s.next()
	s.CaptureSeq = seq
	s.CaptureStale = false
	return s, StartCapture{Seq: seq, Restart: restart}
}

func onStart(s State) (State, []Effect) {
	if s.Phase == PhaseIdle && s.Paused {
		return onResume(s)
	}
	if s.Phase != PhaseIdle && s.Phase != PhaseError {
		return s, nil
	}

	s.Phase = PhaseListening
	s.Paused = false
	s.Active = true
	s.Transcript = ""
	s.AudioLevel = 0
	s.LastError = ""
	s.Status = StatusListening
	s.Pending = nil
	s.ChatSeq = 0
	s.SpeechSeq = 0

	s, start := s.startCapture(false)
	return s, []Effect{start, StartLevelMonitor{}}
}

func onPause(s State) (State, []Effect) {
	if !s.capturing() {
		return s, nil
	}

	s.Phase = PhaseIdle
	s.Paused = true
	s.Transcript = ""
	s.AudioLevel = 0
	s.Status = StatusPaused
	s.Pending = nil
	s.ChatSeq = 0
	s.SpeechSeq = 0
	s.CaptureSeq = 0
	s.CaptureStale = false

	return s, []Effect{StopCapture{}, StopLevelMonitor{}, CancelChat{}, CancelSpeech{}}
}

func onResume(s State) (State, []Effect) {
	if s.Phase != PhaseIdle || !s.Paused {
		return s, nil
	}

	s.Phase = PhaseListening
	s.Paused = false
	s.Status = StatusListening

	s, start := s.startCapture(false)
	return s, []Effect{start, StartLevelMonitor{}}
}

func onEnd(s State) (State, []Effect) {
	if s.Phase == PhaseIdle && !s.Paused && !s.Active {
		return s, nil
	}

	s = s.released()
	s.Phase = PhaseIdle
	s.LastError = ""
	s.Status = StatusEnded

	return s, releaseAll()
}

// fail moves to the error phase and releases every resource
func fail(s State, lastErr, status string) (State, []Effect) {
	if s.Phase == PhaseError {
		return s, nil
	}
	s = s.released()
	s.Phase = PhaseError
	s.LastError = lastErr
	s.Status = status
	return s, releaseAll()
}

func (s State) released() State {
	s.Paused = false
	s.Active = false
	s.Transcript = ""
	s.AudioLevel = 0
	s.Pending = nil
	s.ChatSeq = 0
	s.SpeechSeq = 0
	s.CaptureSeq = 0
	s.CaptureStale = false
	return s
}

func releaseAll() []Effect {
	return []Effect{StopCapture{}, CancelChat{}, CancelSpeech{}, StopLevelMonitor{}, ReleaseMicrophone{}}
}

// acceptGen drops events from recognizer generations older than the newest seen
func (s State) acceptGen(gen uint64) (State, bool) {
	if gen < s.CaptureGen {
		return s, false
	}
	s.CaptureGen = gen
	return s, true
}

func onInterim(s State, e Interim) (State, []Effect) {
	if s.Phase != PhaseListening && s.Phase != PhaseProcessing || s.Paused {
		return s, nil
	}
	s, ok := s.acceptGen(e.Gen)
	if !ok {
		return s, nil
	}
	s.Transcript = e.Text
	return s, nil
}

func onFinal(s State, e Final) (State, []Effect) {
	if !s.capturing() || e.Text == "" {
		return s, nil
	}
	s, ok := s.acceptGen(e.Gen)
	if !ok {
		return s, nil
	}

	s.Transcript = ""
	s.Turns = appendTurn(s.Turns, Turn{Role: RoleUser, Content: e.Text, At: e.At})

	if s.Phase != PhaseListening {
		s.Pending = appendPending(s.Pending, e.Text)
		return s, nil
	}
	return s.sendChat(e.Text)
}

func (s State) sendChat(text string) (State, []Effect) {
	s, seq := s.next()
	s.Phase = PhaseProcessing
	s.ChatSeq = seq
	s.Status = StatusProcessing
	return s, []Effect{SendChat{Seq: seq, Text: text}}
}

// sendPending starts the next queued exchange, if any
func (s State) sendPending(effects []Effect) (State, []Effect) {
	if len(s.Pending) == 0 {
		return s, effects
	}
	text := s.Pending[0]
	s.Pending = s.Pending[1:]
	if len(s.Pending) == 0 {
		s.Pending = nil
	}
	s, more := s.sendChat(text)
	return s, append(effects, more...)
}

func onChatDone(s State, e ChatDone) (State, []Effect) {
	if s.Phase != PhaseProcessing || s.ChatSeq == 0 || e.Seq != s.ChatSeq {
		return s, nil
	}
	s.ChatSeq = 0
	out := e.Outcome

	if out.TimedOut {
		s.Phase = PhaseListening
		s.LastError = "chat request timed out"
		s.Status = StatusTimedOut
		return s.sendPending(nil)
	}

	s.Turns = appendTurn(s.Turns, Turn{
		Role:      RoleAssistant,
		Content:   out.Text,
		KeyTopics: out.KeyTopics,
		Sources:   out.Sources,
		At:        e.At,
	})
	if out.Failed {
		s.LastError = "chat request failed"
	} else {
		s.LastError = ""
	}

	s, seq := s.next()
	s.Phase = PhaseSpeaking
	s.SpeechSeq = seq
	s.Transcript = ""
	s.Status = StatusSpeaking

	effects := []Effect{PauseCapture{}, Speak{Seq: seq, Text: out.Text}}
	if out.Quiz != nil {
		effects = append(effects, PresentQuiz{Quiz: out.Quiz})
	}
	return s, effects
}

func onSpeechDone(s State, e SpeechDone) (State, []Effect) {
	if s.Phase != PhaseSpeaking || s.SpeechSeq == 0 || e.Seq != s.SpeechSeq {
		return s, nil
	}
	s.SpeechSeq = 0
	s.Phase = PhaseListening
	s.Status = StatusListeningNext

	var effects []Effect
	if s.CaptureStale {
		var start Effect
		s, start = s.startCapture(true)
		effects = append(effects, start)
	} else {
		effects = append(effects, ResumeCapture{})
	}
	return s.sendPending(effects)
}

func onCaptureEnded(s State, e CaptureEnded) (State, []Effect) {
	if !s.capturing() {
		return s, nil
	}
	s, ok := s.acceptGen(e.Gen)
	if !ok {
		return s, nil
	}

	if s.Phase == PhaseSpeaking {
		s.CaptureStale = true
		return s, nil
	}
	s.Transcript = ""
	s, start := s.startCapture(true)
	return s, []Effect{start}
}

func onCaptureError(s State, e CaptureError) (State, []Effect) {
	if !s.capturing() {
		return s, nil
	}
	s, ok := s.acceptGen(e.Gen)
	if !ok {
		return s, nil
	}

	switch e.Code {
	case capture.PermissionDenied:
		return fail(s, StatusDenied, StatusDenied)
	case capture.NoSpeech:
		if s.Phase == PhaseSpeaking {
			return s, nil
		}
		s.Status = StatusNoSpeech
		return s, nil
	default:
		s.LastError = string(e.Code)
		s.Status = fmt.Sprintf("Error: %s", e.Code)
		return s, nil
	}
}

func appendTurn(turns []Turn, t Turn) []Turn {
	out := make([]Turn, len(turns), len(turns)+1)
	copy(out, turns)
	return append(out, t)
}

func appendPending(pending []string, text string) []string {
	out := make([]string, len(pending), len(pending)+1)
	copy(out, pending)
	return append(out, text)
}

func clampLevel(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
