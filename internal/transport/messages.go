package transport

import (
	"github.com/brillia/voice-tutor/internal/tutor"
	"github.com/brillia/voice-tutor/internal/voice"
)

// Client to server control messages
const (
	TypeStart      = "start"
	TypePause      = "pause"
	TypeResume     = "resume"
	TypeEnd        = "end"
	TypeMicGranted = "mic_granted"
	TypeMicDenied  = "mic_denied"
	TypeQuizSubmit = "quiz_submit"
)

// Server to client messages
const (
	TypeState      = "state"
	TypeMicRequest = "mic_request"
	TypeQuiz       = "quiz"
	TypeQuizResult = "quiz_result"
	TypeError      = "error"
)

// ClientMessage is a text frame sent by the client. Binary frames carry
// mono microphone audio in the encoding announced by mic_request.
type ClientMessage struct {
	Type    string             `json:"type"`
	QuizID  string             `json:"quiz_id,omitempty"`
	Topic   *string            `json:"topic,omitempty"`
	Answers []tutor.QuizAnswer `json:"answers,omitempty"`
}

// ServerMessage is a text frame sent to the client
type ServerMessage struct {
	Type  string          `json:"type"`
	State *voice.Snapshot `json:"state,omitempty"`
	Quiz  *tutor.Quiz     `json:"quiz,omitempty"`

	Result *tutor.SubmitResult `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`

	// mic_request: format the client must stream
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`

	// state on connect: format of binary speech frames
	OutputSampleRate int    `json:"output_sample_rate,omitempty"`
	OutputEncoding   string `json:"output_encoding,omitempty"`
}
