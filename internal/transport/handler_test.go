package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brillia/voice-tutor/internal/audio"
	"github.com/brillia/voice-tutor/internal/capture"
	"github.com/brillia/voice-tutor/internal/config"
	"github.com/brillia/voice-tutor/internal/speech"
	"github.com/brillia/voice-tutor/internal/tutor"
)

type nopSession struct{}

func (nopSession) SendAudio([]byte) error { return nil }
func (nopSession) Close() error           { return nil }

type stubRecognizer struct {
	available bool
	mu        sync.Mutex
	handlers  []capture.Handler
}

func (r *stubRecognizer) Available() bool { return r.available }

func (r *stubRecognizer) Open(ctx context.Context, opts capture.Options, h capture.Handler) (capture.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
	return nopSession{}, nil
}

func (r *stubRecognizer) opened() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

func (r *stubRecognizer) say(text string) {
	r.mu.Lock()
	h := r.handlers[len(r.handlers)-1]
	r.mu.Unlock()
	h.OnResult(capture.Result{Text: text, IsFinal: true, EndOfUtterance: true})
}

type stubSynth struct{}

func (stubSynth) Available() bool { return true }
func (stubSynth) SampleRate() int { return 16000 }

func (stubSynth) Synthesize(ctx context.Context, text string, profile speech.Profile, write func([]byte) error) error {
	return write(audio.EncodePCM16([]int16{10, 20, 30, 40}))
}

type stubAPI struct {
	mu        sync.Mutex
	submitted []tutor.QuizSubmission
}

func (a *stubAPI) SendChat(ctx context.Context, req tutor.ChatRequest) (*tutor.ChatResponse, error) {
	return &tutor.ChatResponse{SessionID: "s1", Message: "You said " + req.Message}, nil
}

func (a *stubAPI) GenerateQuiz(ctx context.Context, req tutor.QuizRequest) (*tutor.Quiz, error) {
	return &tutor.Quiz{QuizID: "q1", Questions: []tutor.QuizQuestion{{Question: "a"}}}, nil
}

func (a *stubAPI) SubmitQuiz(ctx context.Context, sub tutor.QuizSubmission) (*tutor.SubmitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, sub)
	return &tutor.SubmitResult{Status: "success", Message: "Quiz attempt recorded"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		TutorAPIURL:          "http://tutor.invalid",
		ChatTimeout:          5,
		QuizQuestions:        5,
		SpeechRate:           0.9,
		SpeechPitch:          1,
		SpeechVolume:         1,
		MicSampleRate:        16000,
		MicEncoding:          audio.EncodingLinear16,
		OutputSampleRate:     16000,
		OutputEncoding:       audio.EncodingLinear16,
		LevelWindowSize:      256,
		LevelFrameRate:       60,
		VADEnergyThreshold:   500,
		NoSpeechTimeout:      8,
		MicGrantTimeout:      5,
		ReconnectMaxAttempts: 2,
		ReconnectBackoff:     1,
	}
}

type testServer struct {
	server *httptest.Server
	rec    *stubRecognizer
	api    *stubAPI
	store  *tutor.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		rec:   &stubRecognizer{available: true},
		api:   &stubAPI{},
		store: tutor.NewMemoryStore(),
	}
	h := NewHandler(testConfig(), Dependencies{
		Recognizer:  ts.rec,
		Synthesizer: stubSynth{},
		API:         ts.api,
		Store:       ts.store,
	})
	ts.server = httptest.NewServer(h)
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/voice?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil reads frames until match returns true for a text message
func readUntil(t *testing.T, conn *websocket.Conn, match func(ServerMessage) bool) (ServerMessage, int) {
	t.Helper()
	binary := 0
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt == websocket.BinaryMessage {
			binary++
			continue
		}
		var msg ServerMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg, binary
		}
	}
}

func phaseIs(phase string) func(ServerMessage) bool {
	return func(m ServerMessage) bool {
		return m.Type == TypeState && m.State != nil && m.State.Phase == phase
	}
}

func TestHandler_RequiresCourse(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.server.URL + "/voice")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_InitialState(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "course_id=c1&client_id=tab-1")

	msg, _ := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeState })
	require.NotNil(t, msg.State)
	assert.Equal(t, "idle", msg.State.Phase)
	assert.Equal(t, 16000, msg.OutputSampleRate)
	assert.Equal(t, audio.EncodingLinear16, msg.OutputEncoding)
}

func TestHandler_VoiceTurn(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "course_id=c1&client_id=tab-1")

	send(t, conn, ClientMessage{Type: TypeStart})
	req, _ := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeMicRequest })
	assert.Equal(t, 16000, req.SampleRate)
	assert.Equal(t, audio.EncodingLinear16, req.Encoding)

	send(t, conn, ClientMessage{Type: TypeMicGranted})
	readUntil(t, conn, phaseIs("listening"))
	require.Eventually(t, func() bool { return ts.rec.opened() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16(make([]int16, 320))))

	ts.rec.say("hello tutor")

	msg, _ := readUntil(t, conn, func(m ServerMessage) bool {
		return phaseIs("listening")(m) && len(m.State.Turns) == 2
	})
	assert.Equal(t, "hello tutor", msg.State.Turns[0].Content)
	assert.Equal(t, "You said hello tutor", msg.State.Turns[1].Content)

	id, err := ts.store.Get(context.Background(), tutor.SessionKey("tab-1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, "s1", id)

	send(t, conn, ClientMessage{Type: TypeEnd})
	readUntil(t, conn, func(m ServerMessage) bool {
		return phaseIs("idle")(m) && !m.State.Paused && len(m.State.Turns) == 2
	})
}

func TestHandler_DoubleStartKeepsOneMicrophone(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "course_id=c1&client_id=tab-2")

	send(t, conn, ClientMessage{Type: TypeStart})
	send(t, conn, ClientMessage{Type: TypeStart})
	readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeMicRequest })
	send(t, conn, ClientMessage{Type: TypeMicGranted})
	readUntil(t, conn, phaseIs("listening"))
	require.Eventually(t, func() bool { return ts.rec.opened() == 1 }, 2*time.Second, 5*time.Millisecond)

	ts.rec.say("are you listening")
	msg, _ := readUntil(t, conn, func(m ServerMessage) bool {
		return phaseIs("listening")(m) && len(m.State.Turns) == 2
	})
	assert.Equal(t, "You said are you listening", msg.State.Turns[1].Content)
	assert.Equal(t, 1, ts.rec.opened())
}

func TestHandler_MicDenied(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "course_id=c1")

	send(t, conn, ClientMessage{Type: TypeStart})
	readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeMicRequest })
	send(t, conn, ClientMessage{Type: TypeMicDenied})

	var status, errText string
	readUntil(t, conn, func(m ServerMessage) bool {
		if phaseIs("error")(m) {
			status = m.State.Status
		}
		if m.Type == TypeError {
			errText = m.Error
		}
		return status != "" && errText != ""
	})
	assert.Contains(t, status, "Microphone access denied")
	assert.Contains(t, errText, "microphone access denied")
	assert.Zero(t, ts.rec.opened())
}

func TestHandler_UnsupportedCapture(t *testing.T) {
	ts := newTestServer(t)
	ts.rec.available = false
	conn := ts.dial(t, "course_id=c1")

	send(t, conn, ClientMessage{Type: TypeStart})
	msg, _ := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeError })
	assert.Equal(t, "speech recognition is not supported", msg.Error)
}

func TestHandler_QuizSubmit(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "course_id=c1")

	send(t, conn, ClientMessage{
		Type:    TypeQuizSubmit,
		QuizID:  "q1",
		Answers: []tutor.QuizAnswer{{QuestionIndex: 0, SelectedAnswer: 1}},
	})

	msg, _ := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeQuizResult })
	require.NotNil(t, msg.Result)
	assert.Equal(t, "success", msg.Result.Status)

	ts.api.mu.Lock()
	defer ts.api.mu.Unlock()
	require.Len(t, ts.api.submitted, 1)
	assert.Equal(t, "c1", ts.api.submitted[0].CourseID)
	assert.Equal(t, "q1", ts.api.submitted[0].QuizID)
}

func TestHandler_UnknownMessage(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "course_id=c1")

	send(t, conn, ClientMessage{Type: "dance"})
	msg, _ := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == TypeError })
	assert.Contains(t, msg.Error, "dance")
}

func TestRemoteMicrophone(t *testing.T) {
	requests := make(chan int, 1)
	mic := newRemoteMicrophone(16000, audio.EncodingLinear16, time.Second, func(rate int) error {
		requests <- rate
		return nil
	})

	assert.False(t, mic.answer(true), "no request pending")

	go func() {
		<-requests
		mic.answer(true)
	}()
	stream, err := mic.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16000, stream.SampleRate())

	frames, unsubscribe := stream.Subscribe(1)
	defer unsubscribe()
	require.NoError(t, mic.write(audio.EncodePCM16([]int16{7})))
	assert.Equal(t, []int16{7}, <-frames)

	mic.close()
	assert.True(t, stream.Released())
	assert.ErrorIs(t, mic.write([]byte{0, 0}), audio.ErrStreamReleased)
}

func TestRemoteMicrophone_Timeout(t *testing.T) {
	mic := newRemoteMicrophone(16000, audio.EncodingLinear16, 20*time.Millisecond, func(int) error { return nil })
	_, err := mic.Acquire(context.Background())
	assert.ErrorIs(t, err, errMicTimeout)
}

func TestRemoteMicrophone_Mulaw(t *testing.T) {
	mic := newRemoteMicrophone(8000, audio.EncodingMulaw, time.Second, func(int) error { return nil })
	go func() {
		for !mic.answer(true) {
			time.Sleep(time.Millisecond)
		}
	}()
	stream, err := mic.Acquire(context.Background())
	require.NoError(t, err)
	defer mic.close()

	frames, unsubscribe := stream.Subscribe(1)
	defer unsubscribe()
	// 0xFF is mu-law silence
	require.NoError(t, mic.write([]byte{0xFF, 0xFF}))
	assert.Equal(t, []int16{0, 0}, <-frames)
}
