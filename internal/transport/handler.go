package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/brillia/voice-tutor/internal/audio"
	"github.com/brillia/voice-tutor/internal/capture"
	"github.com/brillia/voice-tutor/internal/config"
	"github.com/brillia/voice-tutor/internal/observability"
	"github.com/brillia/voice-tutor/internal/resilience"
	"github.com/brillia/voice-tutor/internal/speech"
	"github.com/brillia/voice-tutor/internal/tutor"
	"github.com/brillia/voice-tutor/internal/voice"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Dependencies are shared by every voice connection
type Dependencies struct {
	Recognizer  capture.Recognizer
	Synthesizer speech.Synthesizer
	API         tutor.API
	Store       tutor.SessionStore
}

// Handler upgrades /voice requests and runs one voice session per connection
type Handler struct {
	cfg      *config.Config
	deps     Dependencies
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates the WebSocket handler
func NewHandler(cfg *config.Config, deps Dependencies) *Handler {
	return &Handler{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			// Browser clients are served from the dashboard origin; auth is the backend's job
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: observability.Component("transport"),
	}
}

// ServeHTTP handles GET /voice?course_id=...&client_id=...&student_id=...
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	courseID := query.Get("course_id")
	if courseID == "" {
		http.Error(w, "course_id is required", http.StatusBadRequest)
		return
	}
	clientID := query.Get("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	s := h.newSession(conn, courseID, clientID, query.Get("student_id"))
	s.run()
}

type outbound struct {
	messageType int
	data        []byte
}

// session is one voice connection
type session struct {
	conn         *websocket.Conn
	conversation *tutor.Session
	controller   *voice.Controller
	mic          *remoteMicrophone
	metrics      *observability.Metrics
	logger       zerolog.Logger

	outputRate     int
	outputEncoding string

	outbound chan outbound
	done     chan struct{}
	wg       sync.WaitGroup
}

func (h *Handler) newSession(conn *websocket.Conn, courseID, clientID, studentID string) *session {
	correlationID := observability.NewCorrelationID()
	logger := observability.SessionLogger(correlationID, courseID, clientID)
	metrics := observability.NewSessionMetrics(correlationID)

	s := &session{
		conn:           conn,
		metrics:        metrics,
		logger:         logger,
		outputRate:     h.cfg.OutputSampleRate,
		outputEncoding: h.cfg.OutputEncoding,
		outbound:       make(chan outbound, 256),
		done:           make(chan struct{}),
	}

	s.conversation = tutor.NewSession(h.deps.API, h.deps.Store, tutor.SessionOptions{
		ClientID:      clientID,
		CourseID:      courseID,
		StudentID:     studentID,
		QuizQuestions: h.cfg.QuizQuestions,
	})

	s.mic = newRemoteMicrophone(
		h.cfg.MicSampleRate,
		h.cfg.MicEncoding,
		time.Duration(h.cfg.MicGrantTimeout)*time.Second,
		func(rate int) error {
			return s.sendJSON(ServerMessage{Type: TypeMicRequest, SampleRate: rate, Encoding: h.cfg.MicEncoding})
		},
	)

	vad := audio.DefaultVADConfig()
	vad.EnergyThreshold = h.cfg.VADEnergyThreshold
	vad.NoSpeechAfter = h.cfg.NoSpeechDuration()

	level := audio.DefaultLevelConfig()
	level.WindowSize = h.cfg.LevelWindowSize
	level.FrameRate = h.cfg.LevelFrameRate

	s.controller = voice.NewController(voice.Options{
		Recognizer:   h.deps.Recognizer,
		Synthesizer:  h.deps.Synthesizer,
		Sink:         speech.SinkFunc(s.writeAudio),
		Microphone:   s.mic,
		Conversation: s.conversation,
		Capture:      capture.Options{Language: h.cfg.DeepgramLanguage},
		VAD:          vad,
		Level:        level,
		Profile: speech.Profile{
			Rate:   h.cfg.SpeechRate,
			Pitch:  h.cfg.SpeechPitch,
			Volume: h.cfg.SpeechVolume,
		},
		OutputSampleRate: h.cfg.OutputSampleRate,
		OutputEncoding:   h.cfg.OutputEncoding,
		ChatTimeout:      h.cfg.ChatTimeoutDuration(),
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: h.cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(h.cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  10 * time.Second,
		},
		Metrics: metrics,
		Logger:  &logger,
		OnState: func(snap voice.Snapshot) {
			s.trySendJSON(ServerMessage{Type: TypeState, State: &snap})
		},
		OnQuiz: func(q *tutor.Quiz) {
			s.trySendJSON(ServerMessage{Type: TypeQuiz, Quiz: q})
		},
	})

	return s
}

func (s *session) run() {
	s.logger.Info().Msg("Voice connection established")

	s.wg.Add(1)
	go s.processOutgoing()

	snap := s.controller.Snapshot()
	s.trySendJSON(ServerMessage{
		Type:             TypeState,
		State:            &snap,
		OutputSampleRate: s.outputRate,
		OutputEncoding:   s.outputEncoding,
	})

	s.processIncoming()

	s.mic.close()
	s.controller.Close()
	close(s.done)
	s.wg.Wait()

	s.logger.Info().Msg("Voice connection closed")
}

// processIncoming reads frames until the client disconnects
func (s *session) processIncoming() {
	s.conn.SetReadLimit(1 << 20)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.metrics.RecordAudioBytes("in", int64(len(data)))
			if err := s.mic.write(data); err != nil && !errors.Is(err, audio.ErrStreamReleased) {
				s.logger.Debug().Err(err).Msg("Dropped microphone frame")
			}

		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to parse client message")
				s.trySendJSON(ServerMessage{Type: TypeError, Error: "invalid message"})
				continue
			}
			s.handleMessage(msg)
		}
	}
}

func (s *session) handleMessage(msg ClientMessage) {
	var err error
	switch msg.Type {
	case TypeStart:
		// Start blocks until the client answers mic_request
		go s.start()
	case TypePause:
		err = s.controller.Pause()
	case TypeResume:
		err = s.controller.Resume()
	case TypeEnd:
		err = s.controller.End()
	case TypeMicGranted, TypeMicDenied:
		if !s.mic.answer(msg.Type == TypeMicGranted) {
			s.logger.Debug().Str("type", msg.Type).Msg("Unsolicited microphone answer")
		}
	case TypeQuizSubmit:
		go s.submitQuiz(msg)
	default:
		s.logger.Warn().Str("type", msg.Type).Msg("Unknown client message")
		s.trySendJSON(ServerMessage{Type: TypeError, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("type", msg.Type).Msg("Control message ignored")
	}
}

func (s *session) start() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.controller.Start(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to start voice session")
		s.trySendJSON(ServerMessage{Type: TypeError, Error: err.Error()})
	}
}

func (s *session) submitQuiz(msg ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := s.conversation.SubmitQuiz(ctx, tutor.QuizSubmission{
		QuizID:  msg.QuizID,
		Topic:   msg.Topic,
		Answers: msg.Answers,
	})
	if err != nil {
		s.metrics.RecordError("quiz_submit_failed", "tutor")
		s.trySendJSON(ServerMessage{Type: TypeError, Error: err.Error()})
		return
	}
	s.trySendJSON(ServerMessage{Type: TypeQuizResult, Result: result})
}

// sendJSON queues a text frame, waiting for room
func (s *session) sendJSON(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	select {
	case s.outbound <- outbound{messageType: websocket.TextMessage, data: data}:
		return nil
	case <-s.done:
		return voice.ErrClosed
	}
}

// trySendJSON queues a text frame, dropping it when the queue is full
func (s *session) trySendJSON(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal message")
		return
	}
	select {
	case s.outbound <- outbound{messageType: websocket.TextMessage, data: data}:
	default:
		s.logger.Warn().Str("type", msg.Type).Msg("Outbound queue full, dropping message")
	}
}

// writeAudio is the speech sink; it applies backpressure to synthesis
func (s *session) writeAudio(ctx context.Context, chunk speech.AudioChunk) error {
	select {
	case s.outbound <- outbound{messageType: websocket.BinaryMessage, data: chunk.Data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return voice.ErrClosed
	}
}

// processOutgoing is the only writer on the connection
func (s *session) processOutgoing() {
	defer s.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				s.logger.Error().Err(err).Msg("Error writing to client")
				s.metrics.RecordError("ws_write_error", "transport")
				// unblock the reader so the session tears down
				s.conn.Close()
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.conn.Close()
				return
			}

		case <-s.done:
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}
