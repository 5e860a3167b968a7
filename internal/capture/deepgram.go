package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/brillia/voice-tutor/internal/config"
	"github.com/brillia/voice-tutor/internal/observability"
	"github.com/brillia/voice-tutor/internal/resilience"
)

// messageCallbackHandler embeds the SDK default handler and overrides the
// callbacks the session reacts to.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	session *deepgramSession
}

func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	m.session.handleMessage(msg)
	return nil
}

func (m *messageCallbackHandler) UtteranceEnd(_ *msginterfaces.UtteranceEndResponse) error {
	m.session.deliver(Result{EndOfUtterance: true})
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.session.handleError(fmt.Errorf("deepgram error: %+v", errorResponse))
	return nil
}

func (m *messageCallbackHandler) Close(_ *msginterfaces.CloseResponse) error {
	m.session.handleClosed(nil)
	return nil
}

// DeepgramRecognizer implements Recognizer on Deepgram live transcription
type DeepgramRecognizer struct {
	apiKey         string
	model          string
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramRecognizer creates a recognizer from configuration
func NewDeepgramRecognizer(cfg *config.Config) *DeepgramRecognizer {
	cb := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	cb.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	return &DeepgramRecognizer{
		apiKey:         cfg.DeepgramAPIKey,
		model:          cfg.DeepgramModel,
		circuitBreaker: cb,
		logger:         observability.Component("deepgram"),
	}
}

// Available reports whether an API key is configured
func (d *DeepgramRecognizer) Available() bool {
	return d.apiKey != ""
}

// Open connects a new live transcription socket
func (d *DeepgramRecognizer) Open(ctx context.Context, opts Options, h Handler) (Session, error) {
	if !d.Available() {
		return nil, ErrUnavailable
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       opts.Language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     opts.SampleRate,
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	session := &deepgramSession{
		handler: h,
		cancel:  cancel,
		logger:  d.logger,
	}
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		session:                session,
	}

	err := d.circuitBreaker.Call(func() error {
		client, err := listenClient.NewWSUsingCallback(sessionCtx, d.apiKey, nil, tOptions, callback)
		if err != nil {
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			return fmt.Errorf("failed to connect to Deepgram")
		}
		session.client = client
		return nil
	})
	if err != nil {
		cancel()
		observability.IncrementCircuitBreakerFailures("deepgram")
		return nil, err
	}

	d.logger.Info().
		Str("model", d.model).
		Str("language", opts.Language).
		Int("sample_rate", opts.SampleRate).
		Msg("Deepgram streaming session opened")
	return session, nil
}

type deepgramSession struct {
	handler Handler
	cancel  context.CancelFunc
	logger  zerolog.Logger

	mu     sync.Mutex
	client *listenClient.WSCallback
	closed bool
}

func (s *deepgramSession) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" && !msg.SpeechFinal {
		return
	}

	s.deliver(Result{
		Text:           alt.Transcript,
		IsFinal:        msg.IsFinal,
		EndOfUtterance: msg.SpeechFinal,
		Confidence:     alt.Confidence,
	})
}

func (s *deepgramSession) deliver(r Result) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if !closed && s.handler.OnResult != nil {
		s.handler.OnResult(r)
	}
}

func (s *deepgramSession) handleError(err error) {
	s.logger.Warn().Err(err).Msg("Deepgram reported an error")

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if !closed && s.handler.OnError != nil {
		s.handler.OnError(Network, err)
	}
}

func (s *deepgramSession) handleClosed(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.logger.Info().Msg("Deepgram closed the streaming session")
	if s.handler.OnClosed != nil {
		s.handler.OnClosed(err)
	}
}

func (s *deepgramSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	client, closed := s.client, s.closed
	s.mu.Unlock()

	if closed || client == nil {
		return fmt.Errorf("deepgram session is closed")
	}
	if _, err := client.Write(pcm); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

func (s *deepgramSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	client := s.client
	s.mu.Unlock()

	if client != nil {
		client.Finish()
	}
	s.cancel()
	s.logger.Debug().Msg("Deepgram streaming session closed")
	return nil
}
