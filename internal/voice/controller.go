package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brillia/voice-tutor/internal/audio"
	"github.com/brillia/voice-tutor/internal/capture"
	"github.com/brillia/voice-tutor/internal/observability"
	"github.com/brillia/voice-tutor/internal/resilience"
	"github.com/brillia/voice-tutor/internal/speech"
	"github.com/brillia/voice-tutor/internal/tutor"
)

var (
	// ErrCaptureUnsupported is returned by Start when no recognizer is configured
	ErrCaptureUnsupported = errors.New("speech recognition is not supported")

	// ErrSynthesisUnsupported is returned by Start when no synthesizer is configured
	ErrSynthesisUnsupported = errors.New("speech synthesis is not supported")

	// ErrPermissionDenied is returned by Microphone.Acquire when the user refuses access
	ErrPermissionDenied = errors.New("microphone access denied")

	// ErrClosed is returned once the controller has been closed
	ErrClosed = errors.New("voice controller closed")
)

// Microphone hands out the live input stream for a session
type Microphone interface {
	Acquire(ctx context.Context) (*audio.Stream, error)
}

// Conversation answers user utterances
type Conversation interface {
	Send(ctx context.Context, utterance string) (tutor.Reply, error)
}

// Options wire a Controller to its collaborators
type Options struct {
	Recognizer   capture.Recognizer
	Synthesizer  speech.Synthesizer
	Sink         speech.Sink
	Microphone   Microphone
	Conversation Conversation

	Capture          capture.Options
	VAD              *audio.VADConfig
	Level            *audio.LevelConfig
	Profile          speech.Profile
	OutputSampleRate int
	OutputEncoding   string

	// ChatTimeout bounds each conversation exchange
	ChatTimeout time.Duration

	// Reconnect controls capture start and self-healing restarts
	Reconnect *resilience.ReconnectConfig

	Metrics *observability.Metrics
	Logger  *zerolog.Logger

	// OnState receives a snapshot after every visible state change
	OnState func(Snapshot)

	// OnQuiz receives quizzes generated by the conversation
	OnQuiz func(*tutor.Quiz)
}

// micAcquired is handled by the loop before Start reaches Transition
type micAcquired struct {
	stream  *audio.Stream
	handled chan struct{}
}

func (micAcquired) eventName() string { return "mic_acquired" }

// Controller runs the voice state machine. Events are processed one at a
// time by a single goroutine which also executes the resulting effects.
type Controller struct {
	opts    Options
	logger  zerolog.Logger
	metrics *observability.Metrics

	events  chan Event
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	startMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	output *speech.Output

	mu    sync.RWMutex
	state State

	// owned by the loop goroutine
	stream        *audio.Stream
	adapter       *capture.Adapter
	monitor       *audio.LevelMonitor
	chatCancel    context.CancelFunc
	captureCancel context.CancelFunc
	captureGen    uint64 // last generation of a released adapter
	lastPublished time.Time
}

// NewController creates a controller and starts its event loop
func NewController(opts Options) *Controller {
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = 20 * time.Second
	}
	if opts.Level == nil {
		opts.Level = audio.DefaultLevelConfig()
	}
	if opts.Profile == (speech.Profile{}) {
		opts.Profile = speech.DefaultProfile()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewSessionMetrics("")
	}

	logger := observability.Component("voice")
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "voice").Logger()
	}
	if opts.Reconnect == nil {
		opts.Reconnect = resilience.DefaultReconnectConfig()
	}
	if opts.Reconnect.Logger == nil {
		rc := *opts.Reconnect
		rc.Logger = &logger
		opts.Reconnect = &rc
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		events:  make(chan Event, 64),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		state:   NewState(),
	}

	var sink speech.Sink
	if opts.Sink != nil {
		sink = speech.SinkFunc(func(ctx context.Context, chunk speech.AudioChunk) error {
			c.metrics.RecordAudioBytes("out", int64(len(chunk.Data)))
			return opts.Sink.WriteAudio(ctx, chunk)
		})
	} else {
		sink = speech.SinkFunc(func(context.Context, speech.AudioChunk) error { return nil })
	}
	if opts.Synthesizer != nil {
		c.output = speech.NewOutput(opts.Synthesizer, sink, opts.Profile, opts.OutputSampleRate, opts.OutputEncoding)
	}

	c.metrics.RecordSessionStart()
	go c.loop()
	return c
}

// Start checks capabilities, acquires the microphone and begins listening.
// Starting a paused session resumes it; starting an active one is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	if c.opts.Recognizer == nil || !c.opts.Recognizer.Available() {
		return ErrCaptureUnsupported
	}
	if c.output == nil || !c.opts.Synthesizer.Available() {
		return ErrSynthesisUnsupported
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	st := c.State()
	if st.Phase == PhaseIdle && st.Paused {
		return c.dispatch(Resume{})
	}
	if st.Active {
		return nil
	}

	stream, err := c.opts.Microphone.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			c.dispatch(MicDenied{})
		}
		return fmt.Errorf("failed to acquire microphone: %w", err)
	}
	handled := make(chan struct{})
	if err := c.dispatch(micAcquired{stream: stream, handled: handled}); err != nil {
		stream.Release()
		return err
	}
	// hold startMu until the loop owns the stream so a concurrent Start sees Active
	select {
	case <-handled:
		return nil
	case <-c.quit:
		return ErrClosed
	}
}

// Pause stops listening while keeping the microphone
func (c *Controller) Pause() error {
	return c.dispatch(Pause{})
}

// Resume restarts listening after Pause
func (c *Controller) Resume() error {
	return c.dispatch(Resume{})
}

// End stops the session and releases the microphone
func (c *Controller) End() error {
	return c.dispatch(End{})
}

// Dispatch queues an event for the loop. It returns false once the
// controller is closed.
func (c *Controller) Dispatch(ev Event) bool {
	return c.dispatch(ev) == nil
}

func (c *Controller) dispatch(ev Event) error {
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.quit:
		return ErrClosed
	}
}

// State returns a copy of the current state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Snapshot returns the client-facing view of the current state
func (c *Controller) Snapshot() Snapshot {
	return c.State().Snapshot()
}

// Close ends the session, releases every resource and stops the loop.
// Idempotent.
func (c *Controller) Close() {
	c.once.Do(func() {
		close(c.quit)
		<-c.stopped
		c.cancel()
		if c.output != nil {
			c.output.Close()
		}
		c.metrics.RecordSessionEnd()
	})
}

// Done is closed when the event loop has exited
func (c *Controller) Done() <-chan struct{} {
	return c.stopped
}

func (c *Controller) loop() {
	defer close(c.stopped)

	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-c.quit:
			c.handle(End{})
			c.drain()
			return
		}
	}
}

// drain releases microphones handed over after the loop stopped
func (c *Controller) drain() {
	for {
		select {
		case ev := <-c.events:
			if m, ok := ev.(micAcquired); ok {
				m.stream.Release()
				close(m.handled)
			}
		default:
			return
		}
	}
}

func (c *Controller) handle(ev Event) {
	if m, ok := ev.(micAcquired); ok {
		defer close(m.handled)
		if c.stream != nil {
			// already holding a microphone
			m.stream.Release()
			return
		}
		c.stream = m.stream
		c.adapter = capture.NewAdapter(c.opts.Recognizer, m.stream, c.opts.Capture, c.opts.VAD, c.onCapture)
		c.adapter.ContinueFrom(c.captureGen)
		ev = Start{}
	}

	prev := c.State()
	next, effects := Transition(prev, ev)

	for _, effect := range effects {
		c.execute(effect)
	}

	// readers observe the new state only after its effects ran
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()

	if prev.Phase != next.Phase {
		c.metrics.RecordTransition(prev.Phase.String(), next.Phase.String())
		c.logger.Info().
			Str("event", ev.eventName()).
			Str("from", prev.Phase.String()).
			Str("to", next.Phase.String()).
			Msg("Voice phase changed")
	}
	for _, t := range next.Turns[len(prev.Turns):] {
		c.metrics.RecordTurn(string(t.Role))
	}

	c.publish(prev, next)
}

// publish notifies OnState. Level-only changes are limited to ~30 per second.
func (c *Controller) publish(prev, next State) {
	if c.opts.OnState == nil {
		return
	}
	levelOnly := prev.AudioLevel != next.AudioLevel &&
		prev.Phase == next.Phase &&
		prev.Paused == next.Paused &&
		prev.Transcript == next.Transcript &&
		prev.Status == next.Status &&
		prev.LastError == next.LastError &&
		len(prev.Turns) == len(next.Turns) &&
		len(prev.Pending) == len(next.Pending)

	switch {
	case levelOnly:
		if time.Since(c.lastPublished) < 33*time.Millisecond {
			return
		}
	case !changed(prev, next):
		return
	}
	c.lastPublished = time.Now()
	c.opts.OnState(next.Snapshot())
}

func changed(a, b State) bool {
	return a.Phase != b.Phase ||
		a.Paused != b.Paused ||
		a.Transcript != b.Transcript ||
		a.AudioLevel != b.AudioLevel ||
		a.Status != b.Status ||
		a.LastError != b.LastError ||
		len(a.Turns) != len(b.Turns) ||
		len(a.Pending) != len(b.Pending)
}

func (c *Controller) execute(effect Effect) {
	switch e := effect.(type) {
	case StartCapture:
		c.startCapture(e)
	case StopCapture:
		c.stopCapture()
	case PauseCapture:
		if c.adapter != nil {
			c.adapter.Pause()
		}
	case ResumeCapture:
		if c.adapter != nil {
			c.adapter.Resume()
		}
	case StartLevelMonitor:
		c.startLevelMonitor()
	case StopLevelMonitor:
		c.stopLevelMonitor()
	case SendChat:
		c.sendChat(e)
	case CancelChat:
		if c.chatCancel != nil {
			c.chatCancel()
			c.chatCancel = nil
		}
	case Speak:
		c.speak(e)
	case CancelSpeech:
		if c.output != nil {
			c.output.Cancel()
		}
	case ReleaseMicrophone:
		c.releaseMicrophone()
	case PresentQuiz:
		if c.opts.OnQuiz != nil {
			c.opts.OnQuiz(e.Quiz)
		}
	default:
		c.logger.Warn().Str("effect", effect.effectName()).Msg("Unhandled effect")
	}
}

func (c *Controller) startCapture(e StartCapture) {
	if c.adapter == nil {
		return
	}
	if c.captureCancel != nil {
		c.captureCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.captureCancel = cancel
	adapter := c.adapter

	go func() {
		attempts, err := resilience.Reconnect(ctx, func(ctx context.Context) error {
			_, err := adapter.Start(ctx)
			return err
		}, c.opts.Reconnect)

		if ctx.Err() != nil {
			return
		}
		if e.Restart {
			c.metrics.RecordCaptureRestart(err == nil)
		}
		if err != nil {
			c.metrics.RecordError("capture_start_failed", "capture")
			c.logger.Error().Err(err).Int("attempts", attempts).Msg("Failed to start speech capture")
			c.dispatch(CaptureFailed{Seq: e.Seq, Err: err.Error()})
			return
		}
		if e.Restart {
			c.logger.Info().Int("attempts", attempts).Msg("Speech capture restarted")
		}
	}()
}

func (c *Controller) stopCapture() {
	if c.captureCancel != nil {
		c.captureCancel()
		c.captureCancel = nil
	}
	if c.adapter != nil {
		c.adapter.Stop()
	}
}

func (c *Controller) startLevelMonitor() {
	if c.stream == nil {
		return
	}
	c.stopLevelMonitor()

	monitor := audio.NewLevelMonitor(c.stream, c.opts.Level)
	levels, err := monitor.Start()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to start level monitor")
		return
	}
	c.monitor = monitor

	go func() {
		for v := range levels {
			if !c.Dispatch(Level{Value: v}) {
				return
			}
		}
	}()
}

func (c *Controller) stopLevelMonitor() {
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}
}

func (c *Controller) sendChat(e SendChat) {
	if c.chatCancel != nil {
		c.chatCancel()
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ChatTimeout)
	c.chatCancel = cancel
	c.metrics.RecordChatStart()

	go func() {
		defer cancel()

		reply, err := c.opts.Conversation.Send(ctx, e.Text)
		outcome := ChatOutcome{
			Text:      reply.Text,
			KeyTopics: reply.KeyTopics,
			Sources:   reply.Sources,
			Quiz:      reply.Quiz,
			Failed:    err != nil || reply.Fallback,
		}

		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			outcome.TimedOut = true
			c.metrics.RecordChatEnd("timeout")
			c.logger.Warn().Dur("timeout", c.opts.ChatTimeout).Msg("Chat request timed out")
		case errors.Is(ctx.Err(), context.Canceled):
			c.metrics.RecordChatEnd("canceled")
			return
		case err != nil:
			c.metrics.RecordChatEnd("error")
			c.metrics.RecordError("chat_failed", "tutor")
		default:
			c.metrics.RecordChatEnd("success")
		}
		if outcome.Text == "" {
			outcome.Text = tutor.FallbackReply
		}

		c.dispatch(ChatDone{Seq: e.Seq, Outcome: outcome, At: time.Now()})
	}()
}

func (c *Controller) speak(e Speak) {
	if c.output == nil {
		c.dispatch(SpeechDone{Seq: e.Seq})
		return
	}
	c.metrics.RecordTTSStart()
	c.output.Speak(c.ctx, e.Seq, e.Text, func(id uint64, err error) {
		switch {
		case err == nil:
			c.metrics.RecordTTSEnd("success")
		case errors.Is(err, context.Canceled):
			c.metrics.RecordTTSEnd("canceled")
		default:
			c.metrics.RecordTTSEnd("error")
			c.metrics.RecordError("tts_failed", "speech")
		}
		c.dispatch(SpeechDone{Seq: id})
	})
}

func (c *Controller) releaseMicrophone() {
	c.stopCapture()
	c.stopLevelMonitor()
	if c.stream != nil {
		c.stream.Release()
		c.stream = nil
	}
	if c.adapter != nil {
		c.captureGen = c.adapter.Generation()
	}
	c.adapter = nil
}

func (c *Controller) onCapture(ev capture.Event) {
	switch ev.Kind {
	case capture.EventInterim:
		c.dispatch(Interim{Text: ev.Text, Gen: ev.Generation})
	case capture.EventFinal:
		c.dispatch(Final{Text: ev.Text, Gen: ev.Generation, At: time.Now()})
	case capture.EventEnded:
		c.dispatch(CaptureEnded{Gen: ev.Generation})
	case capture.EventError:
		if ev.Code != capture.NoSpeech {
			c.metrics.RecordError(string(ev.Code), "capture")
			c.logger.Warn().Err(ev.Err).Str("code", string(ev.Code)).Msg("Speech capture error")
		}
		c.dispatch(CaptureError{Code: ev.Code, Gen: ev.Generation})
	}
}
