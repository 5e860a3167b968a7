package capture

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/brillia/voice-tutor/internal/audio"
	"github.com/brillia/voice-tutor/internal/observability"
)

// ErrStopped is returned by Start when Stop ran while the session was opening
var ErrStopped = errors.New("capture stopped while starting")

// Assembler turns recognizer segments into interim and final utterances.
// Final segments accumulate until the recognizer marks the end of the
// utterance.
type Assembler struct {
	finals  []string
	interim string
}

// Add consumes a segment and reports the event to emit, if any
func (a *Assembler) Add(r Result) (EventKind, string, bool) {
	text := strings.TrimSpace(r.Text)
	if r.IsFinal {
		if text != "" {
			a.finals = append(a.finals, text)
		}
		a.interim = ""
	} else {
		a.interim = text
	}

	if r.EndOfUtterance {
		utterance := strings.TrimSpace(strings.Join(a.finals, " "))
		a.Reset()
		if utterance == "" {
			return 0, "", false
		}
		return EventFinal, utterance, true
	}

	parts := a.finals
	if a.interim != "" {
		parts = append(parts[:len(parts):len(parts)], a.interim)
	}
	current := strings.Join(parts, " ")
	if current == "" {
		return 0, "", false
	}
	return EventInterim, current, true
}

// Reset discards any partial utterance
func (a *Assembler) Reset() {
	a.finals = nil
	a.interim = ""
}

// Adapter owns continuous recognition over a microphone stream. Pause gates
// audio without closing the recognizer; Stop closes it. Events carry the
// generation of the session that produced them.
type Adapter struct {
	recognizer Recognizer
	stream     *audio.Stream
	opts       Options
	vadConfig  audio.VADConfig
	emit       func(Event)
	logger     zerolog.Logger

	mu         sync.Mutex
	generation uint64
	running    bool
	paused     bool
	session    Session
	stopPump   chan struct{}
	unsub      func()
	assembler  Assembler
}

// NewAdapter creates an adapter. emit must not block for long; it may be
// called from recognizer goroutines.
func NewAdapter(recognizer Recognizer, stream *audio.Stream, opts Options, vad *audio.VADConfig, emit func(Event)) *Adapter {
	if vad == nil {
		vad = audio.DefaultVADConfig()
	}
	vadCfg := *vad
	vadCfg.SampleRate = stream.SampleRate()
	if opts.SampleRate == 0 {
		opts.SampleRate = stream.SampleRate()
	}
	if opts.Language == "" {
		opts.Language = "en-US"
	}

	return &Adapter{
		recognizer: recognizer,
		stream:     stream,
		opts:       opts,
		vadConfig:  vadCfg,
		emit:       emit,
		logger:     observability.Component("capture"),
	}
}

// Start opens a recognition session and begins forwarding audio. Calling
// Start while running returns the current generation.
func (a *Adapter) Start(ctx context.Context) (uint64, error) {
	if a.stream.Released() {
		return 0, audio.ErrStreamReleased
	}

	a.mu.Lock()
	if a.running {
		gen := a.generation
		a.mu.Unlock()
		return gen, nil
	}
	a.generation++
	gen := a.generation
	a.running = true
	a.paused = false
	a.assembler.Reset()
	a.mu.Unlock()

	session, err := a.recognizer.Open(ctx, a.opts, a.handlerFor(gen))
	if err != nil {
		a.mu.Lock()
		if a.generation == gen {
			a.running = false
		}
		a.mu.Unlock()
		return gen, err
	}

	a.mu.Lock()
	if a.generation != gen || !a.running {
		a.mu.Unlock()
		_ = session.Close()
		return gen, ErrStopped
	}
	frames, unsub := a.stream.Subscribe(32)
	stop := make(chan struct{})
	a.session = session
	a.stopPump = stop
	a.unsub = unsub
	a.mu.Unlock()

	go a.pump(gen, session, frames, stop)

	a.logger.Debug().Uint64("generation", gen).Msg("Capture started")
	return gen, nil
}

// Pause stops forwarding audio and drops any partial utterance
func (a *Adapter) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = true
	a.assembler.Reset()
}

// Resume reopens the audio gate
func (a *Adapter) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = false
}

// Stop closes the recognition session. Idempotent.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	// late callbacks from the old session become stale
	a.generation++
	session := a.teardownLocked()
	a.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close recognition session")
		}
	}
	a.logger.Debug().Msg("Capture stopped")
}

// Running reports whether a recognition session is open
func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Paused reports whether the audio gate is closed
func (a *Adapter) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// ContinueFrom makes the next Start use a generation above gen, so events
// stay ordered across adapters sharing one consumer.
func (a *Adapter) ContinueFrom(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen > a.generation {
		a.generation = gen
	}
}

// Generation returns the generation of the current or last session
func (a *Adapter) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

func (a *Adapter) teardownLocked() Session {
	a.running = false
	a.assembler.Reset()
	session := a.session
	a.session = nil
	if a.stopPump != nil {
		close(a.stopPump)
		a.stopPump = nil
	}
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
	return session
}

func (a *Adapter) handlerFor(gen uint64) Handler {
	return Handler{
		OnResult: func(r Result) {
			a.mu.Lock()
			if a.generation != gen || !a.running || a.paused {
				a.mu.Unlock()
				return
			}
			kind, text, ok := a.assembler.Add(r)
			a.mu.Unlock()

			if ok {
				a.emit(Event{Kind: kind, Text: text, Generation: gen})
			}
		},
		OnError: func(code ErrorCode, err error) {
			if a.current(gen) {
				a.emit(Event{Kind: EventError, Code: code, Err: err, Generation: gen})
			}
		},
		OnClosed: func(err error) {
			a.mu.Lock()
			if a.generation != gen || !a.running {
				a.mu.Unlock()
				return
			}
			a.teardownLocked()
			a.mu.Unlock()

			a.logger.Info().Uint64("generation", gen).Msg("Recognition ended by backend")
			a.emit(Event{Kind: EventEnded, Err: err, Generation: gen})
		},
	}
}

func (a *Adapter) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation == gen && a.running
}

func (a *Adapter) pump(gen uint64, session Session, frames <-chan []int16, stop <-chan struct{}) {
	vad := audio.NewVADDetector(&a.vadConfig)

	for {
		select {
		case <-stop:
			return
		case samples, ok := <-frames:
			if !ok {
				return
			}
			if a.Paused() {
				vad.Reset()
				continue
			}

			if vad.Process(samples).NoSpeech && a.current(gen) {
				a.emit(Event{Kind: EventError, Code: NoSpeech, Generation: gen})
			}
			if err := session.SendAudio(audio.EncodePCM16(samples)); err != nil {
				a.logger.Debug().Err(err).Msg("Dropped audio frame")
			}
		}
	}
}
