package speech

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/brillia/voice-tutor/internal/audio"
	"github.com/brillia/voice-tutor/internal/observability"
)

// DoneFunc is called exactly once per utterance. err is nil on natural
// completion, context.Canceled when cancelled, or the synthesis failure.
type DoneFunc func(id uint64, err error)

type utterance struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Output plays at most one utterance at a time. Speak cancels whatever is
// playing before the new utterance produces any audio.
type Output struct {
	synth      Synthesizer
	sink       Sink
	profile    Profile
	sampleRate int
	encoding   string
	logger     zerolog.Logger

	mu      sync.Mutex
	current *utterance
	closed  bool
}

// NewOutput creates an output adapter that delivers audio to sink at
// sampleRate in the given encoding.
func NewOutput(synth Synthesizer, sink Sink, profile Profile, sampleRate int, encoding string) *Output {
	return &Output{
		synth:      synth,
		sink:       sink,
		profile:    profile,
		sampleRate: sampleRate,
		encoding:   encoding,
		logger:     observability.Component("speech"),
	}
}

// Speak cancels any current utterance and starts speaking text. It returns
// immediately; done reports the outcome.
func (o *Output) Speak(ctx context.Context, id uint64, text string, done DoneFunc) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		go done(id, context.Canceled)
		return
	}

	prev := o.current
	if prev != nil {
		prev.cancel()
	}

	uctx, cancel := context.WithCancel(ctx)
	u := &utterance{id: id, cancel: cancel, done: make(chan struct{})}
	o.current = u
	o.mu.Unlock()

	go func() {
		defer close(u.done)
		defer cancel()

		if prev != nil {
			<-prev.done
		}

		err := o.play(uctx, text)
		if err == nil && uctx.Err() != nil {
			err = uctx.Err()
		}

		o.mu.Lock()
		if o.current == u {
			o.current = nil
		}
		o.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Warn().Err(err).Uint64("utterance", id).Msg("Speech output failed")
		}
		done(id, err)
	}()
}

func (o *Output) play(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inRate := o.synth.SampleRate()

	return o.synth.Synthesize(ctx, text, o.profile, func(pcm []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.profile.Volume > 0 && o.profile.Volume < 1 {
			pcm = applyGain(pcm, o.profile.Volume)
		}
		data, err := audio.EncodeOutput(pcm, inRate, o.sampleRate, o.encoding)
		if err != nil {
			return err
		}
		return o.sink.WriteAudio(ctx, AudioChunk{
			Data:       data,
			SampleRate: o.sampleRate,
			Encoding:   o.encoding,
		})
	})
}

// Cancel stops the current utterance, if any
func (o *Output) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.current.cancel()
	}
}

// Speaking reports whether an utterance is in progress
func (o *Output) Speaking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

// Close cancels current output and rejects further utterances
func (o *Output) Close() {
	o.mu.Lock()
	o.closed = true
	u := o.current
	o.mu.Unlock()

	if u != nil {
		u.cancel()
		<-u.done
	}
}

func applyGain(pcm []byte, gain float64) []byte {
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		return pcm
	}
	for i, s := range samples {
		samples[i] = int16(float64(s) * gain)
	}
	return audio.EncodePCM16(samples)
}
