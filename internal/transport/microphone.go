package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/brillia/voice-tutor/internal/audio"
	"github.com/brillia/voice-tutor/internal/voice"
)

var errMicTimeout = errors.New("timed out waiting for microphone permission")

// remoteMicrophone asks the client for its microphone and feeds the binary
// frames it sends into a Stream.
type remoteMicrophone struct {
	request    func(sampleRate int) error
	sampleRate int
	encoding   string
	timeout    time.Duration

	mu      sync.Mutex
	pending chan bool
	stream  *audio.Stream
	closed  bool
}

func newRemoteMicrophone(sampleRate int, encoding string, timeout time.Duration, request func(int) error) *remoteMicrophone {
	return &remoteMicrophone{
		request:    request,
		sampleRate: sampleRate,
		encoding:   encoding,
		timeout:    timeout,
	}
}

// Acquire sends mic_request and waits for the client's answer
func (m *remoteMicrophone) Acquire(ctx context.Context) (*audio.Stream, error) {
	answer := make(chan bool, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, voice.ErrClosed
	}
	m.pending = answer
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.pending == answer {
			m.pending = nil
		}
		m.mu.Unlock()
	}()

	if err := m.request(m.sampleRate); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if m.timeout > 0 {
		timer := time.NewTimer(m.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case granted := <-answer:
		if !granted {
			return nil, voice.ErrPermissionDenied
		}
	case <-timeout:
		return nil, errMicTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	stream := audio.NewStream(m.sampleRate)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		stream.Release()
		return nil, voice.ErrClosed
	}
	m.stream = stream
	return stream, nil
}

// answer delivers the client's permission decision, if one is awaited
func (m *remoteMicrophone) answer(granted bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return false
	}
	m.pending <- granted
	m.pending = nil
	return true
}

// write decodes and forwards one binary frame. Frames outside a live stream are dropped.
func (m *remoteMicrophone) write(pcm []byte) error {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()

	if stream == nil {
		return audio.ErrStreamReleased
	}
	pcm, err := audio.DecodeInput(pcm, m.encoding)
	if err != nil {
		return err
	}
	return stream.Write(pcm)
}

func (m *remoteMicrophone) close() {
	m.mu.Lock()
	m.closed = true
	stream := m.stream
	m.stream = nil
	if m.pending != nil {
		m.pending <- false
		m.pending = nil
	}
	m.mu.Unlock()

	if stream != nil {
		stream.Release()
	}
}
