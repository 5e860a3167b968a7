package audio

import (
	"errors"
	"sync"
)

// ErrStreamReleased is returned when writing to a stream after Release
var ErrStreamReleased = errors.New("microphone stream released")

// Stream is a live microphone stream. The transport writes PCM16LE frames
// into it and every subscriber receives the decoded samples. Releasing the
// stream closes all subscriber channels and Done.
type Stream struct {
	sampleRate int

	mu       sync.Mutex
	subs     map[int]chan []int16
	nextID   int
	released bool
	done     chan struct{}
}

// NewStream creates a stream carrying mono audio at sampleRate
func NewStream(sampleRate int) *Stream {
	return &Stream{
		sampleRate: sampleRate,
		subs:       make(map[int]chan []int16),
		done:       make(chan struct{}),
	}
}

// SampleRate returns the stream sample rate in Hz
func (s *Stream) SampleRate() int {
	return s.sampleRate
}

// Write decodes a PCM16LE frame and fans it out. Slow subscribers drop
// frames rather than block the writer.
func (s *Stream) Write(pcm []byte) error {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrStreamReleased
	}
	for _, ch := range s.subs {
		select {
		case ch <- samples:
		default:
		}
	}
	return nil
}

// Subscribe registers a consumer. The returned cancel func is idempotent.
// If the stream is already released the channel is returned closed.
func (s *Stream) Subscribe(buffer int) (<-chan []int16, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan []int16, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Done is closed once the stream is released
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Released reports whether Release has been called
func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Subscribers returns the number of live subscribers
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Release ends the stream. Safe to call more than once.
func (s *Stream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	close(s.done)
}
