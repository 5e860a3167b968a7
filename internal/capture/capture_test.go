package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brillia/voice-tutor/internal/audio"
)

type fakeSession struct {
	mu     sync.Mutex
	frames int
	closed bool
}

func (s *fakeSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.frames++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

type fakeRecognizer struct {
	mu       sync.Mutex
	openErr  error
	sessions []*fakeSession
	handlers []Handler
	opts     Options
}

func (f *fakeRecognizer) Available() bool { return true }

func (f *fakeRecognizer) Open(ctx context.Context, opts Options, h Handler) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &fakeSession{}
	f.sessions = append(f.sessions, s)
	f.handlers = append(f.handlers, h)
	f.opts = opts
	return s, nil
}

func (f *fakeRecognizer) handler(i int) Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[i]
}

func (f *fakeRecognizer) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

func newTestAdapter(t *testing.T, rec Recognizer, vad *audio.VADConfig) (*Adapter, *audio.Stream, chan Event) {
	t.Helper()
	stream := audio.NewStream(8000)
	events := make(chan Event, 32)
	a := NewAdapter(rec, stream, Options{}, vad, func(e Event) { events <- e })
	t.Cleanup(func() {
		a.Stop()
		stream.Release()
	})
	return a, stream, events
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for capture event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case e := <-events:
		t.Fatalf("Expected no event, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAssembler(t *testing.T) {
	var asm Assembler

	kind, text, ok := asm.Add(Result{Text: "explain"})
	if !ok || kind != EventInterim || text != "explain" {
		t.Errorf("Expected interim 'explain', got %v %q %v", kind, text, ok)
	}

	kind, text, _ = asm.Add(Result{Text: "explain gradient", IsFinal: true})
	if kind != EventInterim || text != "explain gradient" {
		t.Errorf("Expected interim 'explain gradient', got %v %q", kind, text)
	}

	kind, text, _ = asm.Add(Result{Text: "desc"})
	if text != "explain gradient desc" {
		t.Errorf("Expected finals plus interim, got %q", text)
	}

	kind, text, ok = asm.Add(Result{Text: " descent ", IsFinal: true, EndOfUtterance: true})
	if !ok || kind != EventFinal || text != "explain gradient descent" {
		t.Errorf("Expected final utterance, got %v %q %v", kind, text, ok)
	}

	if _, _, ok := asm.Add(Result{EndOfUtterance: true}); ok {
		t.Error("Expected empty utterance end to emit nothing")
	}
}

func TestAdapter_StartAndTranscripts(t *testing.T) {
	rec := &fakeRecognizer{}
	a, _, events := newTestAdapter(t, rec, nil)

	gen, err := a.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if rec.opts.Language != "en-US" || rec.opts.SampleRate != 8000 {
		t.Errorf("Unexpected options %+v", rec.opts)
	}

	h := rec.handler(0)
	h.OnResult(Result{Text: "hello"})
	h.OnResult(Result{Text: "hello there", IsFinal: true, EndOfUtterance: true})

	e := nextEvent(t, events)
	if e.Kind != EventInterim || e.Text != "hello" || e.Generation != gen {
		t.Errorf("Unexpected interim event %+v", e)
	}
	e = nextEvent(t, events)
	if e.Kind != EventFinal || e.Text != "hello there" {
		t.Errorf("Unexpected final event %+v", e)
	}
}

func TestAdapter_StartTwiceKeepsGeneration(t *testing.T) {
	rec := &fakeRecognizer{}
	a, _, _ := newTestAdapter(t, rec, nil)

	first, _ := a.Start(context.Background())
	second, err := a.Start(context.Background())
	if err != nil || first != second {
		t.Errorf("Expected same generation, got %d and %d (%v)", first, second, err)
	}
	if len(rec.sessions) != 1 {
		t.Errorf("Expected a single recognizer session, got %d", len(rec.sessions))
	}
}

func TestAdapter_ContinueFrom(t *testing.T) {
	rec := &fakeRecognizer{}
	a, _, events := newTestAdapter(t, rec, nil)

	a.ContinueFrom(7)
	a.ContinueFrom(3) // never moves backwards

	gen, err := a.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if gen != 8 {
		t.Errorf("Expected generation 8, got %d", gen)
	}

	rec.handler(0).OnResult(Result{Text: "hi", IsFinal: true, EndOfUtterance: true})
	if e := nextEvent(t, events); e.Generation != 8 {
		t.Errorf("Expected event generation 8, got %d", e.Generation)
	}
}

func TestAdapter_ForwardsAudioUntilPaused(t *testing.T) {
	rec := &fakeRecognizer{}
	a, stream, events := newTestAdapter(t, rec, nil)

	if _, err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sess := rec.session(0)

	frame := audio.EncodePCM16(make([]int16, 160))
	_ = stream.Write(frame)
	waitFor(t, func() bool { return sess.sent() == 1 })

	a.Pause()
	for i := 0; i < 3; i++ {
		_ = stream.Write(frame)
	}
	time.Sleep(30 * time.Millisecond)
	if sess.sent() != 1 {
		t.Errorf("Expected no audio forwarded while paused, got %d frames", sess.sent())
	}

	rec.handler(0).OnResult(Result{Text: "echo", IsFinal: true, EndOfUtterance: true})
	expectNoEvent(t, events)

	a.Resume()
	_ = stream.Write(frame)
	waitFor(t, func() bool { return sess.sent() == 2 })
}

func TestAdapter_StopIsIdempotent(t *testing.T) {
	rec := &fakeRecognizer{}
	a, stream, events := newTestAdapter(t, rec, nil)

	if _, err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	a.Stop()
	a.Stop()

	if a.Running() {
		t.Error("Expected adapter to be stopped")
	}
	if !rec.session(0).isClosed() {
		t.Error("Expected recognizer session to be closed")
	}
	if stream.Subscribers() != 0 {
		t.Errorf("Expected stream subscription to be released, got %d", stream.Subscribers())
	}

	h := rec.handler(0)
	h.OnResult(Result{Text: "late", IsFinal: true, EndOfUtterance: true})
	h.OnClosed(nil)
	expectNoEvent(t, events)
}

func TestAdapter_BackendEndEmitsEnded(t *testing.T) {
	rec := &fakeRecognizer{}
	a, _, events := newTestAdapter(t, rec, nil)

	gen, _ := a.Start(context.Background())
	rec.handler(0).OnClosed(nil)

	e := nextEvent(t, events)
	if e.Kind != EventEnded || e.Generation != gen {
		t.Errorf("Expected ended event for generation %d, got %+v", gen, e)
	}
	if a.Running() {
		t.Error("Expected adapter to stop running after backend end")
	}

	next, err := a.Start(context.Background())
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if next <= gen {
		t.Errorf("Expected a newer generation after restart, got %d", next)
	}
}

func TestAdapter_OpenFailure(t *testing.T) {
	rec := &fakeRecognizer{openErr: errors.New("connection refused")}
	a, _, _ := newTestAdapter(t, rec, nil)

	if _, err := a.Start(context.Background()); err == nil {
		t.Fatal("Expected start to fail")
	}
	if a.Running() {
		t.Error("Expected adapter not to be running")
	}
}

func TestAdapter_ReleasedStream(t *testing.T) {
	rec := &fakeRecognizer{}
	a, stream, _ := newTestAdapter(t, rec, nil)
	stream.Release()

	if _, err := a.Start(context.Background()); !errors.Is(err, audio.ErrStreamReleased) {
		t.Errorf("Expected ErrStreamReleased, got %v", err)
	}
}

func TestAdapter_NoSpeech(t *testing.T) {
	rec := &fakeRecognizer{}
	vad := &audio.VADConfig{
		EnergyThreshold: 500,
		SilenceFrames:   10,
		FrameSize:       160,
		NoSpeechAfter:   100 * time.Millisecond, // 800 samples at 8kHz
	}
	a, stream, events := newTestAdapter(t, rec, vad)

	if _, err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_ = stream.Write(audio.EncodePCM16(make([]int16, 800)))

	e := nextEvent(t, events)
	if e.Kind != EventError || e.Code != NoSpeech {
		t.Errorf("Expected no-speech error, got %+v", e)
	}
}

func TestAdapter_RecognizerError(t *testing.T) {
	rec := &fakeRecognizer{}
	a, _, events := newTestAdapter(t, rec, nil)

	if _, err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	rec.handler(0).OnError(Network, errors.New("socket reset"))

	e := nextEvent(t, events)
	if e.Kind != EventError || e.Code != Network {
		t.Errorf("Expected network error event, got %+v", e)
	}
}
