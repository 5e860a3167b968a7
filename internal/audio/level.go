package audio

import (
	"errors"
	"math"
	"math/cmplx"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ErrMonitorStarted is returned when Start is called twice. A monitor is
// bound to one stream and cannot be restarted.
var ErrMonitorStarted = errors.New("level monitor already started")

// LevelConfig mirrors the knobs of a browser frequency analyser
type LevelConfig struct {
	WindowSize  int     // FFT size in samples, power of two
	FrameRate   int     // Samples per second emitted on the level channel
	MinDecibels float64 // dB mapped to byte 0
	MaxDecibels float64 // dB mapped to byte 255
	Smoothing   float64 // Time constant applied to bin magnitudes
}

// DefaultLevelConfig returns analyser defaults (256-point FFT, ~60 Hz)
func DefaultLevelConfig() *LevelConfig {
	return &LevelConfig{
		WindowSize:  256,
		FrameRate:   60,
		MinDecibels: -100,
		MaxDecibels: -30,
		Smoothing:   0.8,
	}
}

// Analyser turns a time-domain window into a normalized loudness value.
// It keeps smoothed bin magnitudes between calls and is not safe for
// concurrent use.
type Analyser struct {
	cfg      LevelConfig
	fft      *fourier.FFT
	window   []float64
	scratch  []float64
	coeffs   []complex128
	smoothed []float64
}

// NewAnalyser creates an analyser for cfg.WindowSize samples
func NewAnalyser(cfg *LevelConfig) *Analyser {
	if cfg == nil {
		cfg = DefaultLevelConfig()
	}
	n := cfg.WindowSize

	// Blackman window
	window := make([]float64, n)
	for i := range window {
		x := 2 * math.Pi * float64(i) / float64(n)
		window[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}

	return &Analyser{
		cfg:      *cfg,
		fft:      fourier.NewFFT(n),
		window:   window,
		scratch:  make([]float64, n),
		smoothed: make([]float64, n/2),
	}
}

// ByteFrequencyData computes per-bin bytes for samples in [-1, 1].
// len(samples) must equal the window size.
func (a *Analyser) ByteFrequencyData(samples []float64, dst []byte) []byte {
	n := a.cfg.WindowSize
	bins := n / 2
	if cap(dst) < bins {
		dst = make([]byte, bins)
	}
	dst = dst[:bins]

	for i := 0; i < n; i++ {
		a.scratch[i] = samples[i] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.scratch)

	dbRange := a.cfg.MaxDecibels - a.cfg.MinDecibels
	tau := a.cfg.Smoothing
	for k := 0; k < bins; k++ {
		mag := cmplx.Abs(a.coeffs[k]) / float64(n)
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*mag

		if a.smoothed[k] <= 0 {
			dst[k] = 0
			continue
		}
		db := 20 * math.Log10(a.smoothed[k])
		v := math.Floor(255 / dbRange * (db - a.cfg.MinDecibels))
		switch {
		case v < 0:
			dst[k] = 0
		case v > 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
	return dst
}

// Level returns the average bin byte divided by 255
func (a *Analyser) Level(samples []float64) float64 {
	data := a.ByteFrequencyData(samples, nil)
	if len(data) == 0 {
		return 0
	}
	sum := 0
	for _, b := range data {
		sum += int(b)
	}
	return float64(sum) / float64(len(data)) / 255.0
}

// LevelMonitor samples a stream at FrameRate and publishes loudness in [0, 1].
// The level channel closes when the stream is released or Stop is called.
type LevelMonitor struct {
	stream   *Stream
	cfg      LevelConfig
	analyser *Analyser
	window   *SampleWindow

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	stopped bool
	done    chan struct{}
}

// NewLevelMonitor creates a monitor bound to stream
func NewLevelMonitor(stream *Stream, cfg *LevelConfig) *LevelMonitor {
	if cfg == nil {
		cfg = DefaultLevelConfig()
	}
	return &LevelMonitor{
		stream:   stream,
		cfg:      *cfg,
		analyser: NewAnalyser(cfg),
		window:   NewSampleWindow(cfg.WindowSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins sampling and returns the level channel
func (m *LevelMonitor) Start() (<-chan float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil, ErrMonitorStarted
	}
	m.started = true

	out := make(chan float64, 1)
	frames, unsubscribe := m.stream.Subscribe(16)
	go m.run(frames, unsubscribe, out)
	return out, nil
}

// Stop cancels sampling. Safe to call more than once or before Start.
func (m *LevelMonitor) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	started := m.started
	m.mu.Unlock()

	if started {
		<-m.done
	}
}

// Done is closed once the sampling goroutine has exited
func (m *LevelMonitor) Done() <-chan struct{} {
	return m.done
}

func (m *LevelMonitor) run(frames <-chan []int16, unsubscribe func(), out chan float64) {
	defer close(m.done)
	defer close(out)
	defer unsubscribe()

	rate := m.cfg.FrameRate
	if rate <= 0 {
		rate = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	var snapshot []float64
	for {
		select {
		case <-m.stop:
			return
		case <-m.stream.Done():
			return
		case samples, ok := <-frames:
			if !ok {
				return
			}
			m.window.Write(samples)
		case <-ticker.C:
			snapshot = m.window.Snapshot(snapshot)
			level := m.analyser.Level(snapshot)
			// latest value wins
			select {
			case out <- level:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- level:
				default:
				}
			}
		}
	}
}
