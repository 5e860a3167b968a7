package audio

import (
	"sync"
)

// SampleWindow keeps the most recent size samples. Writes never block or
// fail; once full, the oldest samples are overwritten.
type SampleWindow struct {
	buffer []int16
	size   int
	write  int
	filled int
	mu     sync.RWMutex
}

// NewSampleWindow creates a window holding size samples
func NewSampleWindow(size int) *SampleWindow {
	if size < 1 {
		size = 1
	}
	return &SampleWindow{
		buffer: make([]int16, size),
		size:   size,
	}
}

// Write appends samples, overwriting the oldest when the window is full
func (w *SampleWindow) Write(samples []int16) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// only the tail can survive
	if len(samples) > w.size {
		samples = samples[len(samples)-w.size:]
	}
	for _, s := range samples {
		w.buffer[w.write] = s
		w.write = (w.write + 1) % w.size
		if w.filled < w.size {
			w.filled++
		}
	}
}

// Snapshot copies the window into dst as floats in [-1, 1], oldest first.
// Unfilled positions at the front are zero. dst is reallocated if too short.
func (w *SampleWindow) Snapshot(dst []float64) []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if cap(dst) < w.size {
		dst = make([]float64, w.size)
	}
	dst = dst[:w.size]

	pad := w.size - w.filled
	for i := 0; i < pad; i++ {
		dst[i] = 0
	}
	start := (w.write - w.filled + w.size) % w.size
	for i := 0; i < w.filled; i++ {
		dst[pad+i] = float64(w.buffer[(start+i)%w.size]) / 32768.0
	}
	return dst
}

// Len returns the number of valid samples in the window
func (w *SampleWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.filled
}

// Size returns the window capacity
func (w *SampleWindow) Size() int {
	return w.size
}

// IsFull returns true once size samples have been written
func (w *SampleWindow) IsFull() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.filled == w.size
}

// Clear empties the window
func (w *SampleWindow) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.write = 0
	w.filled = 0
}
