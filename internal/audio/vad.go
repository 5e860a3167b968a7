package audio

import "time"

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64       // RMS energy threshold for speech detection
	SilenceFrames   int           // Consecutive silent frames that end an utterance
	FrameSize       int           // Samples per analysis frame
	SampleRate      int           // Input sample rate in Hz
	NoSpeechAfter   time.Duration // Silence before a no-speech report; 0 disables
}

// DefaultVADConfig returns a configuration for 16 kHz microphone audio
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   25,  // 500ms
		FrameSize:       320, // 20ms at 16kHz
		SampleRate:      16000,
		NoSpeechAfter:   8 * time.Second,
	}
}

// VADResult describes what happened while processing a chunk of audio
type VADResult struct {
	Speaking      bool // Speech is ongoing at the end of the chunk
	SpeechStarted bool
	SpeechEnded   bool
	NoSpeech      bool // NoSpeechAfter elapsed without any speech
}

// VADDetector performs energy-based Voice Activity Detection. Time is
// measured in samples so results do not depend on wall-clock delivery.
type VADDetector struct {
	config         VADConfig
	pending        []int16
	silenceCounter int
	isSpeaking     bool
	silentSamples  int
	noSpeechLimit  int
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	cfg := *config
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 320
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}

	limit := 0
	if cfg.NoSpeechAfter > 0 {
		limit = int(cfg.NoSpeechAfter.Seconds() * float64(cfg.SampleRate))
	}

	return &VADDetector{
		config:        cfg,
		pending:       make([]int16, 0, cfg.FrameSize),
		noSpeechLimit: limit,
	}
}

// Process feeds arbitrary-length audio through the detector frame by frame
func (v *VADDetector) Process(samples []int16) VADResult {
	var res VADResult

	for len(samples) > 0 {
		need := v.config.FrameSize - len(v.pending)
		if need > len(samples) {
			need = len(samples)
		}
		v.pending = append(v.pending, samples[:need]...)
		samples = samples[need:]

		if len(v.pending) < v.config.FrameSize {
			break
		}

		_, started, ended := v.ProcessFrame(v.pending)
		v.pending = v.pending[:0]
		res.SpeechStarted = res.SpeechStarted || started
		res.SpeechEnded = res.SpeechEnded || ended

		if v.isSpeaking {
			v.silentSamples = 0
			continue
		}
		v.silentSamples += v.config.FrameSize
		if v.noSpeechLimit > 0 && v.silentSamples >= v.noSpeechLimit {
			res.NoSpeech = true
			v.silentSamples = 0
		}
	}

	res.Speaking = v.isSpeaking
	return res
}

// ProcessFrame processes a single frame
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := CalculateRMS(samples) > v.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Reset clears speech state and restarts the no-speech timer
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
	v.silentSamples = 0
	v.pending = v.pending[:0]
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}
