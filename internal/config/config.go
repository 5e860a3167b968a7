package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice tutor gateway
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:"9090"` // Empty disables the gRPC health service

	// Public base URL for this service, used only for logging the voice endpoint.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Tutoring backend REST API
	TutorAPIURL   string `envconfig:"TUTOR_API_URL" required:"true"`
	TutorAPIToken string `envconfig:"TUTOR_API_TOKEN" default:""` // Bearer token, optional
	ChatTimeout   int    `envconfig:"CHAT_TIMEOUT" default:"20"`  // seconds
	QuizQuestions int    `envconfig:"QUIZ_QUESTIONS" default:"5"` // Questions per voice-triggered quiz

	// Deepgram STT configuration. An empty key means speech capture is unsupported.
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`

	// Cartesia TTS configuration. An empty key means speech synthesis is unsupported.
	CartesiaAPIKey  string  `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaAPIURL  string  `envconfig:"CARTESIA_API_URL" default:"https://api.cartesia.ai/tts/bytes"`
	CartesiaVoiceID string  `envconfig:"CARTESIA_VOICE_ID" default:"a0e99841-438c-4a64-b679-ae501e7d6091"`
	CartesiaModelID string  `envconfig:"CARTESIA_MODEL_ID" default:"sonic-english"`
	SpeechRate      float64 `envconfig:"SPEECH_RATE" default:"0.9"`
	SpeechPitch     float64 `envconfig:"SPEECH_PITCH" default:"1.0"`
	SpeechVolume    float64 `envconfig:"SPEECH_VOLUME" default:"1.0"`

	// Audio configuration
	MicSampleRate      int     `envconfig:"MIC_SAMPLE_RATE" default:"16000"`      // Client microphone rate
	MicEncoding        string  `envconfig:"MIC_ENCODING" default:"linear16"`      // linear16 or mulaw
	OutputSampleRate   int     `envconfig:"OUTPUT_SAMPLE_RATE" default:"24000"`   // Rate of audio sent back to clients
	OutputEncoding     string  `envconfig:"OUTPUT_ENCODING" default:"linear16"`   // linear16 or mulaw
	LevelWindowSize    int     `envconfig:"LEVEL_WINDOW_SIZE" default:"256"`      // FFT size of the level monitor
	LevelFrameRate     int     `envconfig:"LEVEL_FRAME_RATE" default:"60"`        // Level samples per second
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	NoSpeechTimeout    int     `envconfig:"NO_SPEECH_TIMEOUT" default:"8"`        // seconds of silence before no-speech

	// Session identifier storage. Empty REDIS_URL keeps ids in process memory.
	RedisURL        string `envconfig:"REDIS_URL" default:""`
	SessionIDTTL    int    `envconfig:"SESSION_ID_TTL" default:"86400"` // seconds
	MicGrantTimeout int    `envconfig:"MIC_GRANT_TIMEOUT" default:"30"` // seconds to wait for mic permission

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"250"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express with tags
func (c *Config) Validate() error {
	if c.TutorAPIURL == "" {
		return fmt.Errorf("TUTOR_API_URL is required")
	}
	switch c.OutputEncoding {
	case "linear16", "mulaw":
	default:
		return fmt.Errorf("OUTPUT_ENCODING must be linear16 or mulaw, got %q", c.OutputEncoding)
	}
	switch c.MicEncoding {
	case "linear16", "mulaw":
	default:
		return fmt.Errorf("MIC_ENCODING must be linear16 or mulaw, got %q", c.MicEncoding)
	}
	if c.LevelWindowSize <= 0 || c.LevelWindowSize&(c.LevelWindowSize-1) != 0 {
		return fmt.Errorf("LEVEL_WINDOW_SIZE must be a power of two, got %d", c.LevelWindowSize)
	}
	if c.MicSampleRate <= 0 || c.OutputSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	return nil
}

// ChatTimeoutDuration returns the per-request chat API timeout
func (c *Config) ChatTimeoutDuration() time.Duration {
	return time.Duration(c.ChatTimeout) * time.Second
}

// NoSpeechDuration returns the silence window that triggers a no-speech event
func (c *Config) NoSpeechDuration() time.Duration {
	return time.Duration(c.NoSpeechTimeout) * time.Second
}
