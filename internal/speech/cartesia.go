package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/brillia/voice-tutor/internal/config"
	"github.com/brillia/voice-tutor/internal/observability"
	"github.com/brillia/voice-tutor/internal/resilience"
)

const (
	cartesiaVersion    = "2024-06-10"
	cartesiaSampleRate = 24000
	// 100ms of 16-bit mono audio at 24kHz
	cartesiaChunkBytes = cartesiaSampleRate / 10 * 2
)

// CartesiaRequest is the /tts/bytes request payload
type CartesiaRequest struct {
	ModelID      string         `json:"model_id"`
	Transcript   string         `json:"transcript"`
	Voice        CartesiaVoice  `json:"voice"`
	OutputFormat CartesiaFormat `json:"output_format"`
	Language     string         `json:"language,omitempty"`
}

// CartesiaVoice selects the voice and its controls
type CartesiaVoice struct {
	Mode     string            `json:"mode"`
	ID       string            `json:"id"`
	Controls *CartesiaControls `json:"__experimental_controls,omitempty"`
}

// CartesiaControls adjusts delivery. Speed is in [-1, 1] with 0 as normal.
type CartesiaControls struct {
	Speed float64 `json:"speed"`
}

// CartesiaFormat describes the raw audio Cartesia returns
type CartesiaFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// CartesiaClient implements Synthesizer using Cartesia's TTS API
type CartesiaClient struct {
	apiKey         string
	apiURL         string
	voiceID        string
	modelID        string
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config) *CartesiaClient {
	cb := resilience.NewCircuitBreaker(
		"cartesia",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	cb.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	return &CartesiaClient{
		apiKey:         cfg.CartesiaAPIKey,
		apiURL:         cfg.CartesiaAPIURL,
		voiceID:        cfg.CartesiaVoiceID,
		modelID:        cfg.CartesiaModelID,
		httpClient:     &http.Client{},
		circuitBreaker: cb,
		logger:         observability.Component("cartesia"),
	}
}

// Available reports whether an API key is configured
func (c *CartesiaClient) Available() bool {
	return c.apiKey != ""
}

// SampleRate returns the PCM rate requested from Cartesia
func (c *CartesiaClient) SampleRate() int {
	return cartesiaSampleRate
}

// speedControl maps a speech rate (1.0 normal) onto Cartesia's speed scale
func speedControl(rate float64) *CartesiaControls {
	if rate == 0 || rate == 1 {
		return nil
	}
	speed := rate - 1
	if speed < -1 {
		speed = -1
	}
	if speed > 1 {
		speed = 1
	}
	return &CartesiaControls{Speed: speed}
}

// Synthesize requests raw PCM and streams it to write in fixed-size chunks
func (c *CartesiaClient) Synthesize(ctx context.Context, text string, profile Profile, write func(pcm []byte) error) error {
	if !c.Available() {
		return ErrUnavailable
	}
	if profile.Pitch != 0 && profile.Pitch != 1 {
		c.logger.Debug().Float64("pitch", profile.Pitch).Msg("Cartesia ignores pitch; using natural pitch")
	}

	reqBody := CartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice: CartesiaVoice{
			Mode:     "id",
			ID:       c.voiceID,
			Controls: speedControl(profile.Rate),
		},
		OutputFormat: CartesiaFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaSampleRate,
		},
		Language: "en",
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response
	err = c.circuitBreaker.Call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("Cartesia-Version", cartesiaVersion)

		resp, err = c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to make request: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			observability.IncrementCircuitBreakerFailures("cartesia")
		}
		return err
	}
	defer resp.Body.Close()

	buf := make([]byte, cartesiaChunkBytes)
	total := 0
	for {
		n, readErr := io.ReadFull(resp.Body, buf)
		// keep chunks sample-aligned
		if n%2 == 1 {
			n--
		}
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := write(chunk); err != nil {
				return err
			}
			total += n
		}

		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			if total == 0 {
				return fmt.Errorf("cartesia returned empty audio")
			}
			c.logger.Debug().Int("bytes", total).Msg("Cartesia synthesis complete")
			return nil
		default:
			return fmt.Errorf("failed to read Cartesia audio: %w", readErr)
		}
	}
}
