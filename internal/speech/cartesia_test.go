package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/brillia/voice-tutor/internal/config"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		CartesiaAPIKey:             "test-key",
		CartesiaAPIURL:             url,
		CartesiaVoiceID:            "voice-1",
		CartesiaModelID:            "sonic-english",
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
	}
}

func TestCartesiaClient_Synthesize(t *testing.T) {
	var got CartesiaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("Expected API key header, got %q", r.Header.Get("X-API-Key"))
		}
		if r.Header.Get("Cartesia-Version") == "" {
			t.Error("Expected Cartesia-Version header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		// 250ms of audio -> 3 chunks
		w.Write(make([]byte, cartesiaChunkBytes*5/2))
	}))
	defer server.Close()

	c := NewCartesiaClient(testConfig(server.URL))

	var chunks []int
	err := c.Synthesize(context.Background(), "Gradient descent is...", DefaultProfile(), func(pcm []byte) error {
		chunks = append(chunks, len(pcm))
		return nil
	})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	if got.Transcript != "Gradient descent is..." || got.Voice.ID != "voice-1" || got.ModelID != "sonic-english" {
		t.Errorf("Unexpected request %+v", got)
	}
	if got.OutputFormat.Encoding != "pcm_s16le" || got.OutputFormat.SampleRate != 24000 {
		t.Errorf("Unexpected output format %+v", got.OutputFormat)
	}
	if got.Voice.Controls == nil || got.Voice.Controls.Speed > -0.09 || got.Voice.Controls.Speed < -0.11 {
		t.Errorf("Expected speed control near -0.1 for rate 0.9, got %+v", got.Voice.Controls)
	}

	if len(chunks) != 3 || chunks[0] != cartesiaChunkBytes || chunks[2] != cartesiaChunkBytes/2 {
		t.Errorf("Unexpected chunking %v", chunks)
	}
}

func TestCartesiaClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid voice", http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewCartesiaClient(testConfig(server.URL))
	err := c.Synthesize(context.Background(), "hi", DefaultProfile(), func([]byte) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("Expected status error, got %v", err)
	}
}

func TestCartesiaClient_EmptyAudio(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	c := NewCartesiaClient(testConfig(server.URL))
	if err := c.Synthesize(context.Background(), "hi", DefaultProfile(), func([]byte) error { return nil }); err == nil {
		t.Error("Expected error for empty audio")
	}
}

func TestCartesiaClient_Unavailable(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.CartesiaAPIKey = ""
	c := NewCartesiaClient(cfg)

	if c.Available() {
		t.Error("Expected client without key to be unavailable")
	}
	if err := c.Synthesize(context.Background(), "hi", DefaultProfile(), nil); err != ErrUnavailable {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}

func TestSpeedControl(t *testing.T) {
	if speedControl(1.0) != nil {
		t.Error("Expected no controls at normal rate")
	}
	if c := speedControl(3.0); c.Speed != 1 {
		t.Errorf("Expected speed clamped to 1, got %f", c.Speed)
	}
	if c := speedControl(0.5); c.Speed != -0.5 {
		t.Errorf("Expected speed -0.5, got %f", c.Speed)
	}
}
