package audio

import (
	"math"
	"testing"
)

func TestDecodeEncodePCM16(t *testing.T) {
	raw := []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80}
	samples, err := DecodePCM16(raw)
	if err != nil {
		t.Fatalf("DecodePCM16 failed: %v", err)
	}

	expected := []int16{0, 32767, -32768}
	for i, e := range expected {
		if samples[i] != e {
			t.Errorf("Expected sample %d at index %d, got %d", e, i, samples[i])
		}
	}

	back := EncodePCM16(samples)
	for i := range raw {
		if back[i] != raw[i] {
			t.Errorf("Expected byte %d at index %d, got %d", raw[i], i, back[i])
		}
	}
}

func TestDecodePCM16_OddLength(t *testing.T) {
	if _, err := DecodePCM16([]byte{1}); err == nil {
		t.Error("Expected error for odd-length input")
	}
}

func TestConvertPCMToPCMU_Resample(t *testing.T) {
	samples := make([]int16, 2400) // 0.1s at 24kHz
	for i := range samples {
		samples[i] = int16(i % 1000)
	}

	pcmu, err := ConvertPCMToPCMU(EncodePCM16(samples), 24000, 8000)
	if err != nil {
		t.Fatalf("ConvertPCMToPCMU failed: %v", err)
	}
	if len(pcmu) != 800 {
		t.Errorf("Expected 800 μ-law bytes, got %d", len(pcmu))
	}
}

func TestMulaw_RoundTrip(t *testing.T) {
	for _, sample := range []int16{-32768, -16000, -4000, -300, -5, 0, 5, 300, 4000, 16000, 32767} {
		got := mulawToLinear(linearToMulaw(sample))

		diff := math.Abs(float64(sample) - float64(got))
		tolerance := math.Abs(float64(sample))/16 + 16
		if diff > tolerance {
			t.Errorf("Round-trip of %d gave %d (diff %.0f > %.0f)", sample, got, diff, tolerance)
		}
	}
}

func TestMulaw_SilenceAndSign(t *testing.T) {
	if linearToMulaw(0) != 0xFF {
		t.Errorf("Expected 0xFF for silence, got %#x", linearToMulaw(0))
	}
	if mulawToLinear(linearToMulaw(1000)) <= 0 || mulawToLinear(linearToMulaw(-1000)) >= 0 {
		t.Error("Expected sign to survive encoding")
	}
}

func TestConvertPCMUToPCM(t *testing.T) {
	pcm, err := ConvertPCMUToPCM([]byte{0x7F, 0xFF, 0x00, 0x80})
	if err != nil {
		t.Fatalf("ConvertPCMUToPCM failed: %v", err)
	}
	if len(pcm) != 8 {
		t.Errorf("Expected 8 bytes, got %d", len(pcm))
	}

	if _, err := ConvertPCMUToPCM(nil); err == nil {
		t.Error("Expected error for empty input")
	}
}

func TestDecodeInput(t *testing.T) {
	pcm := EncodePCM16([]int16{1, 2})
	got, err := DecodeInput(pcm, EncodingLinear16)
	if err != nil || len(got) != len(pcm) {
		t.Errorf("Expected linear16 passthrough, got %d bytes, err %v", len(got), err)
	}

	got, err = DecodeInput([]byte{0xFF, 0xFF, 0xFF}, EncodingMulaw)
	if err != nil {
		t.Fatalf("DecodeInput mulaw failed: %v", err)
	}
	if len(got) != 6 {
		t.Errorf("Expected 6 bytes, got %d", len(got))
	}

	if _, err := DecodeInput(pcm, "opus"); err == nil {
		t.Error("Expected error for unsupported encoding")
	}
}

func TestEncodeOutput(t *testing.T) {
	pcm := EncodePCM16(make([]int16, 480)) // 20ms at 24kHz

	tests := []struct {
		name     string
		encoding string
		outRate  int
		wantLen  int
		wantErr  bool
	}{
		{"linear16 passthrough", EncodingLinear16, 24000, 960, false},
		{"linear16 resampled", EncodingLinear16, 16000, 640, false},
		{"mulaw 8k", EncodingMulaw, 8000, 160, false},
		{"unknown", "opus", 24000, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := EncodeOutput(pcm, 24000, tt.outRate, tt.encoding)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("EncodeOutput failed: %v", err)
			}
			if len(out) != tt.wantLen {
				t.Errorf("Expected %d bytes, got %d", tt.wantLen, len(out))
			}
		})
	}
}

func TestResample(t *testing.T) {
	samples := make([]int16, 100)
	for i := range samples {
		samples[i] = int16(i * 100)
	}

	if got := len(Resample(samples, 8000, 16000)); got != 200 {
		t.Errorf("Expected 200 samples upsampled, got %d", got)
	}
	if got := len(Resample(samples, 16000, 8000)); got != 50 {
		t.Errorf("Expected 50 samples downsampled, got %d", got)
	}
	if got := len(Resample(samples, 8000, 8000)); got != 100 {
		t.Errorf("Expected unchanged length, got %d", got)
	}
}

func TestCalculateRMS(t *testing.T) {
	rms := CalculateRMS([]int16{1000, -1000, 2000, -2000})
	expected := math.Sqrt((1000000 + 1000000 + 4000000 + 4000000) / 4.0)
	if math.Abs(rms-expected) > 0.1 {
		t.Errorf("Expected RMS %.2f, got %.2f", expected, rms)
	}

	if CalculateRMS(nil) != 0 {
		t.Error("Expected RMS 0 for empty input")
	}
}
