package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encodings accepted by EncodeOutput and DecodeInput
const (
	EncodingLinear16 = "linear16"
	EncodingMulaw    = "mulaw"
)

// DecodePCM16 converts little-endian 16-bit PCM to samples
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(pcm))
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// EncodePCM16 converts samples to little-endian 16-bit PCM
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// EncodeOutput converts synthesized PCM16LE at inputRate into the client's
// playback format.
func EncodeOutput(pcm []byte, inputRate, outputRate int, encoding string) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}

	switch encoding {
	case EncodingLinear16, "":
		if inputRate == outputRate {
			return pcm, nil
		}
		samples, err := DecodePCM16(pcm)
		if err != nil {
			return nil, err
		}
		return EncodePCM16(Resample(samples, inputRate, outputRate)), nil
	case EncodingMulaw:
		return ConvertPCMToPCMU(pcm, inputRate, outputRate)
	default:
		return nil, fmt.Errorf("unsupported output encoding %q", encoding)
	}
}

// DecodeInput converts a client microphone frame to PCM16LE
func DecodeInput(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingLinear16, "":
		return data, nil
	case EncodingMulaw:
		return ConvertPCMUToPCM(data)
	default:
		return nil, fmt.Errorf("unsupported input encoding %q", encoding)
	}
}

// ConvertPCMToPCMU converts PCM16LE to G.711 μ-law, resampling if needed
func ConvertPCMToPCMU(pcmData []byte, inputSampleRate, outputSampleRate int) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	samples, err := DecodePCM16(pcmData)
	if err != nil {
		return nil, err
	}

	samples = Resample(samples, inputSampleRate, outputSampleRate)

	pcmuData := make([]byte, len(samples))
	for i, sample := range samples {
		pcmuData[i] = linearToMulaw(sample)
	}
	return pcmuData, nil
}

// Resample performs linear interpolation resampling
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio
		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}
		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// linearToMulaw encodes a 16-bit sample as 8-bit μ-law (ITU-T G.711)
func linearToMulaw(sample int16) byte {
	const (
		clip = 8159
		bias = 0x21
	)

	var sign byte
	magnitude := int32(sample) >> 2 // 14-bit range
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias
	if magnitude >= 0x2000 {
		return ^(sign | 0x7F)
	}

	var segment byte
	for seg := byte(7); seg > 0; seg-- {
		if magnitude >= int32(0x20)<<seg {
			segment = seg
			break
		}
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | (segment << 4) | mantissa)
}

// ConvertPCMUToPCM decodes G.711 μ-law to PCM16LE
func ConvertPCMUToPCM(pcmuData []byte) ([]byte, error) {
	if len(pcmuData) == 0 {
		return nil, fmt.Errorf("empty PCMU data")
	}

	samples := make([]int16, len(pcmuData))
	for i, b := range pcmuData {
		samples[i] = mulawToLinear(b)
	}
	return EncodePCM16(samples), nil
}

// mulawToLinear decodes an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	magnitude := ((mantissa << (segment + 1)) + (int32(33) << segment) - 33) << 2
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
