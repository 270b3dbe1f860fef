package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// FloatToPCM16 converts floating-point samples to 16-bit signed little-endian
// PCM. Each sample is clamped to [-1, 1]; positive values scale by 32767 and
// negative values by 32768 so both ends of the int16 range are reachable.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// PCM16ToFloat reinterprets little-endian PCM16 bytes as int16 samples and
// divides each by 32768. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// EncodeBase64PCM returns the standard base64 encoding of PCM16 bytes, the
// framing used by the duplex wire protocol.
func EncodeBase64PCM(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64PCM decodes a base64 PCM16 payload into float samples.
func DecodeBase64PCM(b64 string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	if len(raw)%BytesPerSample != 0 {
		return nil, fmt.Errorf("audio: odd PCM16 byte count %d", len(raw))
	}
	return PCM16ToFloat(raw), nil
}
