package whisper

import (
	"bytes"
	"fmt"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/MrWong99/agentvoice/pkg/audio"
)

// decodeWAVMono16k decodes a WAV blob and returns mono float32 samples at the
// 16 kHz rate whisper models require.
func decodeWAVMono16k(data []byte) ([]float32, error) {
	streamer, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("whisper: decode wav: %w", err)
	}
	defer streamer.Close()

	mono := downmix(streamer, streamer.Len())
	if int(format.SampleRate) == modelSampleRate {
		return mono, nil
	}
	return audio.Resample(mono, 1, int(format.SampleRate), modelSampleRate), nil
}

// downmix drains s and averages the left and right channels. beep always
// yields stereo pairs, with both channels equal for mono sources.
func downmix(s beep.Streamer, sizeHint int) []float32 {
	out := make([]float32, 0, max(sizeHint, 0))
	buf := make([][2]float64, 512)
	for {
		n, ok := s.Stream(buf)
		for _, frame := range buf[:n] {
			out = append(out, float32((frame[0]+frame[1])/2))
		}
		if !ok || n == 0 {
			return out
		}
	}
}
