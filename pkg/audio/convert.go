package audio

import (
	"encoding/binary"
	"fmt"
)

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match or are invalid the input is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	in := PCM16ToFloat(pcm)
	return FloatToPCM16(Resample(in, 1, srcRate, dstRate))
}

// Resample converts interleaved float samples with the given channel count
// from srcRate to dstRate using linear interpolation per channel.
func Resample(samples []float32, channels, srcRate, dstRate int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < channels {
		return samples
	}
	srcFrames := len(samples) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for c := range channels {
			s0 := samples[idx*channels+c]
			s1 := samples[next*channels+c]
			out[i*channels+c] = s0*(1-frac) + s1*frac
		}
	}
	return out
}

// Remix converts interleaved float samples between channel counts. Mono is
// duplicated across all output channels; multi-channel input folded to mono
// is averaged. Other combinations copy the first min(src, dst) channels.
func Remix(samples []float32, srcChannels, dstChannels int) []float32 {
	if srcChannels <= 0 || dstChannels <= 0 || srcChannels == dstChannels {
		return samples
	}
	frames := len(samples) / srcChannels
	out := make([]float32, frames*dstChannels)
	for i := range frames {
		in := samples[i*srcChannels : (i+1)*srcChannels]
		switch {
		case srcChannels == 1:
			for c := range dstChannels {
				out[i*dstChannels+c] = in[0]
			}
		case dstChannels == 1:
			var sum float32
			for _, s := range in {
				sum += s
			}
			out[i] = sum / float32(srcChannels)
		default:
			for c := range min(srcChannels, dstChannels) {
				out[i*dstChannels+c] = in[c]
			}
		}
	}
	return out
}

// Int16ToFloat converts decoded int16 samples (e.g. from an Opus decoder)
// into the float domain used by playback.
func Int16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// PCM16Samples returns the little-endian int16 samples held in pcm.
func PCM16Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// FormatString returns a human-readable description such as "24000Hz mono".
func FormatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
