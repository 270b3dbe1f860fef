package audio

import "time"

const (
	// DuplexSampleRate is the fixed sample rate of the duplex streaming path.
	DuplexSampleRate = 24000

	// DefaultFrameSamples is the number of samples captured per processing
	// callback (~85 ms at 24 kHz).
	DefaultFrameSamples = 2048

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2
)

// AudioFrame is a single block of PCM16 audio flowing through the pipeline.
// Frames are immutable once created: producers must not touch Data after
// handing a frame to a consumer.
type AudioFrame struct {
	// Data is 16-bit signed little-endian PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (24000 on the duplex path).
	SampleRate int

	// Channels is 1 for mono capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration

	// Seq increases by one per frame within a capture run and is used to
	// assert capture order downstream.
	Seq uint64
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (BytesPerSample * ch)
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
