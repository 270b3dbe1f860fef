package playback

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"layeh.com/gopus"

	"github.com/MrWong99/agentvoice/pkg/audio"
)

// Opus always decodes at 48 kHz regardless of the original input rate.
const (
	opusSampleRate = 48000
	// opusMaxFrameSize is the largest Opus frame (120 ms) in samples per channel.
	opusMaxFrameSize = opusSampleRate * 120 / 1000
	oggHeaderSize    = 27
)

var errNotOgg = errors.New("playback: missing OggS capture pattern")

// oggPacketReader splits an Ogg bitstream into packets. It assumes a single
// logical stream, which is what speech endpoints emit.
type oggPacketReader struct {
	r       io.Reader
	pending []byte
	packets [][]byte
}

func newOggPacketReader(r io.Reader) *oggPacketReader {
	return &oggPacketReader{r: r}
}

// next returns the next complete packet or io.EOF.
func (o *oggPacketReader) next() ([]byte, error) {
	for len(o.packets) == 0 {
		if err := o.readPage(); err != nil {
			return nil, err
		}
	}
	p := o.packets[0]
	o.packets = o.packets[1:]
	return p, nil
}

func (o *oggPacketReader) readPage() error {
	var hdr [oggHeaderSize]byte
	if _, err := io.ReadFull(o.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("playback: truncated ogg page: %w", err)
		}
		return err
	}
	if !bytes.Equal(hdr[:4], []byte("OggS")) {
		return errNotOgg
	}
	segments := make([]byte, hdr[26])
	if _, err := io.ReadFull(o.r, segments); err != nil {
		return fmt.Errorf("playback: read ogg segment table: %w", err)
	}
	total := 0
	for _, l := range segments {
		total += int(l)
	}
	body := make([]byte, total)
	if _, err := io.ReadFull(o.r, body); err != nil {
		return fmt.Errorf("playback: read ogg page body: %w", err)
	}

	off := 0
	for _, l := range segments {
		o.pending = append(o.pending, body[off:off+int(l)]...)
		off += int(l)
		// A lacing value below 255 terminates the packet.
		if l < 255 {
			o.packets = append(o.packets, o.pending)
			o.pending = nil
		}
	}
	return nil
}

// decodeOggOpus decodes a complete Ogg/Opus file into interleaved float
// samples at 48 kHz.
func decodeOggOpus(data []byte) (pcmClip, error) {
	pr := newOggPacketReader(bytes.NewReader(data))

	head, err := pr.next()
	if err != nil {
		return pcmClip{}, fmt.Errorf("playback: read OpusHead: %w", err)
	}
	if len(head) < 19 || !bytes.HasPrefix(head, []byte("OpusHead")) {
		return pcmClip{}, errors.New("playback: first ogg packet is not OpusHead")
	}
	channels := int(head[9])
	if channels < 1 || channels > 2 {
		return pcmClip{}, fmt.Errorf("playback: unsupported opus channel count %d", channels)
	}
	preSkip := int(binary.LittleEndian.Uint16(head[10:12]))

	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return pcmClip{}, fmt.Errorf("playback: create opus decoder: %w", err)
	}

	var samples []float32
	for {
		pkt, err := pr.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return pcmClip{}, err
		}
		if bytes.HasPrefix(pkt, []byte("OpusTags")) {
			continue
		}
		pcm, err := dec.Decode(pkt, opusMaxFrameSize, false)
		if err != nil {
			return pcmClip{}, fmt.Errorf("playback: opus decode: %w", err)
		}
		samples = append(samples, audio.Int16ToFloat(pcm)...)
	}

	skip := min(preSkip*channels, len(samples))
	return pcmClip{samples: samples[skip:], channels: channels, sampleRate: opusSampleRate}, nil
}
