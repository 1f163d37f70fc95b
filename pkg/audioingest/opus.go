package audioingest

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus transport audio is commonly 48 kHz stereo with 20 ms frames.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// OpusDecoder wraps a gopus Opus decoder for a single audio stream. Give
// each stream its own decoder to maintain decoder state correctly across
// consecutive packets.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates a new Opus decoder at the standard transport
// rate/channel count.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audioingest: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes an Opus packet into interleaved little-endian int16 PCM
// bytes at the stream's native rate/channels. The caller is responsible
// for passing the result through [Converter.Convert] before handing it to
// the feature buffer.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audioingest: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// NativeFormat is the format Opus packets decode to before conversion.
func NativeFormat() Format {
	return Format{SampleRate: opusSampleRate, Channels: opusChannels}
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
