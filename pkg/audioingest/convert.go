// Package audioingest turns raw microphone/channel audio into the mono
// 16-bit PCM samples the shared feature buffer's producer side consumes
// (see featbuf.Buffer.ProducerProcessRaw). Opus transport decoding and
// sample-rate/channel conversion are handled here; everything past that
// boundary (MFCC, CMN, LDA) is the SignalProcessor's concern and out of
// scope for this package.
package audioingest

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// TargetFormat is the format featbuf producers expect: mono PCM at the
// acoustic front end's native analysis rate.
var TargetFormat = Format{SampleRate: 16000, Channels: 1}

// Converter resamples and downmixes PCM to [TargetFormat]. It logs a
// warning on the first format mismatch and on the first corrupt frame.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// NewConverter returns a Converter targeting [TargetFormat].
func NewConverter() *Converter {
	return &Converter{Target: TargetFormat}
}

// Convert converts src (little-endian int16 PCM bytes at rate/channels)
// to the target format. If src already matches the target, it is returned
// unchanged (zero allocation). Conversion order: resample first, then
// downmix, so stereo is never resampled after becoming mono-sized.
func (c *Converter) Convert(src []byte, sampleRate, channels int) []byte {
	if len(src)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audioingest: odd byte count in PCM data, dropping frame",
				"bytes", len(src), "sampleRate", sampleRate, "channels", channels)
		})
		return nil
	}

	if sampleRate == c.Target.SampleRate && channels == c.Target.Channels {
		return src
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audioingest: format mismatch, converting",
			"from", formatString(sampleRate, channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels))
	})

	pcm := src
	curRate, curChannels := sampleRate, channels

	if curRate != c.Target.SampleRate {
		if curChannels == 1 {
			pcm = ResampleMono16(pcm, curRate, c.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, curRate, c.Target.SampleRate)
		}
		curRate = c.Target.SampleRate
	}

	if curChannels != c.Target.Channels {
		if curChannels == 2 && c.Target.Channels == 1 {
			pcm = StereoToMono(pcm)
		} else if curChannels == 1 && c.Target.Channels == 2 {
			pcm = MonoToStereo(pcm)
		}
	}

	return pcm
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono
// output. Uses int32 arithmetic to prevent overflow and clamps to the
// int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j], out[j+1] = lo, hi
		out[j+2], out[j+3] = lo, hi
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, the input is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interp := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interp)
		out[i*2+1] = byte(interp >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate
// using linear interpolation. Each stereo frame is 4 bytes (L+R
// interleaved). If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8
		var l1, r1 int16
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		} else {
			l1, r1 = l0, r0
		}

		li := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		ri := int16(float64(r0)*(1-frac) + float64(r1)*frac)
		out[i*4] = byte(li)
		out[i*4+1] = byte(li >> 8)
		out[i*4+2] = byte(ri)
		out[i*4+3] = byte(ri >> 8)
	}
	return out
}

// BytesToInt16 converts little-endian PCM bytes to int16 samples, the
// format featbuf.Buffer.ProducerProcessRaw expects.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}

func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
