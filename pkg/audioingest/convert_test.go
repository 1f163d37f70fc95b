package audioingest_test

import (
	"encoding/binary"
	"testing"

	"github.com/latticebound/decodepipe/pkg/audioingest"
)

func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	mono := samplesToBytes([]int16{100, 200, 300})
	stereo := audioingest.MonoToStereo(mono)
	got := bytesToSamples(stereo)
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := audioingest.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	t.Parallel()
	stereo := samplesToBytes([]int16{32767, 32767})
	mono := audioingest.StereoToMono(stereo)
	got := bytesToSamples(mono)
	if got[0] != 32767 {
		t.Errorf("got %d, want 32767", got[0])
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audioingest.ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audioingest.ResampleMono16(pcm, 48000, 16000)
	got := bytesToSamples(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0] != 100 {
		t.Errorf("first sample: got %d, want 100", got[0])
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200})
	if out := audioingest.ResampleMono16(pcm, 0, 16000); len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	if out := audioingest.ResampleMono16(pcm, 16000, 0); len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero dstRate, got len %d", len(out))
	}
}

func TestResampleStereo16(t *testing.T) {
	t.Parallel()
	// 2 stereo frames at 16kHz → 6 stereo frames (12 samples) at 48kHz
	pcm := samplesToBytes([]int16{100, 200, 300, 400})
	out := audioingest.ResampleStereo16(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 12 {
		t.Fatalf("expected 12 samples, got %d", len(got))
	}
}

func TestConverter_NoOp(t *testing.T) {
	t.Parallel()
	conv := audioingest.NewConverter()
	src := samplesToBytes([]int16{100, 200})
	out := conv.Convert(src, audioingest.TargetFormat.SampleRate, audioingest.TargetFormat.Channels)
	if &out[0] != &src[0] {
		t.Error("expected same slice (zero allocation) for matching format")
	}
}

func TestConverter_OpusNativeToTarget(t *testing.T) {
	t.Parallel()
	conv := audioingest.NewConverter()
	native := audioingest.NativeFormat()
	src := samplesToBytes([]int16{1000, 2000, 3000, 4000}) // 2 stereo frames @ 48kHz
	out := conv.Convert(src, native.SampleRate, native.Channels)
	got := bytesToSamples(out)
	if len(got) == 0 {
		t.Fatal("expected non-empty output")
	}
	if len(out)%2 != 0 {
		t.Errorf("expected whole int16 samples, got %d bytes", len(out))
	}
}

func TestConverter_OddByteCountDropped(t *testing.T) {
	t.Parallel()
	conv := audioingest.NewConverter()
	out := conv.Convert([]byte{1, 2, 3}, 16000, 1)
	if out != nil {
		t.Errorf("expected nil for odd byte count, got %d bytes", len(out))
	}
}

func TestBytesToInt16(t *testing.T) {
	t.Parallel()
	b := samplesToBytes([]int16{1, -1, 32767, -32768})
	got := audioingest.BytesToInt16(b)
	want := []int16{1, -1, 32767, -32768}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}
