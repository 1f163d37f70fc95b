package stage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/latticebound/decodepipe/internal/decode/bptbl"
	"github.com/latticebound/decodepipe/internal/decode/featbuf"
	"github.com/latticebound/decodepipe/internal/decode/scorer"
	"github.com/latticebound/decodepipe/pkg/frame"
)

type oneDimProcessor struct{}

func (oneDimProcessor) Reset() {}

func (oneDimProcessor) ProcessRaw(samples []int16, _ bool) ([]frame.Frame, error) {
	out := make([]frame.Frame, len(samples))
	for i, s := range samples {
		out[i] = frame.Frame{float32(s)}
	}
	return out, nil
}

func (oneDimProcessor) ProcessCep([][]float64, bool) ([]frame.Frame, error) { return nil, nil }
func (oneDimProcessor) Drain() ([]frame.Frame, error)                       { return nil, nil }

// constantModel always scores every senone the same way regardless of
// frame content, so each word's best score stops improving after its
// first frame and StateAlign advances exactly at MinFrames.
type constantModel struct {
	n int
}

func (m constantModel) NumSenones() int { return m.n }

func (m constantModel) Score(_ frame.Frame, deltaList []uint8, out []int32) error {
	for i := range deltaList {
		out[i] = 7
	}
	return nil
}

func TestStateAlign_SegIterYieldsMonotonicFramesForKnownWords(t *testing.T) {
	t.Parallel()

	buf := featbuf.New(1, oneDimProcessor{})
	if err := buf.Retain(); err != nil {
		t.Fatal(err)
	}
	sc := scorer.New(buf, constantModel{n: 4})
	bp := bptbl.New(identityPhoneCtx{}, 8, 8)

	words := []WordSpec{
		{WordID: 10, Senones: []scorer.SenoneID{0}, MinFrames: 2},
		{WordID: 11, Senones: []scorer.SenoneID{1}, MinFrames: 2},
		{WordID: 12, Senones: []scorer.SenoneID{2}, MinFrames: 2},
	}
	sa := NewStateAlign(buf, sc, bp, words, time.Second)

	buf.ProducerStartUtt("utt")
	if err := sa.StartUtt(context.Background()); err != nil {
		t.Fatalf("start utt: %v", err)
	}
	if err := buf.ProducerProcessRaw([]int16{1, 2, 3, 4, 5, 6}, false); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := buf.ProducerEndUtt(context.Background()); err != nil {
			t.Errorf("producer end utt: %v", err)
		}
	}()

	frames := 0
	for {
		n, err := sa.Decode(context.Background())
		frames += n
		if err != nil {
			if errors.Is(err, ErrEndOfUtterance) {
				break
			}
			t.Fatalf("decode: %v", err)
		}
	}
	if frames != 6 {
		t.Fatalf("frames decoded = %d, want 6", frames)
	}

	if err := sa.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	wg.Wait()

	segs, err := sa.SegIter()
	if err != nil {
		t.Fatalf("seg iter: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("len(segs) = %d, want 3: %+v", len(segs), segs)
	}

	wantIDs := []bptbl.WordID{10, 11, 12}
	lastEnd := -1
	lastStart := -1
	for i, seg := range segs {
		if seg.WordID != wantIDs[i] {
			t.Fatalf("segs[%d].WordID = %d, want %d", i, seg.WordID, wantIDs[i])
		}
		if seg.StartFrame < lastStart {
			t.Fatalf("segs[%d].StartFrame = %d, not monotonically non-decreasing (prev %d)", i, seg.StartFrame, lastStart)
		}
		if seg.EndFrame <= lastEnd {
			t.Fatalf("segs[%d].EndFrame = %d, not strictly increasing (prev %d)", i, seg.EndFrame, lastEnd)
		}
		lastStart, lastEnd = seg.StartFrame, seg.EndFrame
	}
	if segs[0].StartFrame != 0 || segs[0].EndFrame != 1 {
		t.Fatalf("segs[0] = %+v, want start 0 end 1", segs[0])
	}
	if segs[1].StartFrame != 2 || segs[1].EndFrame != 3 {
		t.Fatalf("segs[1] = %+v, want start 2 end 3", segs[1])
	}
	if segs[2].StartFrame != 4 || segs[2].EndFrame != 5 {
		t.Fatalf("segs[2] = %+v, want start 4 end 5", segs[2])
	}
}

func TestStateAlign_HypReturnsEmptyBeforeAnyWordEnters(t *testing.T) {
	t.Parallel()

	buf := featbuf.New(1, oneDimProcessor{})
	if err := buf.Retain(); err != nil {
		t.Fatal(err)
	}
	sc := scorer.New(buf, constantModel{n: 1})
	bp := bptbl.New(identityPhoneCtx{}, 4, 4)
	sa := NewStateAlign(buf, sc, bp, nil, time.Second)

	buf.ProducerStartUtt("utt")
	if err := sa.StartUtt(context.Background()); err != nil {
		t.Fatalf("start utt: %v", err)
	}
	hyp, score := sa.Hyp()
	if hyp != "" || score != 0 {
		t.Fatalf("Hyp() = (%q, %d), want empty", hyp, score)
	}
	if _, err := sa.Decode(context.Background()); !errors.Is(err, ErrEndOfUtterance) {
		t.Fatalf("decode with no words = %v, want ErrEndOfUtterance", err)
	}
}
