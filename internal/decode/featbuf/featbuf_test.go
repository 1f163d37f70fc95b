package featbuf

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/latticebound/decodepipe/pkg/frame"
)

// passthroughProcessor treats each int16 sample as one 1-dimensional frame.
// It is a stand-in for the real MFCC/CMN/LDA pipeline, which is out of
// scope for this module.
type passthroughProcessor struct {
	mu       sync.Mutex
	resetN   int
	drainErr error
}

func (p *passthroughProcessor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetN++
}

func (p *passthroughProcessor) ProcessRaw(samples []int16, _ bool) ([]frame.Frame, error) {
	out := make([]frame.Frame, len(samples))
	for i, s := range samples {
		out[i] = frame.Frame{float32(s)}
	}
	return out, nil
}

func (p *passthroughProcessor) ProcessCep(cepstra [][]float64, _ bool) ([]frame.Frame, error) {
	out := make([]frame.Frame, len(cepstra))
	for i, c := range cepstra {
		f := make(frame.Frame, len(c))
		for j, v := range c {
			f[j] = float32(v)
		}
		out[i] = f
	}
	return out, nil
}

func (p *passthroughProcessor) Drain() ([]frame.Frame, error) {
	return nil, p.drainErr
}

func TestBuffer_RoundTrip_ProducerConsumers(t *testing.T) {
	t.Parallel()

	proc := &passthroughProcessor{}
	buf := New(1, proc)
	const nConsumers = 3
	for range nConsumers {
		if err := buf.Retain(); err != nil {
			t.Fatal(err)
		}
	}

	buf.ProducerStartUtt("utt-1")

	var wg sync.WaitGroup
	for c := range nConsumers {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			if err := buf.ConsumerStartUtt(time.Second); err != nil {
				t.Errorf("consumer %d start: %v", c, err)
				return
			}
			out := make(frame.Frame, 1)
			i := 0
			for {
				err := buf.ConsumerWait(i, time.Second, out)
				if errors.Is(err, context.DeadlineExceeded) {
					t.Errorf("consumer %d: unexpected deadline", c)
					return
				}
				if err != nil {
					// end of utterance
					buf.ConsumerEndUtt(i)
					return
				}
				if out[0] != float32(i) {
					t.Errorf("consumer %d: frame %d = %v, want %v", c, i, out[0], i)
				}
				buf.ConsumerRelease(i, i+1)
				i++
			}
		}(c)
	}

	samples := make([]int16, 10)
	for i := range samples {
		samples[i] = int16(i)
	}
	if err := buf.ProducerProcessRaw(samples, false); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := buf.ProducerEndUtt(ctx); err != nil {
		t.Fatalf("producer end utt: %v", err)
	}
	wg.Wait()

	if proc.resetN != 1 {
		t.Fatalf("signal processor reset %d times, want 1", proc.resetN)
	}
}

func TestBuffer_ShutdownUnblocksConsumerStart(t *testing.T) {
	t.Parallel()

	proc := &passthroughProcessor{}
	buf := New(1, proc)
	if err := buf.Retain(); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- buf.ConsumerStartUtt(-1)
	}()

	time.Sleep(10 * time.Millisecond)
	buf.ProducerShutdown()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCanceled) {
			t.Fatalf("consumer start after shutdown = %v, want ErrCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("shutdown did not unblock ConsumerStartUtt")
	}
}

func TestBuffer_DimensionMismatchRejected(t *testing.T) {
	t.Parallel()

	proc := &passthroughProcessor{}
	buf := New(2, proc) // configured for 2-dim frames but processor emits 1-dim
	if err := buf.ProducerProcessRaw([]int16{1}, false); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("process raw with wrong dim = %v, want ErrDimensionMismatch", err)
	}
}
