// Package featbuf implements the feature buffer (C2): the shared,
// frame-synchronized stream of feature frames that every search stage reads
// from. It wraps one [syncseq.Seq] sized to a single flattened feature frame
// plus producer-side utterance life-cycle state.
//
// Grounded on multisphinx/multisphinx/featbuf.c: producer_start_utt resets
// the signal pipeline and releases a start-utterance rendez-vous gate sized
// to the number of retained consumers; producer_end_utt drains the signal
// pipeline, finalizes the underlying sequence, then blocks until every
// consumer has called consumer_end_utt.
package featbuf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/latticebound/decodepipe/internal/decode/syncseq"
	"github.com/latticebound/decodepipe/internal/observe"
	"github.com/latticebound/decodepipe/pkg/frame"
)

var (
	// ErrCanceled is returned by ConsumerStartUtt when the producer has shut
	// down the feature buffer, or when a non-negative timeout elapses before
	// a start permit is released.
	ErrCanceled = errors.New("featbuf: producer canceled")
	// ErrDimensionMismatch is returned when a frame's length does not match
	// the buffer's configured dimension.
	ErrDimensionMismatch = errors.New("featbuf: frame dimension mismatch")
)

// SignalProcessor turns raw audio or cepstra into finished feature frames.
// It is the feature buffer's sole external collaborator for signal
// processing — MFCC/CMN/LDA internals are out of scope for this module and
// are reached only through this narrow interface.
type SignalProcessor interface {
	// Reset clears any per-utterance state (e.g. cepstral mean statistics).
	Reset()
	// ProcessRaw frames raw PCM samples into zero or more finished feature
	// frames. When fullUtt is true, the caller is presenting one complete
	// utterance at once, so whole-utterance statistics (CMN, AGC) may be
	// computed rather than estimated incrementally.
	ProcessRaw(samples []int16, fullUtt bool) ([]frame.Frame, error)
	// ProcessCep is the same as ProcessRaw but starts at the dynamic-feature
	// stage, taking already-computed cepstra.
	ProcessCep(cepstra [][]float64, fullUtt bool) ([]frame.Frame, error)
	// Drain flushes any buffered tail frames at end of utterance (e.g. a
	// delta-window's worth of lookahead).
	Drain() ([]frame.Frame, error)
}

// Buffer is the shared feature buffer. One producer goroutine drives it;
// any number of consumer goroutines retain it and read frames by index.
type Buffer struct {
	dim  frame.Dim
	seq  *syncseq.Seq[frame.Frame]
	proc SignalProcessor

	mu        sync.Mutex
	uttID     string
	canceled  bool
	startGate startGate
	endCount  int // consumers that have called ConsumerEndUtt this utterance

	metrics   *observe.Metrics
	lastDepth int64
}

// New creates a feature buffer for frames of dimension dim, using proc as
// the signal-processing back end.
func New(dim frame.Dim, proc SignalProcessor, opts ...syncseq.Option) *Buffer {
	return &Buffer{
		dim:     dim,
		seq:     syncseq.New[frame.Frame](opts...),
		proc:    proc,
		metrics: observe.DefaultMetrics(),
	}
}

// recordDepth reports the change in unreleased-frame count since the last
// call to the shared FeatureBufferDepth gauge.
func (b *Buffer) recordDepth() {
	depth := int64(b.seq.NextIdx() - b.seq.Base())
	b.mu.Lock()
	delta := depth - b.lastDepth
	b.lastDepth = depth
	b.mu.Unlock()
	if delta != 0 {
		b.metrics.FeatureBufferDepth.Add(context.Background(), delta)
	}
}

// Dim returns the configured frame dimension.
func (b *Buffer) Dim() frame.Dim { return b.dim }

// Retain registers a new consumer. Must be called once per consumer before
// any other consumer-side method.
func (b *Buffer) Retain() error { return b.seq.Retain() }

// Release drops the caller's consumer reference.
func (b *Buffer) Release() int { return b.seq.Release() }

// ── Producer side ───────────────────────────────────────────────────────────

// ProducerStartUtt resets the underlying sequence, resets the signal
// processor's utterance state, clears the canceled flag, and releases the
// start-utterance gate for exactly (refcount-1) consumers.
func (b *Buffer) ProducerStartUtt(uttID string) {
	b.seq.Reset()
	b.proc.Reset()

	b.mu.Lock()
	b.uttID = uttID
	b.canceled = false
	b.endCount = 0
	b.lastDepth = 0
	b.mu.Unlock()
	b.startGate.open(b.seq.Refcount() - 1)
}

// ProducerProcessRaw pushes raw PCM through the signal pipeline and appends
// every completed frame to the sequence. Never blocks on consumers.
func (b *Buffer) ProducerProcessRaw(samples []int16, fullUtt bool) error {
	frames, err := b.proc.ProcessRaw(samples, fullUtt)
	if err != nil {
		return fmt.Errorf("featbuf: process raw: %w", err)
	}
	return b.appendAll(frames)
}

// ProducerProcessCep is the cepstra-input analogue of ProducerProcessRaw.
func (b *Buffer) ProducerProcessCep(cepstra [][]float64, fullUtt bool) error {
	frames, err := b.proc.ProcessCep(cepstra, fullUtt)
	if err != nil {
		return fmt.Errorf("featbuf: process cep: %w", err)
	}
	return b.appendAll(frames)
}

func (b *Buffer) appendAll(frames []frame.Frame) error {
	for _, f := range frames {
		if err := b.dim.Validate(f); err != nil {
			return fmt.Errorf("featbuf: %w: %w", ErrDimensionMismatch, err)
		}
		if err := b.seq.Append(f); err != nil {
			return fmt.Errorf("featbuf: append: %w", err)
		}
	}
	if len(frames) > 0 {
		b.recordDepth()
	}
	return nil
}

// ProducerEndUtt drains the signal pipeline's tail frames, finalizes the
// sequence, then blocks until every retained consumer has called
// ConsumerEndUtt.
func (b *Buffer) ProducerEndUtt(ctx context.Context) error {
	tail, err := b.proc.Drain()
	if err != nil {
		return fmt.Errorf("featbuf: drain: %w", err)
	}
	if err := b.appendAll(tail); err != nil {
		return err
	}
	if _, err := b.seq.Finalize(); err != nil {
		return fmt.Errorf("featbuf: finalize: %w", err)
	}

	want := b.seq.Refcount() - 1
	if want <= 0 {
		return nil
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		done := b.endCount >= want
		b.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProducerShutdown cancels the buffer: consumers blocked in
// ConsumerStartUtt fail immediately, and the underlying sequence is
// force-quit so any in-flight ConsumerWait also fails.
func (b *Buffer) ProducerShutdown() {
	b.mu.Lock()
	b.canceled = true
	b.startGate.cancel()
	b.mu.Unlock()
	b.seq.ForceQuit()
}

// ── Consumer side ───────────────────────────────────────────────────────────

// ConsumerStartUtt blocks until ProducerStartUtt has released a permit for
// this consumer, until the buffer is canceled, or until a non-negative
// timeout elapses. A negative timeout waits forever.
func (b *Buffer) ConsumerStartUtt(timeout time.Duration) error {
	b.mu.Lock()
	canceled := b.canceled
	b.mu.Unlock()
	if canceled {
		return ErrCanceled
	}
	if !b.startGate.acquire(timeout) {
		return ErrCanceled
	}
	return nil
}

// ConsumerWait blocks until frameIdx is available (or the utterance ends, or
// timeout elapses), then copies it into out.
func (b *Buffer) ConsumerWait(frameIdx int, timeout time.Duration, out frame.Frame) error {
	if err := b.seq.Wait(frameIdx, timeout); err != nil {
		return err
	}
	f, err := b.seq.Get(frameIdx)
	if err != nil {
		return err
	}
	return b.dim.CopyInto(out, f)
}

// ConsumerRelease releases frames [start, end). end == -1 means "release
// everything up to the current tail".
func (b *Buffer) ConsumerRelease(start, end int) int {
	if end == -1 {
		end = b.seq.NextIdx()
	}
	base := b.seq.ReleaseRange(start, end)
	b.recordDepth()
	return base
}

// ConsumerEndUtt releases [start, tail] and signals that this consumer has
// finished the current utterance; ProducerEndUtt waits for this signal from
// every consumer.
//
// Per the cancellation discipline: any consumer that observes a wait failure
// (timeout or end-of-utterance) from ConsumerWait must call this before
// waiting on the next utterance's ConsumerStartUtt, or ProducerEndUtt will
// never return.
func (b *Buffer) ConsumerEndUtt(start int) {
	b.ConsumerRelease(start, -1)
	b.mu.Lock()
	b.endCount++
	b.mu.Unlock()
}

// startGate is the "semaphore-like start counter" from spec.md 4.2: opened
// to N permits at utterance start, each consumer acquires exactly one permit
// to proceed past ConsumerStartUtt.
type startGate struct {
	mu       sync.Mutex
	cond     sync.Cond
	permits  int
	canceled bool
	initOnce sync.Once
}

func (g *startGate) ensureCond() {
	g.initOnce.Do(func() { g.cond.L = &g.mu })
}

func (g *startGate) open(n int) {
	g.ensureCond()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.permits = n
	g.canceled = false
	g.cond.Broadcast()
}

func (g *startGate) cancel() {
	g.ensureCond()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = true
	g.cond.Broadcast()
}

// acquire blocks until a permit is available or the gate is canceled,
// returning false in the canceled case. A negative timeout waits forever.
func (g *startGate) acquire(timeout time.Duration) bool {
	g.ensureCond()
	deadline := time.Time{}
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if g.canceled {
			return false
		}
		if g.permits > 0 {
			g.permits--
			return true
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return false
		}
		wait := 5 * time.Millisecond
		if timeout >= 0 {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		timer := time.AfterFunc(wait, func() {
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		})
		g.cond.Wait()
		timer.Stop()
	}
}
