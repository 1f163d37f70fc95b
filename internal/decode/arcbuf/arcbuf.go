// Package arcbuf implements the arc buffer (C5): a single-producer queue
// of word arcs handed from one search stage's back-pointer table to the
// next stage downstream, indexed by start frame with backpressure-free
// commit of start frames as they close.
//
// Grounded on multisphinx/src/libpocketsphinx/arc_buffer.c:
// arc_buffer_extend grows the open window, arc_buffer_add_bps scans a bp
// range filtering to that window and records the first not-yet-open bp
// index for the next sweep to resume from, and arc_buffer_commit closes
// the entire open window in one shot via a stable per-start-frame bucket
// sort — which this package reproduces directly with a map keyed by
// start frame, appended to in scan order, rather than the source's
// in-place counting-sort permutation.
package arcbuf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/latticebound/decodepipe/internal/decode/bptbl"
	"github.com/latticebound/decodepipe/internal/observe"
)

var (
	// ErrShutdown is returned by producer/consumer operations once
	// ProducerShutdown has been called.
	ErrShutdown = errors.New("arcbuf: shut down")
	// ErrNotCommitted is returned by ConsumerIter when the requested
	// frame has not yet been closed by a producer sweep.
	ErrNotCommitted = errors.New("arcbuf: frame not committed")
	// ErrReleased is returned by ConsumerIter when the requested frame
	// has already been released.
	ErrReleased = errors.New("arcbuf: frame released")
	// ErrTimeout is returned by ConsumerWait when no commit arrives
	// before the deadline.
	ErrTimeout = errors.New("arcbuf: wait timeout")
)

// Arc is a lightweight record extracted from a back-pointer table entry:
// a word with its start/end frame span and optional exit score.
type Arc struct {
	WordID     bptbl.WordID
	StartFrame int
	EndFrame   int
	Score      int32
}

// LMContext optionally rescales arc scores as they cross from one search
// stage's back-pointer table into the arc buffer. LM storage/scoring
// internals are out of scope for this module; nil disables rescoring.
type LMContext interface {
	Score(wordID, predWordID bptbl.WordID) int32
}

// Buffer is the arc buffer wired between two search stages.
type Buffer struct {
	name       string
	upstream   *bptbl.Table
	lm         LMContext
	keepScores bool

	mu         sync.Mutex
	cond       sync.Cond
	scanPos    int
	activeSF   int
	committed  map[int][]Arc
	frameOrder []int
	released   int
	shutdown   bool

	metrics *observe.Metrics
}

// New creates an arc buffer named name, reading from upstream. When
// keepScores is set, each arc carries the upstream bp's path score; lm
// may be nil.
func New(name string, upstream *bptbl.Table, lm LMContext, keepScores bool) *Buffer {
	b := &Buffer{
		name:       name,
		upstream:   upstream,
		lm:         lm,
		keepScores: keepScores,
		committed:  make(map[int][]Arc),
		metrics:    observe.DefaultMetrics(),
	}
	b.cond.L = &b.mu
	return b
}

// ProducerSweep scans the upstream bptbl for bps whose start frame falls
// within the window that has newly become closable — up to the
// upstream's current active frame base, or past its last frame when
// final is true — converts them to arcs bucketed by start frame in scan
// order, and commits the window. Returns the bp index to resume scanning
// from on the next call.
func (b *Buffer) ProducerSweep(final bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return b.scanPos, ErrShutdown
	}

	bpCount := b.upstream.NumEntries()
	newNextSF := b.upstream.ActiveFrameBase()
	if final {
		newNextSF = b.upstream.CurrentFrame() + 1
	}
	if newNextSF <= b.activeSF {
		return b.scanPos, nil
	}

	for f := b.activeSF; f < newNextSF; f++ {
		if _, ok := b.committed[f]; !ok {
			b.committed[f] = nil
			b.frameOrder = append(b.frameOrder, f)
		}
	}

	resume := bpCount
	sawOpen := false
	arcsAdded := 0
	for idx := b.scanPos; idx < bpCount; idx++ {
		sf, err := b.upstream.Sf(idx)
		if err != nil {
			return b.scanPos, fmt.Errorf("arcbuf: sweep: %w", err)
		}
		if sf < b.activeSF {
			continue
		}
		if sf >= newNextSF {
			if !sawOpen {
				resume = idx
				sawOpen = true
			}
			continue
		}
		e, err := b.upstream.Get(idx)
		if err != nil {
			return b.scanPos, fmt.Errorf("arcbuf: sweep: %w", err)
		}
		arc := Arc{WordID: e.WordID, StartFrame: sf, EndFrame: e.ExitFrame}
		if b.keepScores {
			arc.Score = e.Score
		}
		if b.lm != nil {
			arc.Score += b.lm.Score(e.WordID, e.PrevRealWordID)
		}
		b.committed[sf] = append(b.committed[sf], arc)
		arcsAdded++
	}

	b.activeSF = newNextSF
	b.scanPos = resume
	b.cond.Broadcast()
	if arcsAdded > 0 {
		b.metrics.RecordArcsCommitted(context.Background(), b.name, int64(arcsAdded))
	}
	return resume, nil
}

// ConsumerIter returns the (possibly empty) committed arc set for frame,
// in canonical producer order.
func (b *Buffer) ConsumerIter(frame int) ([]Arc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.iterLocked(frame)
}

func (b *Buffer) iterLocked(frame int) ([]Arc, error) {
	if frame < b.released {
		return nil, ErrReleased
	}
	if frame >= b.activeSF {
		return nil, ErrNotCommitted
	}
	return b.committed[frame], nil
}

// ConsumerWait blocks until frame is committed or the buffer shuts down.
// A negative timeout waits forever.
func (b *Buffer) ConsumerWait(frame int, timeout time.Duration) ([]Arc, error) {
	deadline := time.Time{}
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.shutdown {
			return nil, ErrShutdown
		}
		if arcs, err := b.iterLocked(frame); err == nil || errors.Is(err, ErrReleased) {
			return arcs, err
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}
		wait := 5 * time.Millisecond
		if timeout >= 0 {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		timer := time.AfterFunc(wait, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		b.cond.Wait()
		timer.Stop()
	}
}

// Release declares that the consumer will not revisit arcs starting
// before firstSF, allowing the buffer to reclaim their storage.
func (b *Buffer) Release(firstSF int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for f := b.released; f < firstSF; f++ {
		delete(b.committed, f)
	}
	if firstSF > b.released {
		b.released = firstSF
	}
}

// ProducerShutdown prevents further sweeps and unblocks all consumer
// waits with failure.
func (b *Buffer) ProducerShutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = true
	b.cond.Broadcast()
}

// Reset clears the buffer for reuse across utterances.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanPos = 0
	b.activeSF = 0
	b.released = 0
	b.shutdown = false
	b.committed = make(map[int][]Arc)
	b.frameOrder = nil
}

// Dump writes a human-readable listing of every committed, unreleased
// arc, in canonical order, to w — a debug aid recovered from
// arc_buffer_dump.
func (b *Buffer) Dump(w interface{ Write([]byte) (int, error) }) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(w, "arc buffer %s: window [%d, %d)\n", b.name, b.released, b.activeSF)
	for _, f := range b.frameOrder {
		if f < b.released {
			continue
		}
		for _, arc := range b.committed[f] {
			fmt.Fprintf(w, "  word %d sf %d ef %d score %d\n", arc.WordID, arc.StartFrame, arc.EndFrame, arc.Score)
		}
	}
}
