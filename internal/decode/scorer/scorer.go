// Package scorer implements the acoustic scorer (C3): it consumes feature
// frames from the shared feature buffer, asks the search stages which
// senones are needed for the current frame, and produces one composite
// score per active HMM state by delegating the actual numeric evaluation to
// a [Model]. The GMM/tied-mixture math itself is out of scope for this
// module; Model is the narrow boundary across which that back end is
// reached.
//
// Grounded on multisphinx/multisphinx/acmod.c: acmod_activate_hmm marks
// senones active, acmod_flags2list compacts the active set into a
// byte-delta list capped at 255 per entry, and acmod_score drives one
// frame's evaluation against that list.
package scorer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/latticebound/decodepipe/internal/decode/featbuf"
	"github.com/latticebound/decodepipe/internal/observe"
	"github.com/latticebound/decodepipe/pkg/frame"
)

// Model is the acoustic scorer's sole external collaborator: the
// statistical back end (GMM, tied-mixture, or a neural acoustic model)
// that turns a feature frame plus a compacted senone delta list into raw
// per-senone scores. Composing senone scores into per-state scores for a
// particular search stage's HMM topology is also this collaborator's
// responsibility — the scorer only manages which senones are active and
// hands the model exactly that set.
type Model interface {
	// NumSenones returns the fixed number of tied-state distributions in
	// the model.
	NumSenones() int
	// Score evaluates f against the senones named by deltaList (a
	// cumulative-delta encoding identical to acmod_flags2list's output,
	// capped at 255 per entry) and writes one score per senone, in the
	// same order as deltaList, into out. out is reused across frames by
	// the caller and must have at least as many elements as the delta
	// list decodes to.
	Score(f frame.Frame, deltaList []uint8, out []int32) error
}

// Scorer wraps one feature-buffer consumer handle with per-utterance
// active-senone bookkeeping and score-evaluation state.
type Scorer struct {
	buf   *featbuf.Buffer
	model Model

	active    *activeSenones
	scratch   frame.Frame
	scoreBuf  []int32
	frameIdx  int
	lastScore int32

	name    string
	metrics *observe.Metrics
}

// New creates a scorer bound to buf's consumer side and model's numeric
// back end. The caller must have already called buf.Retain for this
// consumer.
func New(buf *featbuf.Buffer, model Model) *Scorer {
	return &Scorer{
		buf:      buf,
		model:    model,
		active:   newActiveSenones(model.NumSenones()),
		scratch:  buf.Dim().New(),
		scoreBuf: make([]int32, model.NumSenones()),
		metrics:  observe.DefaultMetrics(),
	}
}

// SetName labels this scorer's metrics with the owning stage's name. Unset,
// entries are recorded under the empty stage label.
func (s *Scorer) SetName(name string) { s.name = name }

// ConsumerStartUtt blocks until the producer has released this consumer's
// start-utterance permit, then resets per-utterance scoring state.
func (s *Scorer) ConsumerStartUtt(timeout time.Duration) error {
	if err := s.buf.ConsumerStartUtt(timeout); err != nil {
		return fmt.Errorf("scorer: consumer start utt: %w", err)
	}
	s.active.clear()
	s.frameIdx = 0
	s.lastScore = 0
	return nil
}

// ActivateHMM marks senones as needed for the upcoming [Score] call. It may
// be called any number of times between ConsumerWait and Score to
// accumulate the full active set for the frame, mirroring how each search
// stage's HMM evaluation loop activates only the senones its own active
// states require.
func (s *Scorer) ActivateHMM(senones []SenoneID) {
	s.active.activate(senones)
}

// ClearActive discards the accumulated active-senone set without scoring,
// used when a stage determines a frame needs no evaluation (e.g. the
// search has no active states at all).
func (s *Scorer) ClearActive() {
	s.active.clear()
}

// ConsumerWait blocks until frame frameIdx is available and copies it into
// the scorer's internal scratch buffer, readying it for Score.
func (s *Scorer) ConsumerWait(frameIdx int, timeout time.Duration) error {
	if err := s.buf.ConsumerWait(frameIdx, timeout, s.scratch); err != nil {
		return err
	}
	s.frameIdx = frameIdx
	return nil
}

// Score compacts the accumulated active-senone set (applying the lossy
// delta-255 cap) and evaluates it against the frame most recently fetched
// by ConsumerWait. Scores the model writes for maxDelta bridge fillers are
// dropped, so the result lines up index-for-index with ActiveSenones. The
// returned slice is retained by the Scorer and overwritten on the next
// call; callers needing to keep results past that point must copy them.
func (s *Scorer) Score() ([]int32, error) {
	start := time.Now()
	s.active.compact()
	deltas := s.active.deltaList()
	// deltas can hold more entries than NumSenones when large gaps between
	// active senones force maxDelta bridge fillers, so scoreBuf (sized at
	// construction for the common case) must grow to match it exactly.
	if cap(s.scoreBuf) < len(deltas) {
		s.scoreBuf = make([]int32, len(deltas))
	}
	out := s.scoreBuf[:len(deltas)]
	err := s.model.Score(s.scratch, deltas, out)
	s.metrics.FrameScoreDuration.Record(context.Background(), time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("stage", s.name)))
	if err != nil {
		return nil, fmt.Errorf("scorer: score frame %d: %w", s.frameIdx, err)
	}
	n := 0
	for i, v := range out {
		if s.active.terminal[i] {
			out[n] = v
			n++
		}
	}
	return out[:n], nil
}

// ActiveSenones returns the absolute senone IDs most recently compacted by
// Score, in the same order as the score slice Score returned.
func (s *Scorer) ActiveSenones() []SenoneID {
	return s.active.senoneIDs()
}

// ConsumerRelease releases frames [start, end) from the feature buffer.
// end == -1 releases through the current tail.
func (s *Scorer) ConsumerRelease(start, end int) int {
	return s.buf.ConsumerRelease(start, end)
}

// ConsumerEndUtt releases the remaining window and signals end-of-utterance
// to the feature buffer's producer.
func (s *Scorer) ConsumerEndUtt(start int) {
	s.buf.ConsumerEndUtt(start)
}

// Shutdown releases the scorer's feature-buffer consumer reference. It does
// not affect any in-flight ProducerEndUtt wait; call ConsumerEndUtt first.
func (s *Scorer) Shutdown(_ context.Context) {
	s.buf.Release()
}
