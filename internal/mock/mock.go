// Package mock provides deterministic test doubles for the decode
// pipeline's narrow external-collaborator interfaces: the acoustic
// [scorer.Model], the back-pointer table's [bptbl.PhoneContext], the arc
// buffer's [arcbuf.LMContext], and the feature buffer's
// [featbuf.SignalProcessor]. Real GMM/MFCC/LM back ends are out of scope
// for this module; these doubles let stages, the arc buffer, and the
// pipeline factory be exercised without one.
package mock

import (
	"sync"

	"github.com/latticebound/decodepipe/internal/decode/arcbuf"
	"github.com/latticebound/decodepipe/internal/decode/bptbl"
	"github.com/latticebound/decodepipe/internal/decode/featbuf"
	"github.com/latticebound/decodepipe/internal/decode/scorer"
	"github.com/latticebound/decodepipe/pkg/frame"
)

// Compile-time interface conformance checks.
var (
	_ scorer.Model            = (*Model)(nil)
	_ bptbl.PhoneContext      = (*PhoneContext)(nil)
	_ arcbuf.LMContext        = (*LMContext)(nil)
	_ featbuf.SignalProcessor = (*SignalProcessor)(nil)
)

// ScoreCall records a single invocation of Model.Score.
type ScoreCall struct {
	Frame     frame.Frame
	DeltaList []uint8
}

// Model is a mock implementation of scorer.Model. By default Score fills
// out with FixedScore for every requested senone; set PerSenone to vary
// the score by senone index, or Err to make every call fail.
type Model struct {
	mu sync.Mutex

	// Senones is returned by NumSenones.
	Senones int

	// FixedScore is written for every senone when PerSenone is nil.
	FixedScore int32

	// PerSenone, if non-nil, is indexed by the decoded senone ID to
	// produce that senone's score; missing indices fall back to
	// FixedScore.
	PerSenone map[int]int32

	// Err, if non-nil, is returned by every call to Score.
	Err error

	// Calls records every invocation of Score in order.
	Calls []ScoreCall
}

// NumSenones returns Senones.
func (m *Model) NumSenones() int {
	return m.Senones
}

// Score records the call and fills out per FixedScore/PerSenone, or
// returns Err if set. deltaList is decoded the same way acmod_flags2list
// output is: each entry is a delta from the previously decoded senone,
// cumulatively summed (see activeSenones.senoneIDs).
func (m *Model) Score(f frame.Frame, deltaList []uint8, out []int32) error {
	m.mu.Lock()
	fcopy := make(frame.Frame, len(f))
	copy(fcopy, f)
	dcopy := make([]uint8, len(deltaList))
	copy(dcopy, deltaList)
	m.Calls = append(m.Calls, ScoreCall{Frame: fcopy, DeltaList: dcopy})
	err := m.Err
	fixed := m.FixedScore
	per := m.PerSenone
	m.mu.Unlock()

	if err != nil {
		return err
	}

	senone := 0
	for i, d := range deltaList {
		if i >= len(out) {
			break
		}
		senone += int(d)
		if per != nil {
			if s, ok := per[senone]; ok {
				out[i] = s
			} else {
				out[i] = fixed
			}
		} else {
			out[i] = fixed
		}
	}
	return nil
}

// PhoneContext is a mock implementation of bptbl.PhoneContext. Fillers
// defaults to empty (no filler words); every word's trailing phones
// default to (0, 0) unless TrailingFunc is set.
type PhoneContext struct {
	Fillers      map[bptbl.WordID]bool
	TrailingFunc func(wid bptbl.WordID, predLastPhone, predLastPhone2 int) (int, int)
}

// TrailingPhones delegates to TrailingFunc if set, otherwise returns (0, 0).
func (p *PhoneContext) TrailingPhones(wid bptbl.WordID, predLastPhone, predLastPhone2 int) (int, int) {
	if p.TrailingFunc != nil {
		return p.TrailingFunc(wid, predLastPhone, predLastPhone2)
	}
	return 0, 0
}

// IsFiller reports whether wid is marked as a filler in Fillers.
func (p *PhoneContext) IsFiller(wid bptbl.WordID) bool {
	return p.Fillers[wid]
}

// LMContext is a mock implementation of arcbuf.LMContext. Score returns
// FixedScore by default, or the value named by Pairs for the specific
// (wordID, predWordID) pair if present.
type LMContext struct {
	FixedScore int32
	Pairs      map[[2]bptbl.WordID]int32
}

// Score returns the configured score for (wordID, predWordID).
func (l *LMContext) Score(wordID, predWordID bptbl.WordID) int32 {
	if l.Pairs != nil {
		if s, ok := l.Pairs[[2]bptbl.WordID{wordID, predWordID}]; ok {
			return s
		}
	}
	return l.FixedScore
}

// SignalProcessor is a mock implementation of featbuf.SignalProcessor. It
// passes each raw int16 sample through unchanged as a single-dimension
// [frame.Frame], which is enough to drive the feature buffer and
// downstream stages deterministically without real MFCC computation.
type SignalProcessor struct {
	mu         sync.Mutex
	resets     int
	ProcessErr error
}

// Reset counts the call; no per-utterance state is kept beyond the count.
func (s *SignalProcessor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Resets returns the number of times Reset has been called.
func (s *SignalProcessor) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// ProcessRaw turns each sample into a one-dimensional frame holding its
// value as a float32, or returns ProcessErr if set.
func (s *SignalProcessor) ProcessRaw(samples []int16, fullUtt bool) ([]frame.Frame, error) {
	if s.ProcessErr != nil {
		return nil, s.ProcessErr
	}
	out := make([]frame.Frame, len(samples))
	for i, v := range samples {
		out[i] = frame.Frame{float32(v)}
	}
	return out, nil
}

// ProcessCep turns each cepstrum's first coefficient into a
// one-dimensional frame, or returns ProcessErr if set.
func (s *SignalProcessor) ProcessCep(cepstra [][]float64, fullUtt bool) ([]frame.Frame, error) {
	if s.ProcessErr != nil {
		return nil, s.ProcessErr
	}
	out := make([]frame.Frame, len(cepstra))
	for i, c := range cepstra {
		var v float64
		if len(c) > 0 {
			v = c[0]
		}
		out[i] = frame.Frame{float32(v)}
	}
	return out, nil
}

// Drain returns no frames: ProcessRaw and ProcessCep buffer nothing.
func (s *SignalProcessor) Drain() ([]frame.Frame, error) {
	return nil, nil
}
