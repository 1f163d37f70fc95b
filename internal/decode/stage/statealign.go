package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/latticebound/decodepipe/internal/decode/bptbl"
	"github.com/latticebound/decodepipe/internal/decode/featbuf"
	"github.com/latticebound/decodepipe/internal/decode/scorer"
	"github.com/latticebound/decodepipe/internal/decode/syncseq"
)

// WordSpec names one word of a forced alignment's known transcript and
// the senones that should be scored while searching for its exit frame.
// The phonetic expansion producing Senones from a dictionary entry is
// out of scope for this module; callers supply it directly.
type WordSpec struct {
	WordID    bptbl.WordID
	Senones   []scorer.SenoneID
	MinFrames int // minimum frames this word must occupy before the alignment may advance past it
}

// StateAlign is a forced-alignment search stage: unlike fwdtree/fwdflat,
// it does not build a lexical tree and search freely — it walks a known
// word sequence frame by frame, each word claiming frames until its
// minimum duration is met and its senone scores stop improving,
// recovered from multisphinx/multisphinx/state_align_search.c's
// frame-synchronous per-phone HMM evaluation loop, adapted to the
// scorer's external-collaborator boundary instead of raw HMM tokens
// (the Viterbi/HMM internals themselves are out of scope for this
// module).
type StateAlign struct {
	fb     *featbuf.Buffer
	sc     *scorer.Scorer
	bp     *bptbl.Table
	words  []WordSpec
	poll   time.Duration

	wordIdx      int
	framesInWord int
	frameIdx     int
	pred         int
	bestScore    int32
	haveScore    bool
	endSignaled  bool // guards against double-signaling ConsumerEndUtt
}

// NewStateAlign constructs a forced-alignment stage over words, reading
// features through fb via scorer sc, and recording word exits in bp.
// pollInterval is how often a wait for the next frame re-checks the
// context; zero or less selects syncseq.DefaultPollInterval.
func NewStateAlign(fb *featbuf.Buffer, sc *scorer.Scorer, bp *bptbl.Table, words []WordSpec, pollInterval time.Duration) *StateAlign {
	if pollInterval <= 0 {
		pollInterval = syncseq.DefaultPollInterval
	}
	return &StateAlign{
		fb:    fb,
		sc:    sc,
		bp:    bp,
		words: words,
		poll:  pollInterval,
		pred:  bptbl.NoBP,
	}
}

// StartUtt implements Decoder. It takes this consumer's single start
// permit through the scorer and waits for it until the producer starts
// the utterance or shuts the feature buffer down.
func (s *StateAlign) StartUtt(ctx context.Context) error {
	if err := s.sc.ConsumerStartUtt(-1); err != nil {
		if errors.Is(err, featbuf.ErrCanceled) {
			return ErrCanceled
		}
		return err
	}
	s.bp.Reset()
	s.wordIdx, s.framesInWord, s.frameIdx, s.pred = 0, 0, 0, bptbl.NoBP
	s.haveScore = false
	s.endSignaled = false
	return nil
}

// signalEndUtt notifies the feature buffer that this consumer has finished
// the current utterance, exactly once: Decode's consumer-wait path and
// Finish can both observe end-of-utterance, but the feature buffer's
// ProducerEndUtt counts exactly one signal per consumer per utterance, so a
// second call here would double-count it and never release.
func (s *StateAlign) signalEndUtt() {
	if s.endSignaled {
		return
	}
	s.endSignaled = true
	s.sc.ConsumerEndUtt(s.frameIdx)
}

// Decode implements Decoder: it advances one frame, scoring the current
// word's senones, and enters a bp once that word's minimum duration has
// elapsed and its best score has stopped improving. The transcript's last
// word is entered as soon as its minimum duration is met.
func (s *StateAlign) Decode(ctx context.Context) (int, error) {
	if s.wordIdx >= len(s.words) {
		return 0, ErrEndOfUtterance
	}

	if _, err := s.bp.PushFrame(s.pred); err != nil {
		return 0, fmt.Errorf("state align: push frame: %w", err)
	}
	err := s.sc.ConsumerWait(s.frameIdx, s.poll)
	for errors.Is(err, syncseq.ErrTimeout) && ctx.Err() == nil {
		err = s.sc.ConsumerWait(s.frameIdx, s.poll)
	}
	if err != nil {
		s.signalEndUtt()
		if errors.Is(err, syncseq.ErrEndOfUtterance) {
			return 0, ErrEndOfUtterance
		}
		return 0, fmt.Errorf("state align: consumer wait: %w", err)
	}

	word := s.words[s.wordIdx]
	s.sc.ActivateHMM(word.Senones)
	scores, err := s.sc.Score()
	if err != nil {
		return 0, fmt.Errorf("state align: score: %w", err)
	}
	var frameBest int32
	for i, sc := range scores {
		if i == 0 || sc > frameBest {
			frameBest = sc
		}
	}

	s.framesInWord++
	improved := !s.haveScore || frameBest > s.bestScore
	if improved {
		s.bestScore = frameBest
		s.haveScore = true
	}

	min := word.MinFrames
	if min < 1 {
		min = 1
	}
	advance := s.framesInWord >= min && (!improved || s.wordIdx == len(s.words)-1 && s.framesInWord >= min)
	if advance {
		idx, err := s.bp.Enter(word.WordID, s.pred, s.bestScore, 0, 0, nil)
		if err != nil {
			return 0, fmt.Errorf("state align: enter: %w", err)
		}
		s.pred = idx
		s.wordIdx++
		s.framesInWord = 0
		s.haveScore = false
	}

	s.sc.ConsumerRelease(s.frameIdx, s.frameIdx+1)
	s.frameIdx++
	return 1, nil
}

// Hyp implements Decoder, returning a space-joined transcript built from
// every word already entered into the back-pointer table.
func (s *StateAlign) Hyp() (string, int32) {
	if s.pred == bptbl.NoBP {
		return "", 0
	}
	segs, err := s.bp.SegIter(s.pred)
	if err != nil {
		return "", 0
	}
	text := ""
	var score int32
	for i, seg := range segs {
		if i > 0 {
			text += " "
		}
		text += fmt.Sprintf("%d", seg.WordID)
		score += seg.AcousticScore + seg.LMScore
	}
	return text, score
}

// SegIter implements Decoder.
func (s *StateAlign) SegIter() ([]bptbl.Segment, error) {
	if s.pred == bptbl.NoBP {
		return nil, nil
	}
	return s.bp.SegIter(s.pred)
}

// Finish implements Decoder: it finalizes the back-pointer table and
// releases the feature buffer's remaining window.
func (s *StateAlign) Finish() error {
	s.signalEndUtt()
	if len(s.words) > 0 {
		finish := s.words[len(s.words)-1].WordID
		if best, ok := s.bp.Finalize(finish, true); ok {
			s.pred = best
			return nil
		}
	}
	s.bp.Finalize(0, false)
	return nil
}

// BPTbl implements Decoder.
func (s *StateAlign) BPTbl() *bptbl.Table { return s.bp }
