// Package bptbl implements the back-pointer table (C4): a growable store
// of word exits with stable identities for retired entries and
// renumberable indices for still-active ones, periodically compacted by a
// mark/retire/renumber/compact GC pass driven by the owning search stage's
// frame loop.
//
// Grounded on the struct layout in
// multisphinx/src/libpocketsphinx/bptbl.h (the retired/active split,
// ef_idx frame index, first_invert_bp boundary) — NOT on bptbl.c's
// bptable_gc, which is dead code (#if 0) in the source. The GC here
// follows the mark/retire/renumber/compact description directly: every
// active entry whose exit frame falls before the new active boundary is
// moved into the retired region in source order (nothing is discarded —
// the table has no reachability-based reclaim, only a retire boundary),
// and predecessor fields are rewritten through the resulting permutation.
package bptbl

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/latticebound/decodepipe/internal/observe"
)

// WordID identifies a vocabulary entry. The dictionary/LM backing it is
// out of scope for this module.
type WordID int32

// NoBP is the predecessor value for a back-pointer with no predecessor
// (the first word of an utterance).
const NoBP = -1

// NoWordID is the zero value meaning "no real word seen yet".
const NoWordID WordID = -1

// PhoneContext supplies the trailing-phone bookkeeping and filler-word
// classification that bptbl needs to maintain Entry.LastPhone/LastPhone2
// and Entry.RealWordID/PrevRealWordID. The phonetic/dictionary internals
// behind it are out of scope for this module.
type PhoneContext interface {
	// TrailingPhones returns the last and second-to-last phone of wid
	// given the trailing phone context of its predecessor.
	TrailingPhones(wid WordID, predLastPhone, predLastPhone2 int) (lastPhone, lastPhone2 int)
	// IsFiller reports whether wid is a filler word (silence, noise,
	// etc.), which never becomes a RealWordID.
	IsFiller(wid WordID) bool
}

// Entry is a record of a single word exit: the back-pointer ("bp") the
// rest of the search and any downstream arc buffer reference by index.
type Entry struct {
	WordID    WordID
	ExitFrame int
	// Score is the combined acoustic+LM path score arriving at this exit.
	Score         int32
	AcousticScore int32
	LMScore       int32
	// Pred is the predecessor bp index, or NoBP.
	Pred int

	// RealWordID is this entry's own word, or for a filler word the
	// predecessor's RealWordID; PrevRealWordID is the predecessor's
	// RealWordID (NoWordID without a predecessor). Recovered from bptbl.h's
	// real_wid/prev_real_wid fields.
	RealWordID     WordID
	PrevRealWordID WordID
	// LastPhone/LastPhone2 are the trailing phone context, recovered
	// from bptbl.h's last_phone/last2_phone fields.
	LastPhone  int
	LastPhone2 int

	// RightContext is the index into RightContextScores this entry was
	// entered with, for words whose score depends on the following
	// phone (diphone/triphone boundary words).
	RightContext       int
	RightContextScores []int32

	successors int
}

var (
	// ErrOutOfRange is returned by Get/Sf when idx does not name an
	// existing bp.
	ErrOutOfRange = errors.New("bptbl: index out of range")
)

// Table is the back-pointer table for one search stage.
type Table struct {
	phoneCtx PhoneContext

	retired []Entry
	active  []Entry

	efIdx    []int // efIdx[frame] = global bp index of first exit at or after frame
	curFrame int
	activeSF int // GC boundary: entries before this frame are eligible to retire

	name    string
	metrics *observe.Metrics
}

// New creates an empty back-pointer table. initialCap/initialFrameCap are
// capacity hints for the active entry slice and the frame index,
// matching bptbl_init's initial_cap/initial_frame_cap parameters.
func New(phoneCtx PhoneContext, initialCap, initialFrameCap int) *Table {
	return &Table{
		phoneCtx: phoneCtx,
		active:   make([]Entry, 0, initialCap),
		efIdx:    make([]int, 0, initialFrameCap),
		curFrame: -1,
		metrics:  observe.DefaultMetrics(),
	}
}

// SetName labels this table's metrics with the owning stage's name. Unset,
// entries are recorded under the empty stage label.
func (t *Table) SetName(name string) { t.name = name }

// Reset clears the table back to its just-constructed state, for reuse
// across utterances.
func (t *Table) Reset() {
	if len(t.active) > 0 {
		t.metrics.BPTblActiveEntries.Add(context.Background(), -int64(len(t.active)), metric.WithAttributes(observe.Attr("stage", t.name)))
	}
	t.retired = t.retired[:0]
	t.active = t.active[:0]
	t.efIdx = t.efIdx[:0]
	t.curFrame = -1
	t.activeSF = 0
}

func (t *Table) nEnt() int { return len(t.retired) + len(t.active) }

// NumEntries returns the total number of bps entered so far (retired plus
// active).
func (t *Table) NumEntries() int { return t.nEnt() }

// ActiveFrameBase returns the table's current GC boundary: the oldest
// frame a still-active bp may exit at.
func (t *Table) ActiveFrameBase() int { return t.activeSF }

// CurrentFrame returns the frame index most recently opened by PushFrame,
// or -1 if PushFrame has never been called.
func (t *Table) CurrentFrame() int { return t.curFrame }

// PushFrame begins a new frame, recording efIdx[frameIdx] := n_ent, and
// runs a GC pass if oldestActiveBP (a bp index, or NoBP) names an entry
// whose exit frame has moved past the table's current active boundary.
func (t *Table) PushFrame(oldestActiveBP int) (int, error) {
	t.curFrame++
	frameIdx := t.curFrame
	t.efIdx = append(t.efIdx, t.nEnt())

	if oldestActiveBP != NoBP {
		e, err := t.Get(oldestActiveBP)
		if err != nil {
			return frameIdx, fmt.Errorf("bptbl: push frame: oldest active bp: %w", err)
		}
		if e.ExitFrame > t.activeSF {
			t.gc(e.ExitFrame)
		}
	}
	return frameIdx, nil
}

// Enter appends a word exit to the active region and returns its bp
// index. pred is the predecessor's bp index, or NoBP.
func (t *Table) Enter(wordID WordID, pred int, acousticScore, lmScore int32, rightContext int, rightContextScores []int32) (int, error) {
	var predLastPhone, predLastPhone2 int
	predRealWid := NoWordID
	if pred != NoBP {
		p, err := t.Get(pred)
		if err != nil {
			return 0, fmt.Errorf("bptbl: enter: predecessor: %w", err)
		}
		predLastPhone, predLastPhone2 = p.LastPhone, p.LastPhone2
		predRealWid = p.RealWordID
		t.incSuccessors(pred)
	}

	var lastPhone, lastPhone2 int
	if t.phoneCtx != nil {
		lastPhone, lastPhone2 = t.phoneCtx.TrailingPhones(wordID, predLastPhone, predLastPhone2)
	}

	realWid := wordID
	if t.phoneCtx != nil && t.phoneCtx.IsFiller(wordID) {
		realWid = predRealWid
	}

	idx := t.nEnt()
	t.active = append(t.active, Entry{
		WordID:             wordID,
		ExitFrame:          t.curFrame,
		Score:              acousticScore + lmScore,
		AcousticScore:      acousticScore,
		LMScore:            lmScore,
		Pred:               pred,
		RealWordID:         realWid,
		PrevRealWordID:     predRealWid,
		LastPhone:          lastPhone,
		LastPhone2:         lastPhone2,
		RightContext:       rightContext,
		RightContextScores: rightContextScores,
	})
	t.metrics.BPTblActiveEntries.Add(context.Background(), 1, metric.WithAttributes(observe.Attr("stage", t.name)))
	return idx, nil
}

func (t *Table) incSuccessors(idx int) {
	if idx < len(t.retired) {
		t.retired[idx].successors++
		return
	}
	t.active[idx-len(t.retired)].successors++
}

// Get returns a copy of the bp at idx, retired or active.
func (t *Table) Get(idx int) (Entry, error) {
	switch {
	case idx < 0:
		return Entry{}, fmt.Errorf("%w: %d", ErrOutOfRange, idx)
	case idx < len(t.retired):
		return t.retired[idx], nil
	case idx-len(t.retired) < len(t.active):
		return t.active[idx-len(t.retired)], nil
	default:
		return Entry{}, fmt.Errorf("%w: %d", ErrOutOfRange, idx)
	}
}

// Sf returns the start frame of bp idx: one past its predecessor's exit
// frame, or 0 if it has no predecessor.
func (t *Table) Sf(idx int) (int, error) {
	e, err := t.Get(idx)
	if err != nil {
		return 0, err
	}
	if e.Pred == NoBP {
		return 0, nil
	}
	pred, err := t.Get(e.Pred)
	if err != nil {
		return 0, err
	}
	return pred.ExitFrame + 1, nil
}

// EfCount returns the number of exits recorded at frame.
func (t *Table) EfCount(frame int) (int, error) {
	if frame < 0 || frame >= len(t.efIdx) {
		return 0, fmt.Errorf("%w: frame %d", ErrOutOfRange, frame)
	}
	start := t.efIdx[frame]
	end := t.nEnt()
	if frame+1 < len(t.efIdx) {
		end = t.efIdx[frame+1]
	}
	return end - start, nil
}

// Finalize retires every remaining active entry and selects the best
// final bp: the best-scoring entry matching finishWordID if hasFinishWord
// is set, otherwise the best-scoring entry overall.
func (t *Table) Finalize(finishWordID WordID, hasFinishWord bool) (int, bool) {
	t.retireAll()

	best := -1
	var bestScore int32
	for i, e := range t.retired {
		if hasFinishWord && e.WordID != finishWordID {
			continue
		}
		if best == -1 || e.Score > bestScore {
			best, bestScore = i, e.Score
		}
	}
	return best, best != -1
}

func (t *Table) retireAll() {
	activeBase := len(t.retired)
	permute := make(map[int]int, len(t.active))
	moved := len(t.active)
	for i, e := range t.active {
		old := activeBase + i
		if e.Pred != NoBP {
			if newIdx, ok := permute[e.Pred]; ok {
				e.Pred = newIdx
			}
		}
		newIdx := len(t.retired)
		permute[old] = newIdx
		t.retired = append(t.retired, e)
	}
	t.active = t.active[:0]
	t.activeSF = t.curFrame + 1
	if moved > 0 {
		t.metrics.BPTblActiveEntries.Add(context.Background(), -int64(moved), metric.WithAttributes(observe.Attr("stage", t.name)))
	}
}

// gc retires every active entry whose exit frame precedes newActiveSF,
// rewrites predecessor fields through the resulting permutation, and
// compacts the surviving active entries to the front of the active
// region. No entry is ever discarded: bptbl has a retire boundary, not a
// reachability-based reclaim.
func (t *Table) gc(newActiveSF int) {
	activeBase := len(t.retired)
	permute := make(map[int]int, len(t.active))
	keepPermute := make(map[int]int, len(t.active))

	retiredStart := len(t.retired)
	var kept []Entry
	var keptOld []int
	for i, e := range t.active {
		old := activeBase + i
		if e.ExitFrame < newActiveSF {
			permute[old] = len(t.retired)
			t.retired = append(t.retired, e)
		} else {
			kept = append(kept, e)
			keptOld = append(keptOld, old)
		}
	}

	newActiveBase := len(t.retired)
	for pos, old := range keptOld {
		keepPermute[old] = newActiveBase + pos
	}

	renumber := func(pred int) int {
		if pred == NoBP || pred < activeBase {
			return pred
		}
		if newIdx, ok := permute[pred]; ok {
			return newIdx
		}
		if newIdx, ok := keepPermute[pred]; ok {
			return newIdx
		}
		return pred
	}

	for i := retiredStart; i < len(t.retired); i++ {
		t.retired[i].Pred = renumber(t.retired[i].Pred)
	}
	for i := range kept {
		kept[i].Pred = renumber(kept[i].Pred)
	}

	t.active = kept
	t.activeSF = newActiveSF

	moved := len(t.retired) - retiredStart
	if moved > 0 {
		t.metrics.BPTblActiveEntries.Add(context.Background(), -int64(moved), metric.WithAttributes(observe.Attr("stage", t.name)))
	}
	t.metrics.RecordBPTblGC(context.Background(), t.name)
}

// Segment is one word in a finished segmentation, as yielded by SegIter.
type Segment struct {
	WordID        WordID
	StartFrame    int
	EndFrame      int
	AcousticScore int32
	LMScore       int32
}

// SegIter walks backward from finishBP to the root and returns the
// resulting segments in forward (chronological) order.
func (t *Table) SegIter(finishBP int) ([]Segment, error) {
	var segs []Segment
	idx := finishBP
	for idx != NoBP {
		e, err := t.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("bptbl: seg iter: %w", err)
		}
		sf, err := t.Sf(idx)
		if err != nil {
			return nil, fmt.Errorf("bptbl: seg iter: %w", err)
		}
		segs = append(segs, Segment{
			WordID:        e.WordID,
			StartFrame:    sf,
			EndFrame:      e.ExitFrame,
			AcousticScore: e.AcousticScore,
			LMScore:       e.LMScore,
		})
		idx = e.Pred
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return segs, nil
}

// Dump writes a human-readable listing of every retired and active entry,
// in index order, to w — a debug aid recovered from bptbl_dump.
func (t *Table) Dump(w interface{ Write([]byte) (int, error) }) {
	fmt.Fprintf(w, "bptbl: %d retired, %d active, active_sf=%d\n", len(t.retired), len(t.active), t.activeSF)
	for i, e := range t.retired {
		fmt.Fprintf(w, "  [%d] retired word %d pred %d ef %d score %d\n", i, e.WordID, e.Pred, e.ExitFrame, e.Score)
	}
	base := len(t.retired)
	for i, e := range t.active {
		fmt.Fprintf(w, "  [%d] active word %d pred %d ef %d score %d\n", base+i, e.WordID, e.Pred, e.ExitFrame, e.Score)
	}
}
