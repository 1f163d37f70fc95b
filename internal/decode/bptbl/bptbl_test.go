package bptbl

import (
	"strings"
	"testing"
)

// identityPhoneCtx treats every word as real and reports no phone
// context, since the phonetic/dictionary internals are out of scope for
// this module.
type identityPhoneCtx struct{}

func (identityPhoneCtx) TrailingPhones(wid WordID, predLast, predLast2 int) (int, int) {
	return int(wid), predLast
}

func (identityPhoneCtx) IsFiller(WordID) bool { return false }

func mustPush(t *testing.T, tbl *Table, oldest int) int {
	t.Helper()
	idx, err := tbl.PushFrame(oldest)
	if err != nil {
		t.Fatalf("push frame: %v", err)
	}
	return idx
}

func mustEnter(t *testing.T, tbl *Table, wid WordID, pred int, score int32) int {
	t.Helper()
	idx, err := tbl.Enter(wid, pred, score, 0, 0, nil)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	return idx
}

// TestTable_GCCorrectness reproduces the back-pointer GC scenario: 3
// single-entry frames, then a 2-entry frame whose words point back to bp
// 1, then a push_frame naming bp 2 as the oldest active entry (exit frame
// 2), which must retire everything before frame 2 while leaving the rest
// addressable with their scores and predecessor links intact.
func TestTable_GCCorrectness(t *testing.T) {
	t.Parallel()

	tbl := New(identityPhoneCtx{}, 8, 8)

	mustPush(t, tbl, NoBP)
	bp0 := mustEnter(t, tbl, 42, NoBP, 1)
	mustPush(t, tbl, NoBP)
	bp1 := mustEnter(t, tbl, 42, NoBP, 2)
	mustPush(t, tbl, NoBP)
	bp2 := mustEnter(t, tbl, 42, NoBP, 3)

	mustPush(t, tbl, NoBP)
	bp3 := mustEnter(t, tbl, 69, bp1, 4)
	bp4 := mustEnter(t, tbl, 69, bp1, 5)

	mustPush(t, tbl, bp2) // triggers GC with oldest-active exit frame 2

	e0, err := tbl.Get(bp0)
	if err != nil {
		t.Fatalf("get(bp0): %v", err)
	}
	if e0.Score != 1 {
		t.Fatalf("bp0 score = %d, want 1 (retired, not dropped)", e0.Score)
	}

	e1, err := tbl.Get(bp1)
	if err != nil {
		t.Fatalf("get(bp1): %v", err)
	}
	if e1.Pred != NoBP {
		t.Fatalf("bp1 pred = %d, want NoBP", e1.Pred)
	}

	for idx, wantScore := range map[int]int32{bp2: 3, bp3: 4, bp4: 5} {
		e, err := tbl.Get(idx)
		if err != nil {
			t.Fatalf("get(%d): %v", idx, err)
		}
		if e.Score != wantScore {
			t.Fatalf("bp%d score = %d, want %d", idx, e.Score, wantScore)
		}
	}

	for _, idx := range []int{bp3, bp4} {
		sf, err := tbl.Sf(idx)
		if err != nil {
			t.Fatalf("sf(%d): %v", idx, err)
		}
		if sf != 2 {
			t.Fatalf("sf(%d) = %d, want 2", idx, sf)
		}
	}
}

func TestTable_GCNoOpWhenOldestNotPastBase(t *testing.T) {
	t.Parallel()

	tbl := New(identityPhoneCtx{}, 8, 8)
	mustPush(t, tbl, NoBP)
	bp0 := mustEnter(t, tbl, 1, NoBP, 1)
	mustPush(t, tbl, NoBP)
	mustEnter(t, tbl, 1, bp0, 2)

	// oldest active bp is bp0 itself, exit frame 0, not past activeSF (0):
	// must be a no-op, not retire anything.
	mustPush(t, tbl, bp0)

	e, err := tbl.Get(bp0)
	if err != nil {
		t.Fatalf("get(bp0) after no-op gc: %v", err)
	}
	if e.Score != 1 {
		t.Fatalf("bp0 score = %d, want 1 (unaffected by no-op GC)", e.Score)
	}
}

func TestTable_EfCount(t *testing.T) {
	t.Parallel()

	tbl := New(identityPhoneCtx{}, 8, 8)
	mustPush(t, tbl, NoBP)
	mustEnter(t, tbl, 1, NoBP, 1)
	mustEnter(t, tbl, 2, NoBP, 1)
	mustPush(t, tbl, NoBP)
	mustEnter(t, tbl, 3, NoBP, 1)

	n0, err := tbl.EfCount(0)
	if err != nil || n0 != 2 {
		t.Fatalf("EfCount(0) = %d, %v, want 2, nil", n0, err)
	}
	n1, err := tbl.EfCount(1)
	if err != nil || n1 != 1 {
		t.Fatalf("EfCount(1) = %d, %v, want 1, nil", n1, err)
	}
}

func TestTable_FinalizeSelectsBestMatchingFinishWord(t *testing.T) {
	t.Parallel()

	tbl := New(identityPhoneCtx{}, 8, 8)
	mustPush(t, tbl, NoBP)
	mustEnter(t, tbl, 1, NoBP, 10)
	bpEnd := mustEnter(t, tbl, 2, NoBP, 5)
	mustEnter(t, tbl, 2, NoBP, 20)

	best, ok := tbl.Finalize(2, true)
	if !ok {
		t.Fatal("finalize: no best bp found")
	}
	e, err := tbl.Get(best)
	if err != nil {
		t.Fatal(err)
	}
	if e.WordID != 2 || e.Score != 20 {
		t.Fatalf("best = %+v, want word 2 score 20", e)
	}
	_ = bpEnd
}

func TestTable_SegIterWalksRootToLeafInForwardOrder(t *testing.T) {
	t.Parallel()

	tbl := New(identityPhoneCtx{}, 8, 8)
	mustPush(t, tbl, NoBP)
	bp0 := mustEnter(t, tbl, 10, NoBP, 1)
	mustPush(t, tbl, NoBP)
	bp1 := mustEnter(t, tbl, 20, bp0, 2)
	mustPush(t, tbl, NoBP)
	bp2 := mustEnter(t, tbl, 30, bp1, 3)

	segs, err := tbl.SegIter(bp2)
	if err != nil {
		t.Fatalf("seg iter: %v", err)
	}
	wantWords := []WordID{10, 20, 30}
	if len(segs) != len(wantWords) {
		t.Fatalf("len(segs) = %d, want %d", len(segs), len(wantWords))
	}
	for i, w := range wantWords {
		if segs[i].WordID != w {
			t.Fatalf("segs[%d].WordID = %d, want %d", i, segs[i].WordID, w)
		}
	}
	for i := 1; i < len(segs); i++ {
		if segs[i].StartFrame < segs[i-1].StartFrame {
			t.Fatalf("segs[%d].StartFrame %d < segs[%d].StartFrame %d", i, segs[i].StartFrame, i-1, segs[i-1].StartFrame)
		}
		if segs[i].EndFrame <= segs[i-1].EndFrame {
			t.Fatalf("segs[%d].EndFrame %d <= segs[%d].EndFrame %d", i, segs[i].EndFrame, i-1, segs[i-1].EndFrame)
		}
	}
}

func TestTable_DumpWritesRetiredAndActiveEntries(t *testing.T) {
	t.Parallel()

	tbl := New(identityPhoneCtx{}, 8, 8)
	mustPush(t, tbl, NoBP)
	bp0 := mustEnter(t, tbl, 10, NoBP, 1)
	mustPush(t, tbl, bp0)
	bp1 := mustEnter(t, tbl, 20, bp0, 2)
	// bp1 exits at frame 1, so this push's GC retires bp0 and keeps bp1.
	mustPush(t, tbl, bp1)

	var buf strings.Builder
	tbl.Dump(&buf)
	out := buf.String()
	if !strings.Contains(out, "retired word 10") {
		t.Errorf("dump should list word 10 as retired, got: %q", out)
	}
	if !strings.Contains(out, "active word 20") {
		t.Errorf("dump should list word 20 as active, got: %q", out)
	}
}
