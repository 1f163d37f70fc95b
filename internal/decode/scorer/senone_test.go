package scorer

import "testing"

func TestActiveSenones_CompactSortsAndEncodesDeltas(t *testing.T) {
	t.Parallel()

	a := newActiveSenones(1000)
	a.activate([]SenoneID{5, 1, 900, 5})

	n := a.compact()
	if n != 3 {
		t.Fatalf("compact() real count = %d, want 3", n)
	}

	got := a.senoneIDs()
	want := []SenoneID{1, 5, 900}
	if len(got) != len(want) {
		t.Fatalf("senoneIDs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("senoneIDs[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestActiveSenones_ClearResets(t *testing.T) {
	t.Parallel()

	a := newActiveSenones(64)
	a.activate([]SenoneID{1, 2, 3})
	a.compact()
	a.clear()
	n := a.compact()
	if n != 0 {
		t.Fatalf("compact() after clear = %d, want 0", n)
	}
	if len(a.deltaList()) != 0 {
		t.Fatalf("deltaList() after clear = %v, want empty", a.deltaList())
	}
}

// TestActiveSenones_DeltaCapBridgesLargeGaps reproduces
// acmod_flags2list's lossy bridging: a gap wider than 255 is encoded as
// repeated max-delta (255) filler entries followed by the remainder, never
// as a single out-of-range byte.
func TestActiveSenones_DeltaCapBridgesLargeGaps(t *testing.T) {
	t.Parallel()

	a := newActiveSenones(2000)
	a.activate([]SenoneID{0, 600})

	n := a.compact()
	if n != 2 {
		t.Fatalf("real active count = %d, want 2", n)
	}

	list := a.deltaList()
	// senone 0: delta from l=0 is 0, one entry.
	// senone 600: delta from l=0 is 600 -> bridged as 255, 255, 90.
	want := []uint8{0, 255, 255, 90}
	if len(list) != len(want) {
		t.Fatalf("deltaList = %v, want %v", list, want)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Fatalf("deltaList[%d] = %d, want %d", i, list[i], want[i])
		}
	}
	for _, d := range list {
		if d > maxDelta {
			t.Fatalf("delta %d exceeds cap %d", d, maxDelta)
		}
	}

	ids := a.senoneIDs()
	wantIDs := []SenoneID{0, 600}
	if len(ids) != len(wantIDs) {
		t.Fatalf("senoneIDs = %v, want %v", ids, wantIDs)
	}
	for i := range wantIDs {
		if ids[i] != wantIDs[i] {
			t.Fatalf("senoneIDs[%d] = %d, want %d", i, ids[i], wantIDs[i])
		}
	}
}

func TestActiveSenones_ExactMultipleOf255(t *testing.T) {
	t.Parallel()

	// Gap of exactly 510 (2*255): "while delta > 255" stops bridging once
	// the remainder is exactly 255, and that remainder is still emitted as
	// the final (non-filler) entry — so a clean multiple collapses to two
	// 255 entries, not three.
	a := newActiveSenones(1000)
	a.activate([]SenoneID{510})
	a.compact()
	list := a.deltaList()
	want := []uint8{255, 255}
	if len(list) != len(want) {
		t.Fatalf("deltaList = %v, want %v", list, want)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Fatalf("deltaList[%d] = %d, want %d", i, list[i], want[i])
		}
	}
}

func TestActiveSenones_RespectsTotalBoundary(t *testing.T) {
	t.Parallel()

	a := newActiveSenones(10)
	// Only senones [0,10) exist; bits beyond that in the same 64-bit word
	// must never be treated as active even if accidentally set.
	a.bits[0] |= 1 << 20
	n := a.compact()
	if n != 0 {
		t.Fatalf("compact() with out-of-range bit = %d, want 0", n)
	}
}
