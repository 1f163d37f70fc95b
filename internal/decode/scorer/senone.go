package scorer

// SenoneID indexes a tied-state distribution in the acoustic model.
type SenoneID int32

// maxDelta is the largest delta a single byte-sized list entry may encode.
// Gaps wider than this are bridged "lossily" with repeated max-delta filler
// entries, exactly reproducing multisphinx/multisphinx/acmod.c's
// acmod_flags2list.
const maxDelta = 255

// activeSenones tracks which senones the current frame's hypothesized HMMs
// require scoring for: a bit-vector for O(1) activation, compacted into a
// sorted delta list for the numeric back end (see [Model.Score]).
type activeSenones struct {
	total int
	bits  []uint64
	list  []uint8 // compacted delta list, valid after compact()
	// terminal[i] marks list[i] as the entry that completes a senone's
	// delta (as opposed to a maxDelta bridge filler), regardless of its
	// byte value — a bridge's own remainder can legitimately equal
	// maxDelta too, so this can't be recovered from the value alone.
	terminal []bool
}

func newActiveSenones(total int) *activeSenones {
	return &activeSenones{
		total: total,
		bits:  make([]uint64, (total+63)/64),
	}
}

// activate marks every senone in senones as active.
func (a *activeSenones) activate(senones []SenoneID) {
	for _, s := range senones {
		a.bits[s/64] |= 1 << (uint(s) % 64)
	}
}

// clear resets every senone to inactive.
func (a *activeSenones) clear() {
	for i := range a.bits {
		a.bits[i] = 0
	}
	a.list = a.list[:0]
	a.terminal = a.terminal[:0]
}

// compact converts the bit-vector into a sorted delta list, applying the
// lossy max-delta-255 bridging rule. Returns the number of REAL active
// senones encoded (filler bridge entries are not counted).
func (a *activeSenones) compact() int {
	a.list = a.list[:0]
	a.terminal = a.terminal[:0]
	last := 0
	nActive := 0
	for word := 0; word < len(a.bits); word++ {
		w := a.bits[word]
		if w == 0 {
			continue
		}
		for b := 0; b < 64; b++ {
			if w&(1<<uint(b)) == 0 {
				continue
			}
			sen := word*64 + b
			if sen >= a.total {
				break
			}
			delta := sen - last
			for delta > maxDelta {
				a.list = append(a.list, maxDelta)
				a.terminal = append(a.terminal, false)
				delta -= maxDelta
			}
			a.list = append(a.list, uint8(delta))
			a.terminal = append(a.terminal, true)
			last = sen
			nActive++
		}
	}
	return nActive
}

// deltaList returns the most recently compacted delta list.
func (a *activeSenones) deltaList() []uint8 {
	return a.list
}

// senoneIDs expands the compacted delta list back into absolute senone IDs.
// Bridge filler entries (runs of maxDelta emitted by compact to span a gap
// wider than one byte can encode) accumulate into the running total but
// never emit an ID on their own; only the terminating entry of each
// senone's delta — marked in a.terminal — does.
func (a *activeSenones) senoneIDs() []SenoneID {
	ids := make([]SenoneID, 0, len(a.list))
	cur := 0
	for i, d := range a.list {
		cur += int(d)
		if a.terminal[i] {
			ids = append(ids, SenoneID(cur))
		}
	}
	return ids
}
