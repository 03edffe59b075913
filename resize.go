package nbhm

import (
	"runtime"
	"unsafe"
)

// resize returns t's successor generation, allocating it if no other
// thread has. Whoever wins the race to install it becomes responsible
// for nothing beyond the installation: the copy itself is cooperative
// and finished by whoever shows up.
func (m *Map[K, V]) resize(t *table) *table {
	if nt := t.newer.Load(); nt != nil {
		return nt
	}

	oldLen := len(t.slots)
	sz := t.size.sum()
	newLen := oldLen
	if sz >= oldLen>>2 {
		newLen = oldLen << 1
		if sz >= oldLen>>1 {
			newLen = oldLen << 2
		}
	} else if t.used.sum() >= sz<<1 {
		// Mostly tombstones: same live count but clogged probe chains.
		// Doubling gives the copy fresh, unclustered slots to land in.
		newLen = oldLen << 1
	} else if t.used.sum() <= sz {
		// No tombstones to purge, so a same-size copy would rebuild
		// the exact probe chains that got us here. This resize was
		// forced by an overflowed reprobe window; only more slots fix
		// that.
		newLen = oldLen << 1
	}
	if newLen < oldLen {
		newLen = oldLen
	}

	if t.resizers.Add(1) == 1 {
		nt := newTable(newLen, runtime.GOMAXPROCS(0))
		nt.older.Store(t)
		if !t.newer.CompareAndSwap(nil, nt) {
			panic("nbhm: lost successor install after winning the resize race")
		}
		m.growths.Add(1)
		return nt
	}
	// Losers wait for the winner's allocation rather than burning an
	// arena of their own.
	spins := 0
	for {
		if nt := t.newer.Load(); nt != nil {
			return nt
		}
		delay(&spins)
	}
}

// helpCopy lets a writer pay down the migration debt of the oldest
// unfinished generation before it piles more work onto the map.
func (m *Map[K, V]) helpCopy() {
	t := m.table.Load()
	if t.newer.Load() == nil {
		return
	}
	m.helpCopyOn(t, false)
}

// helpCopyOn copies slots from t into its successor in claimed chunks.
// With copyAll set it does not return until every slot of t has been
// migrated, sweeping the whole table idempotently once the claim
// cursor runs out; otherwise it contributes one pass of chunks and
// leaves the remainder to other helpers.
func (m *Map[K, V]) helpCopyOn(t *table, copyAll bool) {
	nt := t.newer.Load()
	if nt == nil {
		panic("nbhm: copy helper on a table with no successor")
	}
	oldLen := len(t.slots)
	chunk := min(oldLen, copyChunk)

	for t.copyDone.Load() < uint64(oldLen) {
		claim := t.copyIdx.Add(uint64(chunk)) - uint64(chunk)
		if claim >= uint64(2*oldLen) {
			// Every chunk has been claimed at least twice over; the
			// stragglers holding them will finish. A caller that must
			// see the copy complete sweeps everything itself instead:
			// copySlot is idempotent, so double work is merely wasted,
			// never wrong.
			if !copyAll {
				break
			}
			copied := 0
			for i := 0; i < oldLen; i++ {
				if m.copySlot(t, nt, i) {
					copied++
				}
			}
			m.copyCheckAndPromote(t, copied)
			break
		}
		start := int(claim % uint64(oldLen))
		copied := 0
		for i := 0; i < chunk; i++ {
			if m.copySlot(t, nt, start+i) {
				copied++
			}
		}
		m.copyCheckAndPromote(t, copied)
		if !copyAll && claim+uint64(chunk) >= uint64(oldLen) {
			break
		}
	}
	m.copyCheckAndPromote(t, 0)
}

// copySlotAndCheck migrates the single slot an operation is stalled on,
// optionally contributes a round of general copy help, and returns the
// successor so the caller can retry there.
func (m *Map[K, V]) copySlotAndCheck(t *table, idx int, shouldHelp bool) *table {
	nt := t.newer.Load()
	if nt == nil {
		panic("nbhm: frozen slot in a table with no successor")
	}
	if m.copySlot(t, nt, idx) {
		m.copyCheckAndPromote(t, 1)
	}
	if shouldHelp {
		m.helpCopy()
	}
	return nt
}

// copySlot migrates one slot from t to nt and reports whether this call
// is the one that retired it. The protocol is the usual two-phase one:
// freeze the old slot by boxing its value in a prime, insert the
// frozen value into the successor only if the key has no value there
// yet, then collapse the old slot to the dead sentinel. Every phase is
// a CAS, so any number of threads can run it concurrently and exactly
// one collects the credit.
func (m *Map[K, V]) copySlot(t *table, nt *table, idx int) bool {
	s := &t.slots[idx]

	// Freeze. An unclaimed or deleted slot goes straight to dead;
	// a live value gets boxed so no writer can update it in t anymore.
	v := s.loadValue()
	for v == nil || !isPrime(v) {
		var box unsafe.Pointer
		if v == nil || isTombstone(v) {
			box = tombprime
		} else {
			box = primeOf(v)
		}
		if s.casValue(v, box) {
			if box == tombprime {
				// Nothing to carry over; the slot is already retired.
				return true
			}
			v = box
			break
		}
		v = s.loadValue()
	}
	if v == tombprime {
		// Some other thread retired it.
		return false
	}

	// Carry the frozen value into the successor, but never over a value
	// a racing writer already put there: the writer is newer.
	k := s.loadKey()
	inner := (*valueNode)(v).inner
	m.putIfMatch(nt, (*keyBoxOf[K])(k), inner, matchEmpty, nil)

	// Retire. The one CAS that lands tombprime owns the copy credit.
	return s.casValue(v, tombprime)
}

// copyCheckAndPromote adds workDone retired slots to t's completion
// count and, once the whole table is retired, flips the map head to the
// successor if t is still the head.
func (m *Map[K, V]) copyCheckAndPromote(t *table, workDone int) {
	oldLen := uint64(len(t.slots))
	done := t.copyDone.Load()
	if workDone > 0 {
		done = t.copyDone.Add(uint64(workDone))
		if done > oldLen {
			panic("nbhm: copied more slots than the table holds")
		}
	}
	if done == oldLen {
		nt := t.newer.Load()
		if m.table.CompareAndSwap(t, nt) {
			nt.older.Store(nil)
		}
	}
}
