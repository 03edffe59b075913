package nbhm

import (
	"math/bits"
	"sync/atomic"
	"unsafe"
)

const (
	// minTableLen is the smallest generation capacity (slot count).
	// Must be a power of two.
	minTableLen = 4
	// defaultTableLen sizes generation zero when no presize is given.
	defaultTableLen = 8
	// maxPresize caps WithPresize requests.
	maxPresize = 1 << 20
	// reprobeBase is the flat part of the reprobe allowance; the full
	// limit adds log2(capacity) so bigger tables tolerate slightly
	// longer collision runs before declaring themselves full.
	reprobeBase = 10
	// copyChunk is the number of slots one helper claims at a time
	// while migrating a table. Small tables are claimed whole.
	copyChunk = 1024
)

// table is one generation of the backing array. A generation is created
// empty, fills under CAS traffic, and is eventually copied slot by slot
// into a successor linked through newer. Once every slot is retired the
// map head flips to the successor and this generation is abandoned to
// the garbage collector.
type table struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		slots        []slot
		newer, older unsafe.Pointer
		size, used   []counterStripe
		copyIdx      uint64
		copyDone     uint64
		resizers     int32
	}{})%CacheLineSize) % CacheLineSize]byte

	slots []slot

	newer atomic.Pointer[table] // successor generation, set at most once
	older atomic.Pointer[table] // generation being migrated from; cleared at promotion

	size stripedCounter // live entries
	used stripedCounter // claimed key slots (live + tombstoned)

	copyIdx  atomic.Uint64 // claim cursor for migration chunks
	copyDone atomic.Uint64 // slots whose migration has finished
	resizers atomic.Int32  // threads racing to allocate the successor
}

func newTable(tableLen, cpus int) *table {
	return &table{
		slots: make([]slot, tableLen),
		size:  newStripedCounter(tableLen, cpus),
		used:  newStripedCounter(tableLen, cpus),
	}
}

func (t *table) mask() uintptr {
	return uintptr(len(t.slots) - 1)
}

// reprobeLimit bounds the linear scan for any one key.
func (t *table) reprobeLimit() int {
	return reprobeBase + bits.Len(uint(len(t.slots)))
}

// tableFull reports whether a key's reprobe window overflowed while
// most of the table already carries a claimed key. Tombstoned slots
// count: they keep their key forever and clog probe chains, which is
// exactly the clustering this heuristic guards against.
func (t *table) tableFull(reprobes int) bool {
	return reprobes >= reprobeBase &&
		t.used.sum() >= len(t.slots)-(len(t.slots)>>2)
}

// calcTableLen converts a requested capacity into a slot count:
// a power of two, floored at minTableLen and capped at maxPresize.
func calcTableLen(sizeHint int) int {
	if sizeHint <= 0 {
		return defaultTableLen
	}
	if sizeHint > maxPresize {
		sizeHint = maxPresize
	}
	return max(minTableLen, nextPowOf2(sizeHint))
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or
// equal to n. Compatible with both 32-bit and 64-bit systems.
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}

	if bits.UintSize == 32 {
		v := uint32(n)
		v--
		v |= v >> 1
		v |= v >> 2
		v |= v >> 4
		v |= v >> 8
		v |= v >> 16
		v++
		return int(v)
	}

	v := uint64(n)
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return int(v)
}

// matcher selects the expected-value semantics of putIfMatch.
type matcher int

const (
	// matchAny overwrites whatever value is present.
	matchAny matcher = iota
	// matchAbsent writes only when no value is visible (empty slot or
	// tombstone).
	matchAbsent
	// matchValue writes only when the current value equals the
	// caller's expected value.
	matchValue
	// matchEmpty writes only over a never-written slot. Used by the
	// migration copy: it can never clobber a value that raced in ahead
	// of it, and it must not recursively help the copy it is part of.
	matchEmpty
)

// putIfMatch runs the slot state machine for one key, starting on
// generation t and following the successor chain as far as the copy
// protocol pushes it. It returns the prior value word: nil or tombstone
// when the key had no visible value, a live box otherwise, never a
// prime. putval is a live *valueBoxOf[V] or the tombstone sentinel.
//
// Lost CAS races are not errors; they re-read and retry. Every retry
// path either stays on the same slot with fresh state or moves to the
// successor table after bounded copy work, so the loop terminates.
func (m *Map[K, V]) putIfMatch(
	t *table,
	kb *keyBoxOf[K],
	putval unsafe.Pointer,
	match matcher,
	expected *V,
) unsafe.Pointer {
	if putval == nil || isPrime(putval) {
		panic("nbhm: putIfMatch needs a live value or tombstone")
	}
	if match == matchValue && expected == nil {
		panic("nbhm: matchValue needs an expected value")
	}

	hash := kb.hash
tables:
	for {
		mask := t.mask()
		limit := t.reprobeLimit()
		idx := hash & mask
		reprobes := 0
		var s *slot
		var v unsafe.Pointer

		// Probe for the key's slot, claiming the first empty one if the
		// scan ends on it. The key word is write-once: a claim that
		// loses its CAS re-reads and keeps scanning, because the winner
		// may have claimed it for a different key.
		for {
			s = &t.slots[idx]
			k := s.loadKey()
			if k == nil {
				if putval == tombstone {
					// Deleting a key that was never claimed here is a
					// no-op; don't burn a slot on it.
					return nil
				}
				if s.casKey(nil, unsafe.Pointer(kb)) {
					t.used.add(idx, 1)
					v = s.loadValue()
					break
				}
				k = s.loadKey()
			}
			okb := (*keyBoxOf[K])(k)
			if okb.hash == hash && okb.key == kb.key {
				v = s.loadValue()
				break
			}
			reprobes++
			if reprobes >= limit {
				// Window exhausted: grow (or join the growth in
				// flight), help it along, retry on the successor.
				nt := m.resize(t)
				if match != matchEmpty {
					m.helpCopy()
				}
				t = nt
				continue tables
			}
			idx = (idx + 1) & mask
		}

		// A full reprobe window or a visible prime forces the resize to
		// start even before we hand this slot to the copy protocol.
		if t.newer.Load() == nil &&
			((v == nil && t.tableFull(reprobes)) || (v != nil && isPrime(v))) {
			m.resize(t)
		}
		if t.newer.Load() != nil {
			// This generation is being copied out; migrate our slot
			// first so nothing can be lost, then retry over there.
			t = m.copySlotAndCheck(t, int(idx), match != matchEmpty)
			continue tables
		}

		// The slot is ours to fight over. No prime can appear here
		// until a successor exists, and if one does appear the failed
		// CAS below routes us through the copy protocol.
		for {
			if v != nil && isPrime(v) {
				t = m.copySlotAndCheck(t, int(idx), match != matchEmpty)
				continue tables
			}
			switch match {
			case matchAbsent:
				if v != nil && isLive(v) {
					return v
				}
			case matchValue:
				if v == nil || !isLive(v) {
					return v
				}
				cur := &(*valueBoxOf[V])(v).value
				if !m.valEqual(unsafe.Pointer(cur), unsafe.Pointer(expected)) {
					return v
				}
			case matchEmpty:
				if v != nil {
					return v
				}
			}
			// A tombstone over no visible value changes nothing.
			if putval == tombstone && (v == nil || isTombstone(v)) {
				return v
			}
			if s.casValue(v, putval) {
				wasLive := v != nil && isLive(v)
				nowLive := putval != tombstone
				if !wasLive && nowLive {
					t.size.add(idx, 1)
					if match != matchEmpty && t.newer.Load() == nil {
						tl := len(t.slots)
						if t.size.sum() >= tl-(tl>>2) {
							// Load-factor trigger: 3/4 live.
							m.resize(t)
							m.helpCopy()
						}
					}
				} else if wasLive && !nowLive {
					t.size.add(idx, -1)
				}
				return v
			}
			v = s.loadValue()
		}
	}
}
