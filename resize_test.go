package nbhm

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// Drives one migration by hand and replays the full sweep to show the
// copy protocol is idempotent: the second pass must find every slot
// already retired and change nothing.
func TestCopyIdempotent(t *testing.T) {
	m := New[int, int](WithPresize(8))
	for i := 0; i < 4; i++ {
		m.Store(i, i)
	}
	old := m.table.Load()
	require.Nil(t, old.newer.Load())

	nt := m.resize(old)
	require.NotNil(t, nt)
	require.Same(t, nt, m.resize(old), "second resize call must join, not reallocate")
	require.Same(t, old, nt.older.Load())

	m.helpCopyOn(old, true)
	require.Equal(t, uint64(len(old.slots)), old.copyDone.Load())
	require.Same(t, nt, m.table.Load(), "finished copy must promote the successor")
	require.Nil(t, nt.older.Load())

	m.helpCopyOn(old, true)
	require.Equal(t, uint64(len(old.slots)), old.copyDone.Load(),
		"replayed sweep must not over-credit")

	require.Equal(t, 4, m.Size())
	for i := 0; i < 4; i++ {
		v, ok := m.Load(i)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

// Every slot of a migrated-out table must be retired: value words all
// end on the dead sentinel, claimed or not.
func TestCopyRetiresEverySlot(t *testing.T) {
	m := New[int, int](WithPresize(16))
	for i := 0; i < 5; i++ {
		m.Store(i, i)
	}
	m.Delete(0)
	old := m.table.Load()

	m.resize(old)
	m.helpCopyOn(old, true)

	for i := range old.slots {
		require.Equal(t, tombprime, old.slots[i].loadValue(),
			"slot %d not retired", i)
	}
	require.Equal(t, 4, m.Size())
	_, ok := m.Load(0)
	require.False(t, ok, "tombstone must not be resurrected by the copy")
}

// A write that finds its slot frozen must land in the successor, and a
// copy arriving later must not clobber it.
func TestCopyNeverClobbersNewerWrite(t *testing.T) {
	m := New[int, int](WithPresize(16))
	m.Store(1, 10)
	old := m.table.Load()
	nt := m.resize(old)

	// The old table now has a successor; this store must route there.
	m.Store(1, 20)

	m.helpCopyOn(old, true)
	require.Same(t, nt, m.table.Load())

	v, ok := m.Load(1)
	require.True(t, ok)
	require.Equal(t, 20, v, "copy replayed a stale value over a newer write")
	require.Equal(t, 1, m.Size())
}

func TestChurnResizePurgesTombstones(t *testing.T) {
	m := New[int, int](WithPresize(16))
	for i := 0; i < 8; i++ {
		m.Store(i, i)
	}
	for i := 0; i < 8; i++ {
		m.Delete(i)
	}
	old := m.table.Load()
	require.GreaterOrEqual(t, old.used.sum(), 8)

	m.resize(old)
	m.helpCopyOn(old, true)

	cur := m.table.Load()
	require.NotSame(t, old, cur)
	require.Equal(t, 0, cur.used.sum(), "tombstones must not be carried over")
	require.Equal(t, 0, m.Size())
}

func TestSlotStates(t *testing.T) {
	require.True(t, isTombstone(tombstone))
	require.False(t, isPrime(tombstone))
	require.False(t, isLive(tombstone))

	require.True(t, isTombstone(tombprime))
	require.True(t, isPrime(tombprime))
	require.False(t, isLive(tombprime))

	box := &valueBoxOf[int]{value: 7}
	p := unsafe.Pointer(box)
	require.True(t, isLive(p))
	require.False(t, isPrime(p))

	prime := primeOf(p)
	require.True(t, isPrime(prime))
	require.False(t, isLive(prime))
	require.False(t, isTombstone(prime))
	require.Equal(t, p, (*valueNode)(prime).inner)
	require.Equal(t, 7, (*valueBoxOf[int])((*valueNode)(prime).inner).value)
}

func TestTableSizing(t *testing.T) {
	require.Equal(t, defaultTableLen, calcTableLen(0))
	require.Equal(t, minTableLen, calcTableLen(3))
	require.Equal(t, 8, calcTableLen(8))
	require.Equal(t, 16, calcTableLen(9))
	require.Equal(t, maxPresize, calcTableLen(maxPresize+1))

	require.Equal(t, 1, nextPowOf2(0))
	require.Equal(t, 1, nextPowOf2(1))
	require.Equal(t, 2, nextPowOf2(2))
	require.Equal(t, 4, nextPowOf2(3))
	require.Equal(t, 1024, nextPowOf2(1000))
}
