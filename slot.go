package nbhm

import (
	"sync/atomic"
	"unsafe"
)

// A slot's value word is one of:
//
//	nil               empty, nothing ever written
//	*valueBoxOf[V]    a live value (flags == 0)
//	tombstone         the key's value was logically deleted
//	prime wrapper     frozen for migration; inner holds the live box
//	tombprime         dead slot, migration of this slot has finished
//
// valueNode is the non-generic header shared by every boxed value, so the
// migration code can classify and unwrap a value word without knowing V.
// All classification helpers below require a non-nil word; callers check
// for the empty state first.
const (
	flagTombstone uint32 = 1 << 0
	flagPrime     uint32 = 1 << 1
)

type valueNode struct {
	flags uint32
	inner unsafe.Pointer // prime wrappers only: the frozen live box
}

// valueBoxOf boxes one live value. The header comes first so any
// *valueBoxOf[V] can be read as a *valueNode.
type valueBoxOf[V any] struct {
	valueNode
	value V
}

// keyBoxOf carries one key together with its full hash. The hash is
// computed once per operation and is immutable for the box's lifetime,
// as is the key itself once the box is published into a key word.
type keyBoxOf[K comparable] struct {
	hash uintptr
	key  K
}

var (
	tombstoneNode = &valueNode{flags: flagTombstone}
	tombprimeNode = &valueNode{flags: flagTombstone | flagPrime}

	tombstone = unsafe.Pointer(tombstoneNode)
	tombprime = unsafe.Pointer(tombprimeNode)
)

func isTombstone(p unsafe.Pointer) bool {
	return (*valueNode)(p).flags&flagTombstone != 0
}

func isPrime(p unsafe.Pointer) bool {
	return (*valueNode)(p).flags&flagPrime != 0
}

// isLive reports whether a non-nil value word holds a visible value:
// not deleted and not frozen.
func isLive(p unsafe.Pointer) bool {
	return (*valueNode)(p).flags == 0
}

// primeOf wraps a live box for migration. Wrappers only ever live in the
// value words of the generation being copied out of.
func primeOf(box unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(&valueNode{flags: flagPrime, inner: box})
}

// slot is the atomic unit of a table: one CASable key word and one
// CASable value word. The key word transitions nil -> *keyBoxOf[K]
// exactly once and never reverts; every later state change touches only
// the value word.
type slot struct {
	key   unsafe.Pointer
	value unsafe.Pointer
}

func (s *slot) loadKey() unsafe.Pointer {
	return atomic.LoadPointer(&s.key)
}

func (s *slot) loadValue() unsafe.Pointer {
	return atomic.LoadPointer(&s.value)
}

func (s *slot) casKey(old, new unsafe.Pointer) bool {
	return atomic.CompareAndSwapPointer(&s.key, old, new)
}

func (s *slot) casValue(old, new unsafe.Pointer) bool {
	return atomic.CompareAndSwapPointer(&s.value, old, new)
}
