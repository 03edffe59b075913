// Package nbhm provides a lock-free concurrent hash map built entirely
// on single-word compare-and-swap. Readers never block, never retry a
// write, and never take part in resizing; writers make progress as long
// as any writer makes progress. The design keeps each key in a
// write-once slot and moves all mutation onto the slot's value word,
// which steps through a small state machine: empty, live value,
// tombstone, and the frozen states the cooperative migration uses while
// a generation is copied into a larger successor.
//
// A zero Map is not ready for use; construct one with New or
// NewWithHasher. All methods are safe for concurrent use by multiple
// goroutines.
package nbhm

import (
	"math/rand"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Map is a concurrent map from K to V. It never blocks readers and
// resizes cooperatively under write pressure without stopping the
// world. The zero value is unusable; see New.
type Map[K comparable, V any] struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		table       unsafe.Pointer
		keyHash     hashFunc
		valEqual    equalFunc
		seed        uintptr
		minTableLen int
		growths     uint32
	}{})%CacheLineSize) % CacheLineSize]byte

	table atomic.Pointer[table]

	keyHash  hashFunc
	valEqual equalFunc
	seed     uintptr

	minTableLen int
	growths     atomic.Uint32
}

// MapConfig holds the tunables New accepts as functional options.
type MapConfig struct {
	sizeHint int
}

// WithPresize reserves capacity for at least sizeHint slots up front,
// so a map whose eventual population is known skips the early chain of
// doubling migrations.
func WithPresize(sizeHint int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.sizeHint = sizeHint
	}
}

// New creates a map keyed and compared by Go's built-in hash and
// equality for K and V.
func New[K comparable, V any](options ...func(*MapConfig)) *Map[K, V] {
	m := &Map[K, V]{}
	m.init(nil, nil, options)
	return m
}

// NewWithHasher creates a map using a caller-supplied hash function for
// keys and, optionally, an equality function for values. A nil keyHash
// or valEqual falls back to the built-in one; CompareAndSwap and
// CompareAndDelete need value equality and panic without it, which can
// only happen when valEqual is nil and V is not comparable.
func NewWithHasher[K comparable, V any](
	keyHash func(K, uintptr) uintptr,
	valEqual func(V, V) bool,
	options ...func(*MapConfig),
) *Map[K, V] {
	m := &Map[K, V]{}
	var kh hashFunc
	var ve equalFunc
	if keyHash != nil {
		kh = func(p unsafe.Pointer, seed uintptr) uintptr {
			return keyHash(*(*K)(p), seed)
		}
	}
	if valEqual != nil {
		ve = func(a, b unsafe.Pointer) bool {
			return valEqual(*(*V)(a), *(*V)(b))
		}
	}
	m.init(kh, ve, options)
	return m
}

func (m *Map[K, V]) init(kh hashFunc, ve equalFunc, options []func(*MapConfig)) {
	var cfg MapConfig
	for _, opt := range options {
		opt(&cfg)
	}
	dh, de := defaultHasher[K, V]()
	if kh == nil {
		kh = dh
	}
	if ve == nil {
		ve = de
	}
	m.keyHash = kh
	m.valEqual = ve
	m.seed = uintptr(rand.Uint64())
	m.minTableLen = calcTableLen(cfg.sizeHint)
	m.table.Store(newTable(m.minTableLen, runtime.GOMAXPROCS(0)))
}

func (m *Map[K, V]) newKeyBox(key K) *keyBoxOf[K] {
	kb := &keyBoxOf[K]{key: key}
	kb.hash = m.keyHash(noescape(unsafe.Pointer(&kb.key)), m.seed)
	return kb
}

// Load returns the value stored for key, if any. It is wait-free with
// respect to writers and migrations: a frozen live value is read in
// place, and only a fully retired slot sends the probe to the successor
// generation.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	kb := m.newKeyBox(key)
	hash := kb.hash
	t := m.table.Load()
tables:
	for {
		mask := t.mask()
		limit := t.reprobeLimit()
		idx := hash & mask
		reprobes := 0
		for {
			s := &t.slots[idx]
			k := s.loadKey()
			if k == nil {
				// The key was never claimed along its probe path in
				// this generation, so it has no value here.
				return value, false
			}
			okb := (*keyBoxOf[K])(k)
			if okb.hash == hash && okb.key == key {
				v := s.loadValue()
				if v == nil || v == tombstone {
					return value, false
				}
				if isLive(v) {
					return (*valueBoxOf[V])(v).value, true
				}
				if v == tombprime {
					// Retired: the authoritative state lives in the
					// successor.
					nt := t.newer.Load()
					if nt == nil {
						panic("nbhm: retired slot in a table with no successor")
					}
					t = nt
					continue tables
				}
				// Frozen live value; read it where it is.
				inner := (*valueNode)(v).inner
				return (*valueBoxOf[V])(inner).value, true
			}
			reprobes++
			if reprobes >= limit {
				if nt := t.newer.Load(); nt != nil {
					t = nt
					continue tables
				}
				return value, false
			}
			idx = (idx + 1) & mask
		}
	}
}

// Store sets the value for key, replacing any previous value.
func (m *Map[K, V]) Store(key K, value V) {
	box := &valueBoxOf[V]{value: value}
	m.putIfMatch(m.table.Load(), m.newKeyBox(key), unsafe.Pointer(box), matchAny, nil)
}

// Swap sets the value for key and returns the previous value, if any.
func (m *Map[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	box := &valueBoxOf[V]{value: value}
	prior := m.putIfMatch(m.table.Load(), m.newKeyBox(key), unsafe.Pointer(box), matchAny, nil)
	return priorValue[V](prior)
}

// LoadOrStore returns the existing value for key if present; otherwise
// it stores value. loaded is true when the value was already there.
// Among racing callers for an absent key exactly one stores.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	box := &valueBoxOf[V]{value: value}
	prior := m.putIfMatch(m.table.Load(), m.newKeyBox(key), unsafe.Pointer(box), matchAbsent, nil)
	if prev, ok := priorValue[V](prior); ok {
		return prev, true
	}
	return value, false
}

// CompareAndSwap replaces the value for key with new only if the map
// currently holds a value equal to old. It reports whether the
// replacement happened. It panics if V has no equality: not comparable
// and no valEqual given to NewWithHasher.
func (m *Map[K, V]) CompareAndSwap(key K, old, new V) (swapped bool) {
	if m.valEqual == nil {
		panic("nbhm: CompareAndSwap on a map without value equality")
	}
	box := &valueBoxOf[V]{value: new}
	prior := m.putIfMatch(m.table.Load(), m.newKeyBox(key), unsafe.Pointer(box), matchValue, &old)
	if prior == nil || !isLive(prior) {
		return false
	}
	cur := &(*valueBoxOf[V])(prior).value
	return m.valEqual(unsafe.Pointer(cur), noescape(unsafe.Pointer(&old)))
}

// CompareAndDelete deletes the entry for key only if its value equals
// old, reporting whether it did. It panics under the same conditions as
// CompareAndSwap.
func (m *Map[K, V]) CompareAndDelete(key K, old V) (deleted bool) {
	if m.valEqual == nil {
		panic("nbhm: CompareAndDelete on a map without value equality")
	}
	prior := m.putIfMatch(m.table.Load(), m.newKeyBox(key), tombstone, matchValue, &old)
	if prior == nil || !isLive(prior) {
		return false
	}
	cur := &(*valueBoxOf[V])(prior).value
	return m.valEqual(unsafe.Pointer(cur), noescape(unsafe.Pointer(&old)))
}

// Delete removes the entry for key, if any. The slot's key claim
// remains as a tombstone until the next migration sweeps it away.
func (m *Map[K, V]) Delete(key K) {
	m.putIfMatch(m.table.Load(), m.newKeyBox(key), tombstone, matchAny, nil)
}

// LoadAndDelete removes the entry for key, returning the value it held.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	prior := m.putIfMatch(m.table.Load(), m.newKeyBox(key), tombstone, matchAny, nil)
	return priorValue[V](prior)
}

// Size returns the number of live entries. Under concurrent writes the
// result is a point-in-time estimate; quiesced, it is exact.
func (m *Map[K, V]) Size() int {
	return max(0, m.table.Load().size.sum())
}

// IsZero reports whether the map holds no live entries.
func (m *Map[K, V]) IsZero() bool {
	return m.Size() == 0
}

// Clear removes all entries by installing a fresh minimum-size
// generation. Operations already running against the old generations
// finish against them; new operations see the empty map.
func (m *Map[K, V]) Clear() {
	cpus := runtime.GOMAXPROCS(0)
	for {
		t := m.table.Load()
		if m.table.CompareAndSwap(t, newTable(m.minTableLen, cpus)) {
			return
		}
	}
}

// Capacity returns the slot count of the current generation.
func (m *Map[K, V]) Capacity() int {
	return len(m.table.Load().slots)
}

// Growths returns how many successor generations have been installed
// over the map's lifetime.
func (m *Map[K, V]) Growths() int {
	return int(m.growths.Load())
}

// priorValue interprets putIfMatch's return: nil and tombstone mean no
// visible value; anything else is a live box.
func priorValue[V any](prior unsafe.Pointer) (value V, loaded bool) {
	if prior == nil || !isLive(prior) {
		return value, false
	}
	return (*valueBoxOf[V])(prior).value, true
}
