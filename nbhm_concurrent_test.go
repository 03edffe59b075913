package nbhm

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

func parallelism() int {
	p := runtime.GOMAXPROCS(0)
	if p > 8 {
		p = 8
	}
	if p < 2 {
		p = 2
	}
	return p
}

// Disjoint key ranges per goroutine: every insert must survive the
// resize cascade from an 8-slot table to one holding all of them.
func TestConcurrentStoreDisjoint(t *testing.T) {
	const perG = 10_000
	numG := parallelism()
	m := New[int, int]()

	var wg sync.WaitGroup
	for g := 0; g < numG; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				m.Store(base+i, base+i)
			}
		}(g * perG)
	}
	wg.Wait()

	if got := m.Size(); got != numG*perG {
		t.Fatalf("size: got %d, want %d", got, numG*perG)
	}
	for k := 0; k < numG*perG; k++ {
		v, ok := m.Load(k)
		if !ok || v != k {
			t.Fatalf("key %d: got (%d, %v), want (%d, true)", k, v, ok, k)
		}
	}
}

// All goroutines race LoadOrStore on the same keys; for each key every
// goroutine must come away with the one value that won.
func TestConcurrentLoadOrStoreSameKeys(t *testing.T) {
	const keys = 1_000
	numG := parallelism()
	m := New[int, int]()

	results := make([][]int, numG)
	var wg sync.WaitGroup
	for g := 0; g < numG; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			res := make([]int, keys)
			for k := 0; k < keys; k++ {
				actual, _ := m.LoadOrStore(k, id*keys+k)
				res[k] = actual
			}
			results[id] = res
		}(g)
	}
	wg.Wait()

	if got := m.Size(); got != keys {
		t.Fatalf("size: got %d, want %d", got, keys)
	}
	for k := 0; k < keys; k++ {
		winner, ok := m.Load(k)
		if !ok {
			t.Fatalf("key %d missing", k)
		}
		for g := 0; g < numG; g++ {
			if results[g][k] != winner {
				t.Fatalf("key %d: goroutine %d saw %d, map holds %d",
					k, g, results[g][k], winner)
			}
		}
	}
}

// Shared counters bumped through CompareAndSwap retry loops: no
// increment may be lost regardless of interleaving.
func TestConcurrentCompareAndSwapCounters(t *testing.T) {
	const (
		counters = 64
		perG     = 2_000
	)
	numG := parallelism()
	m := New[int, int]()
	for c := 0; c < counters; c++ {
		m.Store(c, 0)
	}

	var wg sync.WaitGroup
	for g := 0; g < numG; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				c := (id + i) % counters
				for {
					cur, _ := m.Load(c)
					if m.CompareAndSwap(c, cur, cur+1) {
						break
					}
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for c := 0; c < counters; c++ {
		v, ok := m.Load(c)
		if !ok {
			t.Fatalf("counter %d missing", c)
		}
		total += v
	}
	if total != numG*perG {
		t.Fatalf("lost updates: got %d increments, want %d", total, numG*perG)
	}
}

// Readers chase a watermark while a writer drives the map through many
// growths; every key at or below the watermark must already be visible.
func TestConcurrentReadDuringResize(t *testing.T) {
	const n = 50_000
	m := New[int, int]()
	var watermark atomic.Int64
	watermark.Store(-1)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < parallelism()-1; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k := 0
			for {
				select {
				case <-stop:
					return
				default:
				}
				w := watermark.Load()
				if w < 0 {
					continue
				}
				k = (k + 1) % int(w+1)
				v, ok := m.Load(k)
				if !ok || v != k {
					t.Errorf("key %d below watermark %d: got (%d, %v)", k, w, v, ok)
					return
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		m.Store(i, i)
		watermark.Store(int64(i))
	}
	close(stop)
	wg.Wait()

	if got := m.Size(); got != n {
		t.Fatalf("size: got %d, want %d", got, n)
	}
}

// Store/Delete/Load churn on disjoint ranges, with deletes forcing
// tombstone traffic through every migration.
func TestConcurrentChurn(t *testing.T) {
	const (
		perG   = 2_000
		rounds = 5
	)
	numG := parallelism()
	m := New[int, int]()

	var wg sync.WaitGroup
	for g := 0; g < numG; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				for i := 0; i < perG; i++ {
					m.Store(base+i, r)
				}
				for i := 0; i < perG; i++ {
					v, ok := m.Load(base + i)
					if !ok || v != r {
						t.Errorf("key %d round %d: got (%d, %v)", base+i, r, v, ok)
						return
					}
				}
				if r != rounds-1 {
					for i := 0; i < perG; i++ {
						m.Delete(base + i)
					}
				}
			}
		}(g * perG)
	}
	wg.Wait()

	if got := m.Size(); got != numG*perG {
		t.Fatalf("size after churn: got %d, want %d", got, numG*perG)
	}
}

// Racing Swaps on a fresh key: exactly one of them may report that the
// key had no previous value, no matter how the slot claims interleave
// with a migration.
func TestConcurrentSwapExactlyOneFirst(t *testing.T) {
	const rounds = 2_000
	numG := parallelism()
	m := New[int, int](WithPresize(4)) // small start keeps resizes in play

	for r := 0; r < rounds; r++ {
		var firsts atomic.Int32
		var wg sync.WaitGroup
		for g := 0; g < numG; g++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				if _, loaded := m.Swap(r, id); !loaded {
					firsts.Add(1)
				}
			}(g)
		}
		wg.Wait()
		if f := firsts.Load(); f != 1 {
			t.Fatalf("round %d: %d swaps saw no previous value, want 1", r, f)
		}
		if _, ok := m.Load(r); !ok {
			t.Fatalf("round %d: key missing after swaps", r)
		}
	}
}

// Racing LoadAndDelete on one key: exactly one caller per round may
// observe the stored value.
func TestConcurrentDeleteExactlyOnce(t *testing.T) {
	const rounds = 500
	numG := parallelism()
	m := New[string, int]()

	for r := 0; r < rounds; r++ {
		m.Store("k", r)
		var winners atomic.Int32
		var wg sync.WaitGroup
		for g := 0; g < numG; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if v, loaded := m.LoadAndDelete("k"); loaded {
					if v != r {
						t.Errorf("round %d: deleted value %d", r, v)
					}
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		if w := winners.Load(); w != 1 {
			t.Fatalf("round %d: %d winners, want 1", r, w)
		}
	}
}
