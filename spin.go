package nbhm

import (
	"time"
	_ "unsafe" // for go:linkname
)

// delay spins while the runtime says spinning is still productive, then
// falls back to sleeping. Only used while waiting for a successor-table
// allocation to land, so the wait is bounded by one allocation.
func delay(spins *int) {
	const yieldSleep = 500 * time.Microsecond
	if runtime_canSpin(*spins) {
		runtime_doSpin()
		*spins++
	} else {
		time.Sleep(yieldSleep)
		*spins = 0
	}
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//go:nosplit
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//go:nosplit
func runtime_doSpin()
