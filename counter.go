package nbhm

import "sync/atomic"

// counterStripe is defined in nbhm_opt_enablepadding_{on,off}.go.

// stripedCounter spreads a hot counter over several cache-line-friendly
// stripes. Writers pick a stripe from the slot index they are touching,
// so threads working distant parts of the table hit distinct stripes.
type stripedCounter []counterStripe

func newStripedCounter(tableLen, cpus int) stripedCounter {
	return make(stripedCounter, calcStripes(tableLen, cpus))
}

func (c stripedCounter) add(slotIdx uintptr, delta int) {
	atomic.AddInt64(&c[uintptr(len(c)-1)&slotIdx].c, int64(delta))
}

// sum folds all stripes. The result is exact only when no writer is
// active; otherwise it is a point-in-time estimate.
func (c stripedCounter) sum() int {
	var sum int64
	for i := range c {
		sum += atomic.LoadInt64(&c[i].c)
	}
	return int(sum)
}

// calcStripes computes the stripe count for a table.
// Return value must be a power of 2.
func calcStripes(tableLen, cpus int) int {
	return nextPowOf2(max(1, min(cpus, tableLen>>10)))
}
