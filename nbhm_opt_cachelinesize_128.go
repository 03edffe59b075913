//go:build nbhm_opt_cachelinesize_128

package nbhm

// CacheLineSize forced to 128 bytes via build tag, for targets where the
// detected pad size is wrong or a fixed layout is wanted.
const CacheLineSize = 128
