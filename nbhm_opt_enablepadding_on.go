//go:build nbhm_opt_enablepadding

package nbhm

import "unsafe"

// enablePadding pads each counterStripe out to a full cache line, which
// can mitigate false sharing on some machine architectures at the cost
// of a little extra memory per table. Off by default.
const enablePadding = true

type counterStripe struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		c int64
	}{})%CacheLineSize) % CacheLineSize]byte
	c int64
}
