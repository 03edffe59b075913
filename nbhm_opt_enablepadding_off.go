//go:build !nbhm_opt_enablepadding

package nbhm

// enablePadding pads each counterStripe out to a full cache line, which
// can mitigate false sharing on some machine architectures at the cost
// of a little extra memory per table. Off by default.
const enablePadding = false

type counterStripe struct {
	c int64
}
