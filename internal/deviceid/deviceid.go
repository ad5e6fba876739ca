// Package deviceid assigns monotonic integer identities to devices in place
// of the pointer-keyed routing the source implementation used (spec §9,
// "Pointer-keyed maps").
package deviceid

import "sync/atomic"

// ID identifies one device for the lifetime of the process.
type ID uint32

var counter atomic.Uint32

// Next returns a fresh, never-repeating ID.
func Next() ID {
	return ID(counter.Add(1))
}
