// Package peer defines the opaque peer-identity type shared by the broker
// and per-device workers (spec §3 "PeerIdentity").
package peer

import "bytes"

// Identity is an opaque byte string naming a remote node — in practice a
// link-local address plus port. It is compared by byte equality and used
// as a routing key and subscription filter.
type Identity []byte

// Equal reports whether two identities are byte-for-byte equal.
func (id Identity) Equal(other Identity) bool {
	return bytes.Equal(id, other)
}

// Key returns a map-key form of the identity.
func (id Identity) Key() string {
	return string(id)
}

// String implements fmt.Stringer for logging.
func (id Identity) String() string {
	return string(id)
}
