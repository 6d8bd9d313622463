// Package peer defines PeerInfo, the (Key, address, last-heartbeat) triple
// shared by the routing table, the connection broker, per-peer sessions and
// the lookup engine. It has no dependencies beyond internal/key so that
// every other component can depend on it without creating import cycles.
package peer

import (
	"time"

	"github.com/harrowgate/kadnet/internal/key"
)

// Info identifies a remote node: its Key (possibly unknown until the peer
// identifies itself over the wire), its network address, and the last time
// it was heard from. Two Infos are equal if their keys and addresses match.
// Once a Key is set it is treated as immutable; callers pass Info by value.
type Info struct {
	Key      key.Key
	Address  string
	LastSeen time.Time
	hasKey   bool
}

// New constructs an Info with a known key.
func New(k key.Key, addr string) Info {
	return Info{Key: k, Address: addr, LastSeen: time.Now(), hasKey: true}
}

// Unidentified constructs an Info for a peer whose key is not yet known,
// e.g. a freshly accepted inbound connection before its first PING.
func Unidentified(addr string) Info {
	return Info{Address: addr, LastSeen: time.Now()}
}

// HasKey reports whether the peer has identified itself yet.
func (p Info) HasKey() bool {
	return p.hasKey
}

// WithKey returns a copy of p with Key set and HasKey true.
func (p Info) WithKey(k key.Key) Info {
	p.Key = k
	p.hasKey = true
	return p
}

// Equal reports whether p and other name the same peer: matching key and
// matching address.
func (p Info) Equal(other Info) bool {
	return p.hasKey == other.hasKey && p.Key == other.Key && p.Address == other.Address
}
