package peerlist

import (
	"encoding/hex"
	"net/netip"
	"time"

	"github.com/btkit/handshake/clientdb"
)

// PeerID is a 20-byte BitTorrent peer id.
type PeerID [20]byte

func (me PeerID) String() string {
	if me[0] == '-' && me[7] == '-' {
		return string(me[:8]) + hex.EncodeToString(me[8:])
	}
	return hex.EncodeToString(me[:])
}

// PeerInfo is the per-peer record owned by a List. While a handshake or peer
// connection holds the reservation (connected flag), nobody else may open a
// connection to the same address.
type PeerInfo struct {
	addr netip.AddrPort

	// Mutated under the owning list's lock.
	connected        bool
	banned           bool
	trusted          bool
	failedCounter    int
	lastDisconnected time.Time

	// Filled in during handshake completion.
	ID     PeerID
	Client clientdb.Client
}

func (pi *PeerInfo) Addr() netip.AddrPort {
	return pi.addr
}

// FailedCounter returns how many consecutive connection attempts to this peer
// have died without transferring data.
func (pi *PeerInfo) FailedCounter() int {
	return pi.failedCounter
}

func (pi *PeerInfo) Connected() bool {
	return pi.connected
}

func (pi *PeerInfo) Banned() bool {
	return pi.banned
}

func (pi *PeerInfo) Trusted() bool {
	return pi.trusted
}
