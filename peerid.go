package handshake

import "github.com/btkit/handshake/peerlist"

// PeerID is a 20-byte BitTorrent peer id.
type PeerID = peerlist.PeerID
