package handshake

import (
	"encoding/hex"
	"strings"
)

type ExtensionBit uint

// https://www.bittorrent.org/beps/bep_0004.html
// https://wiki.theory.org/BitTorrentSpecification.html#Reserved_Bytes
const (
	ExtensionBitDht  ExtensionBit = 0 // http://www.bittorrent.org/beps/bep_0005.html
	ExtensionBitFast ExtensionBit = 2 // http://www.bittorrent.org/beps/bep_0006.html
	// LibTorrent Extension Protocol, http://www.bittorrent.org/beps/bep_0010.html
	ExtensionBitLtep ExtensionBit = 20
)

// PeerExtensionBits are the reserved bytes exchanged during the wire
// handshake.
type PeerExtensionBits [8]byte

var bitTags = []struct {
	bit ExtensionBit
	tag string
}{
	{ExtensionBitLtep, "ltep"},
	{ExtensionBitFast, "fast"},
	{ExtensionBitDht, "dht"},
}

func (pex PeerExtensionBits) String() string {
	tags := make([]string, 0, len(bitTags))
	for _, bitTag := range bitTags {
		if pex.GetBit(bitTag.bit) {
			tags = append(tags, bitTag.tag)
		}
	}
	return hex.EncodeToString(pex[:]) + " (" + strings.Join(tags, ", ") + ")"
}

func NewPeerExtensionBits(bits ...ExtensionBit) (ret PeerExtensionBits) {
	for _, b := range bits {
		ret.SetBit(b, true)
	}
	return
}

func (pex PeerExtensionBits) SupportsExtended() bool {
	return pex.GetBit(ExtensionBitLtep)
}

func (pex PeerExtensionBits) SupportsDHT() bool {
	return pex.GetBit(ExtensionBitDht)
}

func (pex PeerExtensionBits) SupportsFast() bool {
	return pex.GetBit(ExtensionBitFast)
}

func (pex *PeerExtensionBits) SetBit(bit ExtensionBit, on bool) {
	if on {
		pex[7-bit/8] |= 1 << (bit % 8)
	} else {
		pex[7-bit/8] &^= 1 << (bit % 8)
	}
}

func (pex PeerExtensionBits) GetBit(bit ExtensionBit) bool {
	return pex[7-bit/8]&(1<<(bit%8)) != 0
}
