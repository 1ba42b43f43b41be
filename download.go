package handshake

import (
	"sync/atomic"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/google/uuid"

	"github.com/btkit/handshake/peerlist"
)

// Download is the manager's view of a download session. Implementations are
// compared by identity in EraseDownload and SizeInfo.
type Download interface {
	InfoHash() metainfo.Hash
	// NumPieces is zero until the download's info is known. Wire negotiators
	// skip bitfield decoding while it is.
	NumPieces() uint32
	// Active downloads accept new peer connections.
	Active() bool
	// Done reports whether the file list is complete. Used with the peer's
	// bitfield to detect seed-to-seed connections.
	Done() bool
	PeerList() *peerlist.List
	Conns() *ConnList
}

// DownloadSession is a ready-made Download for callers that don't bring their
// own session type.
type DownloadSession struct {
	id        uuid.UUID
	infoHash  metainfo.Hash
	peers     *peerlist.List
	conns     *ConnList
	numPieces atomic.Uint32
	active    atomic.Bool
	done      atomic.Bool
}

func NewDownloadSession(infoHash metainfo.Hash, maxConns int) *DownloadSession {
	d := &DownloadSession{
		id:       uuid.New(),
		infoHash: infoHash,
		peers:    peerlist.New(),
	}
	d.conns = NewConnList(maxConns, d.Done)
	d.active.Store(true)
	return d
}

func (d *DownloadSession) ID() uuid.UUID {
	return d.id
}

func (d *DownloadSession) InfoHash() metainfo.Hash {
	return d.infoHash
}

func (d *DownloadSession) NumPieces() uint32 {
	return d.numPieces.Load()
}

// SetNumPieces records the piece count once the info is available.
func (d *DownloadSession) SetNumPieces(n uint32) {
	d.numPieces.Store(n)
}

func (d *DownloadSession) Active() bool {
	return d.active.Load()
}

// Stop marks the session inactive; in-flight handshakes for it complete as
// drops.
func (d *DownloadSession) Stop() {
	d.active.Store(false)
}

func (d *DownloadSession) Done() bool {
	return d.done.Load()
}

func (d *DownloadSession) SetDone(done bool) {
	d.done.Store(done)
}

func (d *DownloadSession) PeerList() *peerlist.List {
	return d.peers
}

func (d *DownloadSession) Conns() *ConnList {
	return d.conns
}
