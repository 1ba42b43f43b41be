package handshake

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/mse"

	"github.com/btkit/handshake/bitfield"
	"github.com/btkit/handshake/peerlist"
)

// Capacity of the unread buffer. Handshake negotiators must not read further
// ahead than this past the protocol boundary.
const ReadBufferSize = 1 << 14

// PeerConn is a fully-negotiated peer connection. The handshake manager
// constructs one per successful handshake and transfers socket ownership to
// it; from then on closing the PeerConn is the only way the socket and the
// peer-list reservation are released.
type PeerConn struct {
	conn net.Conn
	// The effective stream; carries the negotiated cipher state when the
	// handshake was encrypted. Reads and writes must go through it, not conn.
	rw         io.ReadWriter
	peerInfo   *peerlist.PeerInfo
	bitfield   *bitfield.Bitfield
	extensions PeerExtensionBits
	crypto     mse.CryptoMethod

	mu        sync.Mutex
	haveTimer time.Time
	unread    []byte

	readCond chansync.BroadcastCond
	closed   chansync.SetOnce

	bytesTransferred atomic.Int64
	// Runs once on close with the transfer total. Set by the handshake
	// manager during promotion.
	onClose func(bytesTransferred int64)
}

func (pc *PeerConn) Conn() net.Conn {
	return pc.conn
}

// Read consumes the effective stream. Callers should drain TakeUnread first.
func (pc *PeerConn) Read(b []byte) (int, error) {
	return pc.rw.Read(b)
}

func (pc *PeerConn) Write(b []byte) (int, error) {
	return pc.rw.Write(b)
}

func (pc *PeerConn) PeerInfo() *peerlist.PeerInfo {
	return pc.peerInfo
}

func (pc *PeerConn) Bitfield() *bitfield.Bitfield {
	return pc.bitfield
}

func (pc *PeerConn) Extensions() PeerExtensionBits {
	return pc.extensions
}

func (pc *PeerConn) CryptoMethod() mse.CryptoMethod {
	return pc.crypto
}

func (pc *PeerConn) RemoteAddr() net.Addr {
	return pc.conn.RemoteAddr()
}

// HaveTimer is the reference time for piece announcements, stamped with the
// originating handshake's creation time.
func (pc *PeerConn) HaveTimer() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.haveTimer
}

func (pc *PeerConn) setHaveTimer(t time.Time) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.haveTimer = t
}

// pushUnread appends bytes the handshake consumed past the protocol
// boundary. Overflowing the fixed buffer means the negotiator read too far
// ahead; that is a bug, not an I/O condition.
func (pc *PeerConn) pushUnread(b []byte) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if len(pc.unread)+len(b) > ReadBufferSize {
		panic(fmt.Sprintf("unread data won't fit read buffer: %d+%d > %d",
			len(pc.unread), len(b), ReadBufferSize))
	}
	pc.unread = append(pc.unread, b...)
}

// eventRead wakes readers so buffered bytes are consumed before socket reads.
func (pc *PeerConn) eventRead() {
	pc.readCond.Broadcast()
}

// ReadSignaled returns a signal fired whenever buffered data is pushed.
func (pc *PeerConn) ReadSignaled() events.Signaled {
	return pc.readCond.Signaled()
}

// TakeUnread drains and returns the buffered bytes. Message loops must call
// this before reading the socket.
func (pc *PeerConn) TakeUnread() []byte {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	b := pc.unread
	pc.unread = nil
	return b
}

// AddBytesTransferred accumulates the transfer total reported to the peer
// list on close.
func (pc *PeerConn) AddBytesTransferred(n int64) {
	pc.bytesTransferred.Add(n)
}

func (pc *PeerConn) Closed() events.Done {
	return pc.closed.Done()
}

// Close closes the socket and releases the peer-list reservation. Idempotent.
func (pc *PeerConn) Close() error {
	if !pc.closed.Set() {
		return nil
	}
	err := pc.conn.Close()
	if pc.onClose != nil {
		pc.onClose(pc.bytesTransferred.Load())
	}
	return err
}
