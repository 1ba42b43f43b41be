package handshake

import (
	"io"
	"net"
	"net/netip"

	"github.com/anacrolix/sync"
	"github.com/anacrolix/torrent/mse"

	"github.com/btkit/handshake/bitfield"
	"github.com/btkit/handshake/peerlist"
)

// ConnList is a download's set of established peer connections. It arbitrates
// promotion races: two handshakes to the same peer can both succeed, but only
// one insertion wins.
type ConnList struct {
	done func() bool

	mu    sync.RWMutex
	max   int
	conns map[netip.AddrPort]*PeerConn
}

// NewConnList creates a connection list capped at max connections. done
// reports download completion for seed-to-seed detection.
func NewConnList(max int, done func() bool) *ConnList {
	return &ConnList{
		done:  done,
		max:   max,
		conns: make(map[netip.AddrPort]*PeerConn),
	}
}

// WantConnection reports whether a connection to this peer is worth keeping:
// not a duplicate, not a seed talking to a seed, and within the cap.
func (l *ConnList) WantConnection(pi *peerlist.PeerInfo, bf *bitfield.Bitfield) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.wantLocked(pi, bf)
}

func (l *ConnList) wantLocked(pi *peerlist.PeerInfo, bf *bitfield.Bitfield) bool {
	if l.max > 0 && len(l.conns) >= l.max {
		return false
	}
	if _, ok := l.conns[pi.Addr()]; ok {
		return false
	}
	if l.done() && bf != nil && bf.AllSet() {
		return false
	}
	return true
}

// Insert promotes a handshake into a PeerConn. rw is the effective stream and
// may be nil for a plaintext connection. Returns nil when a parallel insertion
// won the race; the caller keeps ownership of conn in that case.
func (l *ConnList) Insert(
	pi *peerlist.PeerInfo,
	conn net.Conn,
	rw io.ReadWriter,
	bf *bitfield.Bitfield,
	crypto mse.CryptoMethod,
	extensions PeerExtensionBits,
) *PeerConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.wantLocked(pi, bf) {
		return nil
	}
	if rw == nil {
		rw = conn
	}
	pc := &PeerConn{
		conn:       conn,
		rw:         rw,
		peerInfo:   pi,
		bitfield:   bf,
		extensions: extensions,
		crypto:     crypto,
	}
	l.conns[pi.Addr()] = pc
	return pc
}

func (l *ConnList) remove(pc *PeerConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns[pc.peerInfo.Addr()] == pc {
		delete(l.conns, pc.peerInfo.Addr())
	}
}

func (l *ConnList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conns)
}

func (l *ConnList) Each(f func(*PeerConn)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, pc := range l.conns {
		f(pc)
	}
}

// CloseAll closes every connection. Used when tearing down a download.
func (l *ConnList) CloseAll() {
	l.mu.RLock()
	conns := make([]*PeerConn, 0, len(l.conns))
	for _, pc := range l.conns {
		conns = append(conns, pc)
	}
	l.mu.RUnlock()
	for _, pc := range conns {
		pc.Close()
	}
}
