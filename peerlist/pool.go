package peerlist

import (
	"cmp"
	"net/netip"

	"github.com/anacrolix/multiless"
	"github.com/anacrolix/sync"
	"github.com/google/btree"
)

// compareAddrPort matches netip.AddrPort.Compare, which requires Go 1.22.
func compareAddrPort(a, b netip.AddrPort) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.Port(), b.Port())
}

// Candidates are stored with their priority at insertion. Priority may change
// if our apparent IP changes; we don't currently handle that.
type prioritizedPeer struct {
	prio    uint32
	trusted bool
	addr    netip.AddrPort
}

func prioritizedPeerLess(a, b prioritizedPeer) bool {
	return multiless.New().Bool(
		a.trusted, b.trusted).Uint32(
		a.prio, b.prio).CmpInt64(
		int64(compareAddrPort(a.addr, b.addr)),
	).Less()
}

// Pool is a bounded priority queue of candidate peer addresses waiting for an
// outgoing connection attempt.
type Pool struct {
	mu      sync.Mutex
	om      *btree.BTreeG[prioritizedPeer]
	getPrio func(netip.AddrPort) uint32
	max     int
}

func NewPool(max int, prio func(netip.AddrPort) uint32) *Pool {
	return &Pool{
		om:      btree.NewG(32, prioritizedPeerLess),
		getPrio: prio,
		max:     max,
	}
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.om.Len()
}

// Add queues a candidate. When the pool is full the lowest-priority entry is
// evicted. Returns false if the candidate was rejected or already present.
func (p *Pool) Add(addr netip.AddrPort, trusted bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := prioritizedPeer{prio: p.getPrio(addr), trusted: trusted, addr: addr}
	if _, ok := p.om.Get(item); ok {
		return false
	}
	p.om.ReplaceOrInsert(item)
	if p.max > 0 && p.om.Len() > p.max {
		evicted, _ := p.om.DeleteMin()
		if evicted.addr == addr {
			return false
		}
	}
	return true
}

// PopMax removes and returns the best candidate.
func (p *Pool) PopMax() (addr netip.AddrPort, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	item, ok := p.om.DeleteMax()
	if !ok {
		return addr, false
	}
	return item.addr, true
}

func (p *Pool) Each(f func(addr netip.AddrPort)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.om.Ascend(func(i prioritizedPeer) bool {
		f(i.addr)
		return true
	})
}
