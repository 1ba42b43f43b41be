// Package connections owns global connection admission: the socket budget,
// the address firewall, dial rate limiting, and the encryption policy applied
// to new peer connections.
package connections

import (
	"net/netip"
	"sync/atomic"

	"golang.org/x/time/rate"
)

type Config struct {
	// Hard cap on sockets attributable to peer connections and handshakes.
	// Zero means no limit.
	MaxOpenSockets int
	// Limits the rate at which new connections may be admitted. Nil means no
	// limit.
	DialRateLimiter *rate.Limiter
	// Socket buffer sizes applied during setup. Zero leaves the OS default.
	SendBufferSize    int
	ReceiveBufferSize int
	// All outgoing peer connections are routed through this address when
	// valid.
	ProxyAddr netip.AddrPort
	// Default encryption options for new handshakes.
	Encryption EncryptionOptions
	// Address admission rules. Nil admits everything.
	Firewall FirewallStateful
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxOpenSockets == 0 {
		cfg.MaxOpenSockets = defaultMaxOpenSockets
	}
	return &Manager{cfg: cfg}
}

const defaultMaxOpenSockets = 1024

// Manager answers admission questions and tracks the global socket count.
// Safe for concurrent use.
type Manager struct {
	cfg         Config
	socketCount atomic.Int64
}

// CanConnect reports whether a new socket may be opened right now. Consults
// the socket budget and the dial rate limiter.
func (m *Manager) CanConnect() bool {
	if int(m.socketCount.Load()) >= m.cfg.MaxOpenSockets {
		return false
	}
	if m.cfg.DialRateLimiter != nil && !m.cfg.DialRateLimiter.Allow() {
		return false
	}
	return true
}

// Filter reports whether addr passes the firewall.
func (m *Manager) Filter(addr netip.AddrPort) bool {
	if m.cfg.Firewall == nil {
		return true
	}
	return m.cfg.Firewall.Blocked(addr) == nil
}

// Inhibit feeds a ban-worthy failure back into the firewall.
func (m *Manager) Inhibit(addr netip.AddrPort, cause error) {
	if m.cfg.Firewall != nil && IsBanned(cause) {
		m.cfg.Firewall.Inhibit(addr, cause)
	}
}

func (m *Manager) IncSocketCount() {
	m.socketCount.Add(1)
}

func (m *Manager) DecSocketCount() {
	if m.socketCount.Add(-1) < 0 {
		panic("socket count went negative")
	}
}

func (m *Manager) SocketCount() int {
	return int(m.socketCount.Load())
}

func (m *Manager) SendBufferSize() int {
	return m.cfg.SendBufferSize
}

func (m *Manager) ReceiveBufferSize() int {
	return m.cfg.ReceiveBufferSize
}

// ProxyAddr returns the configured proxy address and whether it is valid.
func (m *Manager) ProxyAddr() (netip.AddrPort, bool) {
	return m.cfg.ProxyAddr, m.cfg.ProxyAddr.IsValid()
}

func (m *Manager) EncryptionOptions() EncryptionOptions {
	return m.cfg.Encryption
}
