package connections

import (
	"errors"
	"fmt"
	"net/netip"
)

// NewBanned marks a connection error as ban-worthy; the admission manager
// feeds these back into the firewall.
func NewBanned(addr netip.AddrPort, cause error) error {
	return bannedConnection{
		addr:  addr,
		cause: cause,
	}
}

// IsBanned reports whether err or anything it wraps was created by NewBanned.
func IsBanned(err error) bool {
	var b bannedConnection
	return errors.As(err, &b)
}

type bannedConnection struct {
	addr  netip.AddrPort
	cause error
}

func (t bannedConnection) Unwrap() error {
	return t.cause
}

func (t bannedConnection) Error() string {
	return fmt.Sprintf("banned connection %s: %s", t.addr, t.cause)
}
