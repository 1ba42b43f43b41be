package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/anacrolix/torrent/mse"

	"github.com/btkit/handshake/bitfield"
	"github.com/btkit/handshake/connections"
)

// Negotiator runs the wire-level handshake on a connection: encryption key
// exchange, info-hash exchange, reserved bits. The manager treats it as a
// black box that either returns a Result or an error. Implementations must
// honor ctx cancellation and deadline.
type Negotiator interface {
	// Outgoing negotiates a connection we initiated for a known download.
	Outgoing(ctx context.Context, conn net.Conn, d Download, opts connections.EncryptionOptions) (*Result, error)
	// Incoming negotiates an accepted connection. The download is not known
	// until the peer disclosed the info hash; a successful Result carries it.
	Incoming(ctx context.Context, conn net.Conn, opts connections.EncryptionOptions) (*Result, error)
}

// Result is a completed wire negotiation.
type Result struct {
	// The download the peer disclosed. Set for incoming negotiations;
	// ignored for outgoing ones.
	Download Download

	// The effective byte stream. Differs from the socket when the
	// negotiation established encryption; nil means the raw socket.
	RW io.ReadWriter

	PeerID       PeerID
	Extensions   PeerExtensionBits
	CryptoMethod mse.CryptoMethod
	// The peer's initial piece availability, empty when the peer sent none.
	Bitfield *bitfield.Bitfield
	// Bytes consumed from the socket past the handshake boundary. They must
	// be handed to the peer connection's read buffer on promotion.
	Unread []byte
}

// MessageCode classifies a negotiation failure for diagnostics.
type MessageCode int

const (
	MessageConnectFailed MessageCode = iota + 1
	MessageHandshakeFailed
	MessageEncryptionFailed
)

func (mc MessageCode) String() string {
	switch mc {
	case MessageConnectFailed:
		return "connect failed"
	case MessageHandshakeFailed:
		return "handshake failed"
	case MessageEncryptionFailed:
		return "encryption failed"
	default:
		return fmt.Sprintf("message %d", int(mc))
	}
}

// Error is a negotiation failure that may recommend another attempt with
// different encryption options (encrypted after plaintext or the reverse).
type Error struct {
	Message MessageCode
	Err     error
	// The failure mode suggests the opposite encryption choice could
	// succeed.
	ShouldRetry bool
	// Options to use for the retry. The manager adds the retrying bit and
	// strips the proxy bit before re-entering the outgoing constructor.
	RetryOptions connections.EncryptionOptions
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Synthetic failure causes for handshake timeouts.
var (
	// The wall clock expired before the connection was established.
	ErrNetworkUnreachable = errors.New("network unreachable")
	// The wall clock expired mid-negotiation.
	ErrNetworkTimeout = errors.New("network timeout")
)

// dropReason explains why a successful negotiation was not promoted to a peer
// connection.
type dropReason int

const (
	dropInactiveDownload dropReason = iota + 1
	dropUnwantedConnection
	dropDuplicate
)

// Dedicated strings; the reason codes are not OS errnos.
func (r dropReason) String() string {
	switch r {
	case dropInactiveDownload:
		return "inactive download"
	case dropUnwantedConnection:
		return "unwanted connection"
	case dropDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("reason %d", int(r))
	}
}
