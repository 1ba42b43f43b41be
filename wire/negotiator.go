// Package wire implements the BitTorrent wire handshake: optional message
// stream encryption, the protocol header exchange, and the peer's initial
// bitfield.
package wire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/mse"
	"github.com/pkg/errors"

	"github.com/btkit/handshake"
	"github.com/btkit/handshake/bitfield"
	"github.com/btkit/handshake/connections"
	"github.com/btkit/handshake/internal/netx"
)

// How long to wait for the peer's initial bitfield once the handshake proper
// has completed. Peers that send it later are handled by the peer connection.
const defaultBitfieldWait = 500 * time.Millisecond

// TorrentResolver maps disclosed info hashes to downloads. InfoHashes feeds
// the encryption key exchange, which identifies the torrent before the
// plaintext header is available.
type TorrentResolver interface {
	Lookup(ih metainfo.Hash) handshake.Download
	InfoHashes() []metainfo.Hash
}

// Negotiator is the standard BitTorrent implementation of
// handshake.Negotiator.
type Negotiator struct {
	PeerID     [20]byte
	Extensions handshake.PeerExtensionBits
	Resolver   TorrentResolver
	// Zero means defaultBitfieldWait.
	BitfieldWait time.Duration
}

var _ handshake.Negotiator = (*Negotiator)(nil)

// readWriter splices a replay reader onto a connection's writer side.
type readWriter struct {
	io.Reader
	io.Writer
}

// banned marks a peer-identity failure that no amount of reconnecting will
// change, so the admission manager feeds it to the firewall.
func banned(conn net.Conn, err error) error {
	addr, _ := netx.AddrPort(conn.RemoteAddr())
	return connections.NewBanned(addr, err)
}

func (n *Negotiator) secretKeys() mse.SecretKeyIter {
	return func(callback func(skey []byte) (more bool)) {
		for _, ih := range n.Resolver.InfoHashes() {
			if !callback(ih[:]) {
				return
			}
		}
	}
}

func (n *Negotiator) selector(opts connections.EncryptionOptions) mse.CryptoSelector {
	if opts.Has(connections.EncryptionRequire) {
		return func(provided mse.CryptoMethod) mse.CryptoMethod {
			return provided & mse.CryptoMethodRC4
		}
	}
	return mse.DefaultCryptoSelector
}

// outgoingError classifies an outgoing failure and decides whether the
// opposite encryption choice is worth one more attempt.
func outgoingError(opts connections.EncryptionOptions, encrypted bool, msg handshake.MessageCode, err error) error {
	e := &handshake.Error{Message: msg, Err: err}
	if opts.Has(connections.EncryptionRetrying) {
		return e
	}
	if encrypted {
		if !opts.Has(connections.EncryptionRequire) {
			e.ShouldRetry = true
			e.RetryOptions = opts &^ connections.EncryptionTryOutgoing
		}
	} else {
		e.ShouldRetry = true
		e.RetryOptions = opts | connections.EncryptionTryOutgoing
	}
	return e
}

// Outgoing negotiates a connection we initiated for a known download.
func (n *Negotiator) Outgoing(ctx context.Context, conn net.Conn, d handshake.Download, opts connections.EncryptionOptions) (*handshake.Result, error) {
	defer conn.SetDeadline(time.Time{})
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	var (
		rw     io.ReadWriter = conn
		crypto               = mse.CryptoMethodPlaintext
	)
	ih := d.InfoHash()

	encrypted := opts.Has(connections.EncryptionTryOutgoing | connections.EncryptionRequire)
	if encrypted {
		provides := mse.AllSupportedCrypto
		if opts.Has(connections.EncryptionRequire) {
			provides = mse.CryptoMethodRC4
		}
		var err error
		rw, crypto, err = mse.InitiateHandshake(conn, ih[:], nil, provides)
		if err != nil {
			return nil, outgoingError(opts, true, handshake.MessageEncryptionFailed, err)
		}
	}

	if _, err := (headerMessage{Extensions: n.Extensions}).WriteTo(rw); err != nil {
		return nil, outgoingError(opts, encrypted, handshake.MessageHandshakeFailed, err)
	}
	if _, err := (infoMessage{Hash: ih, PeerID: n.PeerID}).WriteTo(rw); err != nil {
		return nil, outgoingError(opts, encrypted, handshake.MessageHandshakeFailed, err)
	}

	var phdr headerMessage
	if _, err := phdr.ReadFrom(rw); err != nil {
		return nil, outgoingError(opts, encrypted, handshake.MessageHandshakeFailed, err)
	}
	var pinfo infoMessage
	if _, err := pinfo.ReadFrom(rw); err != nil {
		return nil, outgoingError(opts, encrypted, handshake.MessageHandshakeFailed, err)
	}
	// Mismatches are the peer's answer, not a transport failure. No retry.
	if pinfo.Hash != [20]byte(ih) {
		return nil, banned(conn, errors.New("mismatched info hash"))
	}
	if pinfo.PeerID == n.PeerID {
		return nil, banned(conn, errors.New("connected to ourselves"))
	}

	br := bufio.NewReaderSize(rw, handshake.ReadBufferSize)
	bf, err := n.readInitialBitfield(conn, br, d.NumPieces())
	if err != nil {
		return nil, &handshake.Error{Message: handshake.MessageHandshakeFailed, Err: err}
	}
	unread, err := drainBuffered(br)
	if err != nil {
		return nil, &handshake.Error{Message: handshake.MessageHandshakeFailed, Err: err}
	}

	res := &handshake.Result{
		PeerID:       handshake.PeerID(pinfo.PeerID),
		Extensions:   handshake.PeerExtensionBits(phdr.Extensions),
		CryptoMethod: crypto,
		Bitfield:     bf,
		Unread:       unread,
	}
	if encrypted {
		res.RW = rw
	}
	return res, nil
}

// Incoming negotiates an accepted connection. The download is identified by
// the disclosed info hash.
func (n *Negotiator) Incoming(ctx context.Context, conn net.Conn, opts connections.EncryptionOptions) (*handshake.Result, error) {
	defer conn.SetDeadline(time.Time{})
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	var (
		rw        io.ReadWriter = conn
		crypto                  = mse.CryptoMethodPlaintext
		encrypted bool
	)

	// Sniff the opener to tell a plaintext header from an encryption key
	// exchange.
	var head [20]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return nil, errors.Wrap(err, "reading opener")
	}
	replay := readWriter{io.MultiReader(bytes.NewReader(head[:]), conn), conn}
	if string(head[:]) == Protocol {
		if opts.Has(connections.EncryptionRequire) {
			return nil, errors.New("rejecting plaintext peer")
		}
		rw = replay
	} else {
		var err error
		rw, crypto, err = mse.ReceiveHandshake(replay, n.secretKeys(), n.selector(opts))
		if err != nil {
			return nil, &handshake.Error{Message: handshake.MessageEncryptionFailed, Err: err}
		}
		encrypted = true
	}

	var phdr headerMessage
	if _, err := phdr.ReadFrom(rw); err != nil {
		return nil, &handshake.Error{Message: handshake.MessageHandshakeFailed, Err: err}
	}
	var pinfo infoMessage
	if _, err := pinfo.ReadFrom(rw); err != nil {
		return nil, &handshake.Error{Message: handshake.MessageHandshakeFailed, Err: err}
	}
	if pinfo.PeerID == n.PeerID {
		return nil, banned(conn, errors.New("connected to ourselves"))
	}

	d := n.Resolver.Lookup(pinfo.Hash)
	if d == nil {
		return nil, errors.Errorf("unknown info hash %v", metainfo.Hash(pinfo.Hash))
	}

	if _, err := (headerMessage{Extensions: n.Extensions}).WriteTo(rw); err != nil {
		return nil, &handshake.Error{Message: handshake.MessageHandshakeFailed, Err: err}
	}
	if _, err := (infoMessage{Hash: pinfo.Hash, PeerID: n.PeerID}).WriteTo(rw); err != nil {
		return nil, &handshake.Error{Message: handshake.MessageHandshakeFailed, Err: err}
	}

	br := bufio.NewReaderSize(rw, handshake.ReadBufferSize)
	bf, err := n.readInitialBitfield(conn, br, d.NumPieces())
	if err != nil {
		return nil, &handshake.Error{Message: handshake.MessageHandshakeFailed, Err: err}
	}
	unread, err := drainBuffered(br)
	if err != nil {
		return nil, &handshake.Error{Message: handshake.MessageHandshakeFailed, Err: err}
	}

	res := &handshake.Result{
		Download:     d,
		PeerID:       handshake.PeerID(pinfo.PeerID),
		Extensions:   handshake.PeerExtensionBits(phdr.Extensions),
		CryptoMethod: crypto,
		Bitfield:     bf,
		Unread:       unread,
	}
	if encrypted {
		res.RW = rw
	}
	return res, nil
}

// readInitialBitfield reads the peer's bitfield message when one arrives
// promptly. Any other first message, or silence, leaves the stream buffered
// for the peer connection to consume.
func (n *Negotiator) readInitialBitfield(conn net.Conn, br *bufio.Reader, numPieces uint32) (*bitfield.Bitfield, error) {
	if numPieces == 0 {
		// Can't validate a bitfield without the piece count.
		return nil, nil
	}
	wait := n.BitfieldWait
	if wait == 0 {
		wait = defaultBitfieldWait
	}
	conn.SetReadDeadline(time.Now().Add(wait))
	hdr, err := br.Peek(5)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "peeking first message")
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	if length == 0 || hdr[4] != msgBitfield {
		return nil, nil
	}
	want := (numPieces + 7) / 8
	if length-1 != want {
		return nil, errors.Errorf("bitfield payload is %d bytes, want %d for %d pieces", length-1, want, numPieces)
	}
	// The message is committed; allow a fresh window for the payload.
	conn.SetReadDeadline(time.Now().Add(wait))
	if _, err := br.Discard(5); err != nil {
		return nil, err
	}
	payload := make([]byte, want)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, errors.Wrap(err, "reading bitfield payload")
	}
	return bitfield.FromBytes(payload, numPieces)
}

func drainBuffered(br *bufio.Reader) ([]byte, error) {
	buffered := br.Buffered()
	if buffered == 0 {
		return nil, nil
	}
	b := make([]byte, buffered)
	_, err := io.ReadFull(br, b)
	return b, err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
