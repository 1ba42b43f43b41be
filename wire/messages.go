package wire

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// Protocol is the BitTorrent wire protocol header: length-prefixed name.
const Protocol = "\x13BitTorrent protocol"

// msgBitfield is the message id for the initial piece availability message.
const msgBitfield = 5

// headerMessage opens the wire handshake: protocol string plus reserved bits.
type headerMessage struct {
	Extensions [8]byte
}

func (t headerMessage) WriteTo(dst io.Writer) (n int64, err error) {
	var buf = make([]byte, 28) // protocol (20) + bits (8)

	copy(buf[:20], Protocol)
	copy(buf[20:28], t.Extensions[:])
	nw, err := dst.Write(buf)
	return int64(nw), err
}

func (t *headerMessage) ReadFrom(src io.Reader) (n int64, err error) {
	var buf = make([]byte, 28)

	read, err := io.ReadFull(src, buf)
	if err != nil {
		return int64(read), err
	}

	if !bytes.HasPrefix(buf, []byte(Protocol)) {
		return int64(read), errors.Errorf("unexpected protocol string %q", buf[:20])
	}

	copy(t.Extensions[:], buf[20:])
	return int64(read), nil
}

// infoMessage follows the header, disclosing the info hash and peer id.
type infoMessage struct {
	Hash   [20]byte
	PeerID [20]byte
}

func (t infoMessage) WriteTo(dst io.Writer) (n int64, err error) {
	var buf = make([]byte, 40) // hash (20) + peer id (20)

	copy(buf[:20], t.Hash[:])
	copy(buf[20:], t.PeerID[:])
	nw, err := dst.Write(buf)
	return int64(nw), err
}

func (t *infoMessage) ReadFrom(src io.Reader) (n int64, err error) {
	var buf = make([]byte, 40)

	read, err := io.ReadFull(src, buf)
	if err != nil {
		return int64(read), err
	}

	copy(t.Hash[:], buf[:20])
	copy(t.PeerID[:], buf[20:])
	return int64(read), nil
}
