package wire

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btkit/handshake"
	"github.com/btkit/handshake/connections"
)

type resolver map[metainfo.Hash]handshake.Download

func (r resolver) Lookup(ih metainfo.Hash) handshake.Download {
	return r[ih]
}

func (r resolver) InfoHashes() (ret []metainfo.Hash) {
	for ih := range r {
		ret = append(ret, ih)
	}
	return
}

func pid(b byte) (id [20]byte) {
	for i := range id {
		id[i] = b
	}
	return
}

type incomingOutcome struct {
	res *handshake.Result
	err error
}

func testConns(t *testing.T) (net.Conn, net.Conn) {
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local, remote
}

func TestPlaintextRoundTrip(t *testing.T) {
	ih := metainfo.HashBytes([]byte("wire round trip"))
	dOut := handshake.NewDownloadSession(ih, 4)
	dIn := handshake.NewDownloadSession(ih, 4)

	client := &Negotiator{
		PeerID:     pid('a'),
		Extensions: handshake.NewPeerExtensionBits(handshake.ExtensionBitFast),
		Resolver:   resolver{ih: dOut},
	}
	server := &Negotiator{
		PeerID:     pid('b'),
		Extensions: handshake.NewPeerExtensionBits(handshake.ExtensionBitDht),
		Resolver:   resolver{ih: dIn},
	}

	cConn, sConn := testConns(t)
	done := make(chan incomingOutcome, 1)
	go func() {
		res, err := server.Incoming(context.Background(), sConn, connections.EncryptionNone)
		done <- incomingOutcome{res, err}
	}()

	res, err := client.Outgoing(context.Background(), cConn, dOut, connections.EncryptionNone)
	require.NoError(t, err)
	assert.EqualValues(t, pid('b'), res.PeerID)
	assert.True(t, res.Extensions.SupportsDHT())
	assert.Nil(t, res.RW)
	assert.Nil(t, res.Bitfield)

	out := <-done
	require.NoError(t, out.err)
	assert.Same(t, dIn, out.res.Download)
	assert.EqualValues(t, pid('a'), out.res.PeerID)
	assert.True(t, out.res.Extensions.SupportsFast())
}

func TestEncryptedRoundTrip(t *testing.T) {
	ih := metainfo.HashBytes([]byte("wire encrypted"))
	dOut := handshake.NewDownloadSession(ih, 4)
	dIn := handshake.NewDownloadSession(ih, 4)

	client := &Negotiator{PeerID: pid('a'), Resolver: resolver{ih: dOut}}
	server := &Negotiator{PeerID: pid('b'), Resolver: resolver{ih: dIn}}

	cConn, sConn := testConns(t)
	done := make(chan incomingOutcome, 1)
	go func() {
		res, err := server.Incoming(context.Background(), sConn, connections.EncryptionNone)
		done <- incomingOutcome{res, err}
	}()

	res, err := client.Outgoing(context.Background(), cConn, dOut, connections.EncryptionTryOutgoing)
	require.NoError(t, err)
	require.NotNil(t, res.RW)

	out := <-done
	require.NoError(t, out.err)
	require.NotNil(t, out.res.RW)
	assert.Equal(t, res.CryptoMethod, out.res.CryptoMethod)

	// The cipher streams must stay aligned after the handshake.
	go func() {
		res.RW.Write([]byte("ping"))
	}()
	buf := make([]byte, 4)
	_, err = io.ReadFull(out.res.RW, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), buf)
}

func TestOutgoingReadsInitialBitfield(t *testing.T) {
	ih := metainfo.HashBytes([]byte("wire bitfield"))
	d := handshake.NewDownloadSession(ih, 4)
	d.SetNumPieces(10)
	client := &Negotiator{
		PeerID:       pid('a'),
		Resolver:     resolver{ih: d},
		BitfieldWait: time.Second,
	}

	cConn, sConn := testConns(t)
	go func() {
		io.ReadFull(sConn, make([]byte, 68))
		headerMessage{}.WriteTo(sConn)
		infoMessage{Hash: [20]byte(ih), PeerID: pid('b')}.WriteTo(sConn)
		// Bitfield for 10 pieces, all set, followed by an unchoke that must
		// be left for the peer connection. One write so both arrive in the
		// same fill.
		sConn.Write([]byte{
			0, 0, 0, 3, msgBitfield, 0xff, 0xc0,
			0, 0, 0, 1, 1,
		})
	}()

	res, err := client.Outgoing(context.Background(), cConn, d, connections.EncryptionNone)
	require.NoError(t, err)
	require.NotNil(t, res.Bitfield)
	assert.EqualValues(t, 10, res.Bitfield.Count())
	assert.True(t, res.Bitfield.AllSet())
	assert.Equal(t, []byte{0, 0, 0, 1, 1}, res.Unread)
}

func TestOutgoingNoBitfieldWithinWait(t *testing.T) {
	ih := metainfo.HashBytes([]byte("wire quiet peer"))
	d := handshake.NewDownloadSession(ih, 4)
	d.SetNumPieces(10)
	client := &Negotiator{
		PeerID:       pid('a'),
		Resolver:     resolver{ih: d},
		BitfieldWait: 20 * time.Millisecond,
	}

	cConn, sConn := testConns(t)
	go func() {
		io.ReadFull(sConn, make([]byte, 68))
		headerMessage{}.WriteTo(sConn)
		infoMessage{Hash: [20]byte(ih), PeerID: pid('b')}.WriteTo(sConn)
	}()

	res, err := client.Outgoing(context.Background(), cConn, d, connections.EncryptionNone)
	require.NoError(t, err)
	assert.Nil(t, res.Bitfield)
	assert.Nil(t, res.Unread)
}

func TestOutgoingPlaintextFailureSuggestsEncryption(t *testing.T) {
	ih := metainfo.HashBytes([]byte("wire garbage"))
	d := handshake.NewDownloadSession(ih, 4)
	client := &Negotiator{PeerID: pid('a'), Resolver: resolver{ih: d}}

	cConn, sConn := testConns(t)
	go func() {
		io.ReadFull(sConn, make([]byte, 68))
		garbage := make([]byte, 28)
		for i := range garbage {
			garbage[i] = 'x'
		}
		sConn.Write(garbage)
	}()

	_, err := client.Outgoing(context.Background(), cConn, d, connections.EncryptionNone)
	var we *handshake.Error
	require.ErrorAs(t, err, &we)
	assert.True(t, we.ShouldRetry)
	assert.True(t, we.RetryOptions.Has(connections.EncryptionTryOutgoing))
}

func TestOutgoingRetryingFailureIsFinal(t *testing.T) {
	ih := metainfo.HashBytes([]byte("wire garbage again"))
	d := handshake.NewDownloadSession(ih, 4)
	client := &Negotiator{PeerID: pid('a'), Resolver: resolver{ih: d}}

	cConn, sConn := testConns(t)
	go func() {
		io.ReadFull(sConn, make([]byte, 68))
		garbage := make([]byte, 28)
		for i := range garbage {
			garbage[i] = 'x'
		}
		sConn.Write(garbage)
	}()

	_, err := client.Outgoing(context.Background(), cConn, d, connections.EncryptionRetrying)
	var we *handshake.Error
	require.ErrorAs(t, err, &we)
	assert.False(t, we.ShouldRetry)
}

func TestIncomingRejectsPlaintextWhenRequired(t *testing.T) {
	ih := metainfo.HashBytes([]byte("wire require"))
	d := handshake.NewDownloadSession(ih, 4)
	server := &Negotiator{PeerID: pid('b'), Resolver: resolver{ih: d}}

	cConn, sConn := testConns(t)
	go func() {
		headerMessage{}.WriteTo(cConn)
	}()

	_, err := server.Incoming(context.Background(), sConn, connections.EncryptionRequire)
	require.Error(t, err)
}

func TestIncomingUnknownInfoHash(t *testing.T) {
	server := &Negotiator{PeerID: pid('b'), Resolver: resolver{}}

	cConn, sConn := testConns(t)
	go func() {
		headerMessage{}.WriteTo(cConn)
		infoMessage{Hash: pid('z'), PeerID: pid('a')}.WriteTo(cConn)
	}()

	_, err := server.Incoming(context.Background(), sConn, connections.EncryptionNone)
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown info hash")
}

func TestIncomingSelfConnection(t *testing.T) {
	ih := metainfo.HashBytes([]byte("wire self"))
	d := handshake.NewDownloadSession(ih, 4)
	server := &Negotiator{PeerID: pid('b'), Resolver: resolver{ih: d}}

	cConn, sConn := testConns(t)
	go func() {
		headerMessage{}.WriteTo(cConn)
		infoMessage{Hash: [20]byte(ih), PeerID: pid('b')}.WriteTo(cConn)
	}()

	_, err := server.Incoming(context.Background(), sConn, connections.EncryptionNone)
	require.Error(t, err)
	assert.ErrorContains(t, err, "ourselves")
	assert.True(t, connections.IsBanned(err))
}
