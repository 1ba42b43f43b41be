package clientdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peerID(s string) (id [20]byte) {
	copy(id[:], s)
	return
}

func TestParsePeerID(t *testing.T) {
	c, ok := ParsePeerID(peerID("-qB4250-abcdefghijkl"))
	require.True(t, ok)
	assert.Equal(t, "qB", c.Key)
	assert.Equal(t, "qBittorrent", c.Name)
	assert.Equal(t, "4.2.5.0", c.Version)

	c, ok = ParsePeerID(peerID("-XX0001-abcdefghijkl"))
	require.True(t, ok)
	assert.Equal(t, "XX", c.Name)

	_, ok = ParsePeerID(peerID("M4-3-6--abcdefghijkl"))
	assert.False(t, ok)
}

func TestNilDBResolves(t *testing.T) {
	var d *DB
	var c Client
	require.True(t, d.RetrieveID(&c, peerID("-TR2940-abcdefghijkl")))
	assert.Equal(t, "Transmission", c.Name)
	n, err := d.Sightings("TR")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSightings(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "clients.db"))
	require.NoError(t, err)
	defer d.Close()

	var c Client
	require.True(t, d.RetrieveID(&c, peerID("-DE2000-abcdefghijkl")))
	require.True(t, d.RetrieveID(&c, peerID("-DE2010-abcdefghijkl")))

	n, err := d.Sightings("DE")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
