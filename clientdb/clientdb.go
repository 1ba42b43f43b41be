// Package clientdb identifies BitTorrent clients from their peer ids and
// optionally keeps a persistent record of which clients have been seen.
package clientdb

import (
	"fmt"
	"strings"
)

// Client describes the software on the far end of a peer connection.
type Client struct {
	// Two-character Azureus-style key, e.g. "qB".
	Key     string
	Version string
	Name    string
}

func (c Client) String() string {
	if c.Name == "" {
		return "unknown"
	}
	if c.Version == "" {
		return c.Name
	}
	return c.Name + " " + c.Version
}

// Azureus-style key to client name, per BEP 20. Deliberately partial; unknown
// keys still yield a Client with the raw key.
var knownClients = map[string]string{
	"AZ": "Azureus",
	"BC": "BitComet",
	"DE": "Deluge",
	"LT": "libtorrent",
	"lt": "libTorrent",
	"qB": "qBittorrent",
	"TR": "Transmission",
	"UT": "µTorrent",
	"UW": "µTorrent Web",
	"BK": "btkit",
}

// ParsePeerID decodes an Azureus-style peer id ("-XX1234-..."). ok is false
// when the id doesn't follow the convention.
func ParsePeerID(id [20]byte) (c Client, ok bool) {
	if id[0] != '-' || id[7] != '-' {
		return c, false
	}
	c.Key = string(id[1:3])
	c.Version = parseVersion(id[3:7])
	if name, found := knownClients[c.Key]; found {
		c.Name = name
	} else {
		c.Name = c.Key
	}
	return c, true
}

func parseVersion(b []byte) string {
	parts := make([]string, 0, len(b))
	for _, d := range b {
		if d < '0' || d > '9' {
			return strings.TrimRight(string(b), "-")
		}
		parts = append(parts, fmt.Sprintf("%d", d-'0'))
	}
	return strings.Join(parts, ".")
}
