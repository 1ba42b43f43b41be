// Probes BitTorrent peers: runs the wire handshake against them and reports
// what came back, or listens and reports who connects.
//
// Example run:
// $ go run cmd/handshake-probe/main.go probe --encrypted 08ada5a7a6183aae1e09d831df6748d566095a10 203.0.113.5:51413
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"hash/crc32"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2"
	"github.com/anacrolix/torrent/metainfo"
	"golang.org/x/time/rate"

	"github.com/btkit/handshake"
	"github.com/btkit/handshake/clientdb"
	"github.com/btkit/handshake/connections"
	"github.com/btkit/handshake/dialer"
	"github.com/btkit/handshake/peerlist"
	"github.com/btkit/handshake/wire"
)

type ProbeCmd struct {
	InfoHash string   `arg:"positional,required" help:"hex info hash to handshake for"`
	Peers    []string `arg:"positional,required" help:"peer addresses (host:port)"`

	NumPieces         uint32        `help:"piece count; enables bitfield decoding"`
	Encrypted         bool          `help:"try encrypted negotiation first"`
	RequireEncryption bool          `help:"refuse plaintext peers"`
	Proxy             string        `help:"SOCKS5 proxy URL for outgoing connections"`
	ProxyAddr         string        `help:"transparent proxy address; outgoing connects go there instead of the peer"`
	ClientDB          string        `help:"path to the client sighting database"`
	Timeout           time.Duration `help:"per-handshake timeout"`
}

type ListenCmd struct {
	InfoHashes []string `arg:"positional,required" help:"hex info hashes to serve handshakes for"`

	Addr              string `default:":50413" help:"listen address"`
	NumPieces         uint32 `help:"piece count; enables bitfield decoding"`
	RequireEncryption bool   `help:"refuse plaintext peers"`
	ClientDB          string `help:"path to the client sighting database"`
}

var flags struct {
	Probe  *ProbeCmd  `arg:"subcommand:probe"`
	Listen *ListenCmd `arg:"subcommand:listen"`
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	p := arg.MustParse(&flags)
	switch {
	case flags.Probe != nil:
		return probe(flags.Probe)
	case flags.Listen != nil:
		return listen(flags.Listen)
	default:
		p.Fail(fmt.Sprintf("unexpected subcommand: %v", p.Subcommand()))
		panic("unreachable")
	}
}

func newPeerID() (id [20]byte) {
	copy(id[:], "-BK0001-")
	rand.Read(id[8:])
	return
}

func resolveAddrPort(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	host, port, err := missinggo.ParseHostPort(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	for _, ip := range ips {
		if a, ok := netip.AddrFromSlice(ip); ok {
			return netip.AddrPortFrom(a.Unmap(), uint16(port)), nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("no usable address for %q", host)
}

func encryptionOptions(try, require bool) (opts connections.EncryptionOptions) {
	if try || require {
		opts |= connections.EncryptionTryOutgoing
	}
	if require {
		opts |= connections.EncryptionRequire
	}
	return
}

// sessions resolves disclosed info hashes against a fixed set of downloads.
type sessions map[metainfo.Hash]*handshake.DownloadSession

func (s sessions) Lookup(ih metainfo.Hash) handshake.Download {
	d, ok := s[ih]
	if !ok {
		return nil
	}
	return d
}

func (s sessions) InfoHashes() (ret []metainfo.Hash) {
	for ih := range s {
		ret = append(ret, ih)
	}
	return
}

func openClientDB(path string) (*clientdb.DB, error) {
	if path == "" {
		return nil, nil
	}
	return clientdb.Open(path)
}

func printConns(d *handshake.DownloadSession) {
	d.Conns().Each(func(pc *handshake.PeerConn) {
		pi := pc.PeerInfo()
		client := "unknown"
		if pi.Client.Name != "" {
			client = fmt.Sprintf("%v %v", pi.Client.Name, pi.Client.Version)
		}
		bf := "none"
		if pc.Bitfield() != nil {
			bf = pc.Bitfield().String()
		}
		fmt.Printf("%v: id %v client %q crypto %v extensions %v bitfield %v\n",
			pi.Addr(), pi.ID, client, pc.CryptoMethod(), pc.Extensions(), bf)
	})
}

func probe(cmd *ProbeCmd) error {
	var ih metainfo.Hash
	if err := ih.FromHexString(cmd.InfoHash); err != nil {
		return fmt.Errorf("parsing info hash: %w", err)
	}

	var proxyAddr netip.AddrPort
	if cmd.ProxyAddr != "" {
		var err error
		proxyAddr, err = resolveAddrPort(cmd.ProxyAddr)
		if err != nil {
			return fmt.Errorf("parsing proxy addr: %w", err)
		}
	}

	cm := connections.NewManager(connections.Config{
		MaxOpenSockets:  128,
		DialRateLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		ProxyAddr:       proxyAddr,
		Encryption:      encryptionOptions(cmd.Encrypted, cmd.RequireEncryption),
		Firewall:        connections.AutoFirewall(),
	})

	d := handshake.NewDownloadSession(ih, len(cmd.Peers))
	d.SetNumPieces(cmd.NumPieces)
	resolver := sessions{ih: d}

	clients, err := openClientDB(cmd.ClientDB)
	if err != nil {
		return fmt.Errorf("opening client db: %w", err)
	}
	defer clients.Close()

	cfg := handshake.Config{
		ConnectionManager: cm,
		Bind:              &dialer.Bind{Network: "tcp", ProxyURL: cmd.Proxy},
		Negotiator: &wire.Negotiator{
			PeerID:     newPeerID(),
			Extensions: handshake.NewPeerExtensionBits(handshake.ExtensionBitDht, handshake.ExtensionBitFast, handshake.ExtensionBitLtep),
			Resolver:   resolver,
		},
		HandshakesTimeout: cmd.Timeout,
	}
	if clients != nil {
		cfg.Clients = clients
	}
	m := handshake.New(cfg)
	defer m.Close()

	// Candidates go through the priority pool so the best addresses dial
	// first.
	pool := peerlist.NewPool(len(cmd.Peers), func(addr netip.AddrPort) uint32 {
		return crc32.ChecksumIEEE(addr.Addr().AsSlice())
	})
	for _, s := range cmd.Peers {
		addr, err := resolveAddrPort(s)
		if err != nil {
			return fmt.Errorf("resolving peer %q: %w", s, err)
		}
		pool.Add(addr, false)
	}
	for {
		addr, ok := pool.PopMax()
		if !ok {
			break
		}
		m.AddOutgoing(addr, d)
	}

	for m.Size() > 0 {
		time.Sleep(50 * time.Millisecond)
	}

	printConns(d)
	fmt.Printf("%d/%d peers completed a handshake\n", d.Conns().Len(), len(cmd.Peers))
	d.Conns().CloseAll()
	return nil
}

func listen(cmd *ListenCmd) error {
	resolver := sessions{}
	for _, s := range cmd.InfoHashes {
		var ih metainfo.Hash
		if err := ih.FromHexString(s); err != nil {
			return fmt.Errorf("parsing info hash %q: %w", s, err)
		}
		d := handshake.NewDownloadSession(ih, 0)
		d.SetNumPieces(cmd.NumPieces)
		resolver[ih] = d
	}

	var opts connections.EncryptionOptions
	if cmd.RequireEncryption {
		opts = connections.EncryptionRequire
	}
	cm := connections.NewManager(connections.Config{
		Encryption: opts,
		Firewall:   connections.AutoFirewall(),
	})

	clients, err := openClientDB(cmd.ClientDB)
	if err != nil {
		return fmt.Errorf("opening client db: %w", err)
	}
	defer clients.Close()

	cfg := handshake.Config{
		ConnectionManager: cm,
		Negotiator: &wire.Negotiator{
			PeerID:     newPeerID(),
			Extensions: handshake.NewPeerExtensionBits(handshake.ExtensionBitDht, handshake.ExtensionBitFast, handshake.ExtensionBitLtep),
			Resolver:   resolver,
		},
	}
	if clients != nil {
		cfg.Clients = clients
	}
	m := handshake.New(cfg)
	defer m.Close()

	l, err := net.Listen("tcp", cmd.Addr)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", cmd.Addr, err)
	}
	fmt.Printf("listening on %v\n", l.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = handshake.NewAcceptor(m, []net.Listener{l}).Run(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}

	for _, d := range resolver {
		fmt.Printf("%v: %d connections\n", d.InfoHash().HexString(), d.Conns().Len())
		printConns(d)
		d.Conns().CloseAll()
	}
	return nil
}
