// Package handshake tracks BitTorrent peer handshakes from socket creation
// until they become peer connections. A Manager registers every in-flight
// attempt, enforces global admission and per-peer reservations, routes
// outgoing connects through a proxy when one is configured, and hands
// completed negotiations over to a download's connection list. Failed
// attempts may be retried once with the opposite encryption choice.
package handshake
