package handshake

import (
	"expvar"
)

func init() {
	handshakes.Set("accepted", &handshakesAccepted)
	handshakes.Set("initiated", &handshakesInitiated)
	handshakes.Set("succeeded", &handshakesSucceeded)
	handshakes.Set("dropped", &handshakesDropped)
	handshakes.Set("failed", &handshakesFailed)
	handshakes.Set("retried", &handshakesRetried)
}

// These could be attached to a Manager someday.
var (
	handshakes = expvar.NewMap("handshakes")

	handshakesAccepted  expvar.Int
	handshakesInitiated expvar.Int
	handshakesSucceeded expvar.Int
	handshakesDropped   expvar.Int
	handshakesFailed    expvar.Int
	handshakesRetried   expvar.Int

	dropReasons = expvar.NewMap("handshakeDropReasons")
)
