package connections

// EncryptionOptions is a bitset controlling how an outgoing handshake
// negotiates. TryOutgoing and Require describe the configured policy; UseProxy
// and Retrying are set per attempt by the handshake manager.
type EncryptionOptions int

const (
	// Attempt encrypted negotiation first on outgoing connections.
	EncryptionTryOutgoing EncryptionOptions = 1 << iota
	// Refuse plaintext peers entirely.
	EncryptionRequire
	// The connection is routed through the configured proxy.
	EncryptionUseProxy
	// This attempt is a retry after a failed negotiation. Suppresses the
	// recent-address filter when reserving the peer.
	EncryptionRetrying
)

// EncryptionNone negotiates plaintext only.
const EncryptionNone EncryptionOptions = 0

func (o EncryptionOptions) Has(flag EncryptionOptions) bool {
	return o&flag != 0
}

// ModeString names the connection mode for diagnostics. Proxy takes
// precedence over encryption, encryption over plaintext.
func (o EncryptionOptions) ModeString() string {
	switch {
	case o.Has(EncryptionUseProxy):
		return "proxy"
	case o.Has(EncryptionTryOutgoing | EncryptionRequire):
		return "encrypted"
	default:
		return "plaintext"
	}
}
