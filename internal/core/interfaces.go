package core

// Frame is a raw wire payload, already JSON-encoded.
type Frame []byte

// ConnID is the transport-channel handle of one live connection. It
// changes on every reconnect; identity stays on domain.UserID.
type ConnID string

// SignalConnection abstracts the system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
