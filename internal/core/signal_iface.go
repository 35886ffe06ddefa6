package core

// Frame is an encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend never blocks. It fails when the outbound queue is full or closed.
	TrySend(Frame) error
	Close()
}
