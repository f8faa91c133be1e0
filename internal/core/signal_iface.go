package core

import "github.com/dkeye/Call/internal/protocol"

// Frame is a raw text payload.
type Frame []byte

// SignalConnection abstracts one outbound websocket queue.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Gateway is the signaling channel towards the remote peer.
type Gateway interface {
	Send(protocol.Message) error
	Connected() bool
}
