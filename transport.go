package mcp

import "context"

// MessageHandler receives each frame a transport reads from its peer.
type MessageHandler func(msg Message)

// ErrorHandler receives non-fatal transport and codec errors, such as a
// malformed inbound frame. The stream keeps running after the callback.
type ErrorHandler func(err error)

// Transport is a bidirectional byte-stream carrier for JSON-RPC frames.
//
// Start installs the callbacks and begins reading; it does not block.
// Send queues one frame for delivery; frames sent on the same transport are
// delivered in Send-call order. Shutdown is idempotent and unblocks the
// reader and writer; Send after Shutdown fails with ErrTransportClosed.
type Transport interface {
	Start(onMessage MessageHandler, onError ErrorHandler) error
	Send(ctx context.Context, msg Message) error
	Shutdown(ctx context.Context) error
}
