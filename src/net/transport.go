package net

// Frame is one datagram-style unit off the wire: an opaque payload and the
// address it came from. Authentication lives in the payload's envelope
// signature, never in the transport.
type Frame struct {
	From string
	Data []byte
}

// Transport moves frames between nodes. It is a collaborator of the routing
// core, not part of it: delivery is best-effort, unordered, and unauthenticated.
// The routing layer owns retries and duplicate suppression.
type Transport interface {
	// Listen starts accepting inbound frames.
	Listen()

	// Consumer returns the channel inbound frames are delivered on. The
	// channel is closed when the transport closes.
	Consumer() <-chan Frame

	// Send delivers a frame to the target address. Best-effort: an error
	// means the local send failed, a nil error does not mean the target
	// received it.
	Send(target string, data []byte) error

	// LocalAddr returns the address peers can reach this transport on.
	LocalAddr() string

	// Close permanently disables the transport.
	Close() error
}
