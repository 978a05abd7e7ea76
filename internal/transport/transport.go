// Package transport moves raw bytes between the client and a MicroPython
// device. Implementations never reassemble frames: every chunk read from the
// wire is handed to the Handler as-is, and message boundaries are recovered
// by the repl package.
package transport

// Kind identifies how a session reaches its device. Unknown is reported when
// no transport is attached.
type Kind int

const (
	Unknown Kind = iota
	Serial
	Network
	Proxy
)

func (k Kind) String() string {
	switch k {
	case Serial:
		return "serial"
	case Network:
		return "network"
	case Proxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// Handler receives inbound events from a transport's read loop. Calls are
// made from a single goroutine per transport.
type Handler interface {
	HandleData(p []byte)
	HandleClose()
	HandleError(err error)
}

// Transport is a started-on-demand byte pipe to a device.
type Transport interface {
	// Start launches the read loop. Events are delivered to h until the
	// transport closes, after which HandleClose is called exactly once.
	Start(h Handler)
	Send(p []byte) error
	Close() error
	Kind() Kind
}

// BinarySender is implemented by transports that distinguish binary frames
// from text, which the WebREPL binary sub-protocol requires.
type BinarySender interface {
	SendBinary(p []byte) error
}
