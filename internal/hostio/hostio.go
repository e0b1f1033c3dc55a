// Package hostio is the abstract non-blocking TCP boundary the proxy state
// machine is built against, per spec.md 4.6: listen/accept/connect/send/recv
// /close plus callbacks and a monotonic clock. The proxy package never
// imports net directly — it only ever sees a HostIO — so the same state
// machine runs unchanged against the real implementation (net.go) and the
// deterministic fake used by its own tests (fake.go), the Go analogue of the
// original ns-3 simulation's controllable scheduler.
package hostio

import "time"

// Callbacks are the events a Socket delivers. OnRecv is called with however
// many bytes arrived; the core must not assume packet boundaries. OnWritable
// fires when outbound back-pressure clears, carrying the bytes now available
// in the send queue. Exactly one of OnConnectSuccess/OnConnectFail fires for
// a socket created via HostIO.Connect, before any other callback.
type Callbacks struct {
	OnConnectSuccess func(sock Socket)
	OnConnectFail    func(err error)
	OnRecv           func(data []byte)
	OnWritable       func(availableBytes int)
	OnClose          func()
	OnError          func(err error)
}

// Socket is one TCP connection, either accepted or dialed.
type Socket interface {
	// SetCallbacks registers the socket's event handlers and, for an
	// accepted socket, starts delivering events. Dialed sockets
	// (HostIO.Connect) already have their callbacks from construction;
	// calling SetCallbacks on one replaces them.
	SetCallbacks(cb Callbacks)

	// Send enqueues data for the outbound direction and returns the
	// number of bytes accepted; a return less than len(data) is a short
	// write signaling back-pressure. A negative return never occurs;
	// errors are delivered via OnError instead, per spec.md 4.6.
	Send(data []byte) int

	// Close is idempotent.
	Close()

	RemoteAddr() string
}

// AcceptCallback is invoked once per accepted connection with a Socket that
// has no callbacks registered yet; the handler must call sock.SetCallbacks
// before returning or early events will be missed.
type AcceptCallback func(sock Socket, peerAddr string)

// Listener is a bound listening socket.
type Listener interface {
	Close() error
}

// HostIO is the abstract host the proxy state machine runs against.
type HostIO interface {
	Listen(port int, onAccept AcceptCallback) (Listener, error)
	Connect(addr string, cb Callbacks)
	Now() time.Time
}
