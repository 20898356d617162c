package query

import (
	"net/netip"
	"time"
)

// Handle identifies a bound socket.
type Handle int

// NoHandle is the handle of an unbound target.
const NoHandle Handle = -1

// OpenRequest describes the socket to bind for a target.
type OpenRequest struct {
	Remote    netip.AddrPort
	Stream    bool
	Broadcast bool
}

// Interest registers a handle for readiness. Write is set while a stream
// connect is in progress.
type Interest struct {
	Handle Handle
	Write  bool
}

// Event reports readiness of one handle.
type Event struct {
	Handle   Handle
	Readable bool
	Writable bool
}

// Transport is the readiness source and non-blocking socket layer the
// scheduler drives. Wait is the only call allowed to block, bounded by timeout.
type Transport interface {
	// Open allocates a non-blocking socket. connecting is true while a
	// stream connect is in progress. Descriptor exhaustion wraps ErrTransient.
	Open(req OpenRequest) (h Handle, connecting bool, err error)

	// Connected returns the result of an asynchronous connect.
	Connected(h Handle) error

	// Send writes one packet. to is used for unconnected (broadcast) sockets.
	Send(h Handle, to netip.AddrPort, b []byte) error

	// Recv performs one non-blocking receive. It returns ErrWouldBlock when
	// nothing is queued, ErrRefused for refused peers and io.EOF when a
	// stream peer closed. A nil error with n == 0 is an empty datagram.
	Recv(h Handle, buf []byte) (n int, from netip.AddrPort, err error)

	// Close releases the socket.
	Close(h Handle) error

	// Wait blocks at most timeout for readiness of the given handles.
	// Interrupted waits are retried internally.
	Wait(interest []Interest, timeout time.Duration) ([]Event, error)

	// Local returns the bound local address of a handle.
	Local(h Handle) netip.AddrPort

	// Now returns the transport clock.
	Now() time.Time
}
