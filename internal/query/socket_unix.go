//go:build linux || darwin

package query

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

type socket struct {
	remote     netip.AddrPort
	local      netip.AddrPort
	stream     bool
	broadcast  bool
	connecting bool
}

// SocketTransport implements Transport over raw non-blocking sockets and poll(2).
type SocketTransport struct {
	socks  map[Handle]*socket
	source netip.Addr
	portLo uint16
	portHi uint16
	next   uint16
}

// NewSocketTransport creates a transport. source and the port range are
// optional; a zero range lets the kernel choose the local port.
func NewSocketTransport(source netip.Addr, portLo, portHi uint16) *SocketTransport {
	return &SocketTransport{
		socks:  make(map[Handle]*socket),
		source: source.Unmap(),
		portLo: portLo,
		portHi: portHi,
	}
}

// Open implements Transport.
func (s *SocketTransport) Open(req OpenRequest) (Handle, bool, error) {
	remote := normalize(req.Remote)
	family := unix.AF_INET
	if remote.Addr().Is6() {
		family = unix.AF_INET6
	}
	typ := unix.SOCK_DGRAM
	if req.Stream {
		typ = unix.SOCK_STREAM
	}

	fd, err := unix.Socket(family, typ, 0)
	if err != nil {
		return NoHandle, false, classifyOpen(err)
	}
	unix.CloseOnExec(fd)

	fail := func(err error) (Handle, bool, error) {
		_ = unix.Close(fd)
		return NoHandle, false, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return fail(fmt.Errorf("set non-blocking: %w", err))
	}
	if req.Broadcast {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			return fail(fmt.Errorf("enable broadcast: %w", err))
		}
	}
	if err := s.bind(fd, family); err != nil {
		return fail(err)
	}

	sock := &socket{remote: remote, stream: req.Stream, broadcast: req.Broadcast}
	if !req.Broadcast {
		err := unix.Connect(fd, sockaddr(remote))
		switch {
		case err == nil:
		case errors.Is(err, unix.EINPROGRESS):
			sock.connecting = true
		default:
			return fail(classifyOpen(err))
		}
	}

	if sa, err := unix.Getsockname(fd); err == nil {
		sock.local = fromSockaddr(sa)
	}

	h := Handle(fd)
	s.socks[h] = sock
	return h, sock.connecting, nil
}

func (s *SocketTransport) bind(fd, family int) error {
	if !s.source.IsValid() && s.portLo == 0 {
		return nil
	}

	addr := netip.IPv4Unspecified()
	if family == unix.AF_INET6 {
		addr = netip.IPv6Unspecified()
	}
	if s.source.IsValid() {
		if s.source.Is4() != (family == unix.AF_INET) {
			return fmt.Errorf("source address %s does not match target address family", s.source)
		}
		addr = s.source
	}

	if s.portLo == 0 {
		if err := unix.Bind(fd, sockaddr(netip.AddrPortFrom(addr, 0))); err != nil {
			return classifyOpen(err)
		}
		return nil
	}

	span := int(s.portHi-s.portLo) + 1
	for i := 0; i < span; i++ {
		port := s.portLo + uint16((int(s.next)+i)%span)
		err := unix.Bind(fd, sockaddr(netip.AddrPortFrom(addr, port)))
		if err == nil {
			s.next = uint16((int(s.next) + i + 1) % span)
			return nil
		}
		if !errors.Is(err, unix.EADDRINUSE) {
			return classifyOpen(err)
		}
	}

	return fmt.Errorf("%w: source ports %d-%d in use", ErrTransient, s.portLo, s.portHi)
}

// Connected implements Transport.
func (s *SocketTransport) Connected(h Handle) error {
	sock, ok := s.socks[h]
	if !ok {
		return fmt.Errorf("unknown handle %d", h)
	}
	v, err := unix.GetsockoptInt(int(h), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return classifyIO(unix.Errno(v))
	}
	sock.connecting = false
	return nil
}

// Send implements Transport.
func (s *SocketTransport) Send(h Handle, to netip.AddrPort, b []byte) error {
	sock, ok := s.socks[h]
	if !ok {
		return fmt.Errorf("unknown handle %d", h)
	}
	if sock.broadcast {
		return classifyIO(unix.Sendto(int(h), b, 0, sockaddr(normalize(to))))
	}
	_, err := unix.Write(int(h), b)
	return classifyIO(err)
}

// Recv implements Transport.
func (s *SocketTransport) Recv(h Handle, buf []byte) (int, netip.AddrPort, error) {
	sock, ok := s.socks[h]
	if !ok {
		return 0, netip.AddrPort{}, fmt.Errorf("unknown handle %d", h)
	}
	n, sa, err := unix.Recvfrom(int(h), buf, 0)
	if err != nil {
		return 0, netip.AddrPort{}, classifyIO(err)
	}
	if sock.stream {
		if n == 0 {
			return 0, sock.remote, io.EOF
		}
		return n, sock.remote, nil
	}
	from := sock.remote
	if sa != nil {
		from = fromSockaddr(sa)
	}
	return n, from, nil
}

// Close implements Transport.
func (s *SocketTransport) Close(h Handle) error {
	if _, ok := s.socks[h]; !ok {
		return nil
	}
	delete(s.socks, h)
	return unix.Close(int(h))
}

// Wait implements Transport using poll(2).
func (s *SocketTransport) Wait(interest []Interest, timeout time.Duration) ([]Event, error) {
	fds := make([]unix.PollFd, len(interest))
	for i, in := range interest {
		fds[i].Fd = int32(in.Handle)
		fds[i].Events = unix.POLLIN
		if in.Write {
			fds[i].Events |= unix.POLLOUT
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		ms := int((remaining + time.Millisecond - 1) / time.Millisecond)

		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			if time.Now().After(deadline) {
				return nil, nil
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		break
	}

	events := make([]Event, 0, len(fds))
	for i, fd := range fds {
		if fd.Revents == 0 {
			continue
		}
		ev := Event{Handle: interest[i].Handle}
		if fd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			ev.Readable = true
		}
		if interest[i].Write && fd.Revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0 {
			ev.Writable = true
		}
		events = append(events, ev)
	}

	return events, nil
}

// Local implements Transport.
func (s *SocketTransport) Local(h Handle) netip.AddrPort {
	if sock, ok := s.socks[h]; ok {
		return sock.local
	}
	return netip.AddrPort{}
}

// Now implements Transport.
func (s *SocketTransport) Now() time.Time {
	return time.Now()
}

func classifyOpen(err error) error {
	switch {
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE),
		errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM),
		errors.Is(err, unix.EAGAIN):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	case errors.Is(err, unix.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrRefused, err)
	default:
		return err
	}
}

func classifyIO(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
		return ErrWouldBlock
	case errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ECONNRESET):
		return fmt.Errorf("%w: %v", ErrRefused, err)
	default:
		return err
	}
}

func sockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port))
	default:
		return netip.AddrPort{}
	}
}
