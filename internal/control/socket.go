package control

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/golispd/internal/timerwheel"
)

// -------------------------------------------------------------------------
// Control sockets — UDP 4342, non-blocking, reactor-driven
// -------------------------------------------------------------------------

// Socket errors.
var (
	// ErrSocketClosed indicates I/O on a closed control socket.
	ErrSocketClosed = errors.New("control socket closed")

	// ErrNoSocketForFamily indicates no control socket matches the
	// destination address family.
	ErrNoSocketForFamily = errors.New("no control socket for address family")
)

// transientRetryDelay is the requeue delay after a would-block send.
const transientRetryDelay = time.Second

// Sender transmits a serialized control message. Implemented by the
// Runtime (family-dispatching over its control sockets) and by test
// doubles capturing outbound traffic.
type Sender interface {
	Send(dst netip.AddrPort, buf []byte) error
}

// ControlSocket is one non-blocking UDP control socket. Reads are driven
// by the reactor; would-block sends are requeued on a short timer rather
// than dropped (the retry buffer is owned by the socket).
type ControlSocket struct {
	logger *slog.Logger
	fd     int
	v6     bool
	closed bool

	wheel      *timerwheel.Wheel
	retryTimer *timerwheel.Timer
	retryQueue []pendingSend
}

// pendingSend is one datagram waiting out a would-block condition.
type pendingSend struct {
	dst netip.AddrPort
	buf []byte
}

// OpenControlSocket binds a non-blocking UDP socket on the control port
// for one address family. bindAddr may be the unspecified address.
func OpenControlSocket(logger *slog.Logger, wheel *timerwheel.Wheel, bindAddr netip.Addr, port uint16) (*ControlSocket, error) {
	v6 := bindAddr.Is6() && !bindAddr.Is4In6()
	domain := unix.AF_INET
	if v6 {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create control socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if v6 {
		// Keep the v6 socket v6-only; v4 control traffic has its own socket.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
		sa := &unix.SockaddrInet6{Port: int(port), Addr: bindAddr.As16()}
		err = unix.Bind(fd, sa)
	} else {
		sa := &unix.SockaddrInet4{Port: int(port), Addr: bindAddr.As4()}
		err = unix.Bind(fd, sa)
	}
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind control socket %s:%d: %w", bindAddr, port, err)
	}

	s := &ControlSocket{
		logger: logger.With(
			slog.String("component", "control.socket"),
			slog.Bool("ipv6", v6),
		),
		fd:    fd,
		v6:    v6,
		wheel: wheel,
	}
	s.retryTimer = wheel.NewTimer(s.flushRetryQueue)
	return s, nil
}

// FD returns the descriptor for reactor registration.
func (s *ControlSocket) FD() int { return s.fd }

// IsV6 reports the socket's address family.
func (s *ControlSocket) IsV6() bool { return s.v6 }

// Recv reads one datagram into buf, returning the payload slice and the
// source. A drained socket returns (nil, zero, nil).
func (s *ControlSocket) Recv(buf []byte) ([]byte, netip.AddrPort, error) {
	if s.closed {
		return nil, netip.AddrPort{}, ErrSocketClosed
	}
	n, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return nil, netip.AddrPort{}, nil
		}
		return nil, netip.AddrPort{}, fmt.Errorf("recv control message: %w", err)
	}
	return buf[:n], sockaddrToAddrPort(from), nil
}

// Send transmits one datagram. A would-block condition queues the
// datagram and retries on a short timer; other errors are returned.
func (s *ControlSocket) Send(dst netip.AddrPort, buf []byte) error {
	if s.closed {
		return ErrSocketClosed
	}
	err := unix.Sendto(s.fd, buf, 0, addrPortToSockaddr(dst, s.v6))
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		queued := make([]byte, len(buf))
		copy(queued, buf)
		s.retryQueue = append(s.retryQueue, pendingSend{dst: dst, buf: queued})
		if !s.retryTimer.Running() {
			s.retryTimer.Start(transientRetryDelay)
		}
		s.logger.Debug("send would block, requeued", slog.String("dst", dst.String()))
		return nil
	}
	return fmt.Errorf("send control message to %s: %w", dst, err)
}

// flushRetryQueue retries queued datagrams; whatever still blocks stays
// queued for the next tick.
func (s *ControlSocket) flushRetryQueue() {
	queue := s.retryQueue
	s.retryQueue = nil
	for _, p := range queue {
		// Send re-queues on would-block and restarts the timer.
		if err := s.Send(p.dst, p.buf); err != nil {
			s.logger.Warn("dropping queued control message",
				slog.String("dst", p.dst.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close releases the descriptor. The caller unregisters from the reactor
// first.
func (s *ControlSocket) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.retryTimer.Stop()
	_ = unix.Close(s.fd)
}

// sockaddrToAddrPort converts a kernel source address.
func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port))
	default:
		return netip.AddrPort{}
	}
}

// addrPortToSockaddr converts a destination for sendto.
func addrPortToSockaddr(dst netip.AddrPort, v6 bool) unix.Sockaddr {
	if v6 {
		return &unix.SockaddrInet6{Port: int(dst.Port()), Addr: dst.Addr().As16()}
	}
	return &unix.SockaddrInet4{Port: int(dst.Port()), Addr: dst.Addr().As4()}
}

// familyMatches reports whether dst can egress this socket.
func (s *ControlSocket) familyMatches(dst netip.Addr) bool {
	if s.v6 {
		return dst.Is6() && !dst.Is4In6()
	}
	return dst.Is4() || dst.Is4In6()
}
