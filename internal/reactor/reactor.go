// Package reactor implements the single-threaded event loop at the heart
// of the daemon: a poll(2)-based multiplexer over readable file
// descriptors with per-fd callbacks. Every callback runs to completion
// before the next event is dispatched, so none of the state it touches
// needs locking.
package reactor

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// Reactor errors.
var (
	// ErrFdRegistered indicates the descriptor already has a handler.
	ErrFdRegistered = errors.New("fd already registered")

	// ErrLoopClosed indicates the loop has been shut down.
	ErrLoopClosed = errors.New("event loop closed")
)

// Handler is invoked when its descriptor becomes readable. It must not
// block: reads are non-blocking and waits are expressed as timers.
type Handler func()

// Loop is the poll-based reactor. Not safe for concurrent use except for
// Wake, which may be called from any goroutine (it only writes the wake
// pipe).
type Loop struct {
	logger   *slog.Logger
	handlers map[int32]Handler
	fds      []unix.PollFd

	wakeR, wakeW int
	closed       bool
}

// New creates a loop with its wake pipe installed.
func New(logger *slog.Logger) (*Loop, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("create reactor wake pipe: %w", err)
	}
	l := &Loop{
		logger:   logger.With(slog.String("component", "reactor")),
		handlers: make(map[int32]Handler),
		wakeR:    p[0],
		wakeW:    p[1],
	}
	l.fds = append(l.fds, unix.PollFd{Fd: int32(p[0]), Events: unix.POLLIN})
	return l, nil
}

// Register adds a read handler for fd.
func (l *Loop) Register(fd int, h Handler) error {
	if l.closed {
		return ErrLoopClosed
	}
	if _, dup := l.handlers[int32(fd)]; dup {
		return fmt.Errorf("register fd %d: %w", fd, ErrFdRegistered)
	}
	l.handlers[int32(fd)] = h
	l.fds = append(l.fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	l.logger.Debug("registered fd", slog.Int("fd", fd))
	return nil
}

// Unregister removes the handler for fd. Unknown fds are a no-op.
func (l *Loop) Unregister(fd int) {
	delete(l.handlers, int32(fd))
	for i, p := range l.fds {
		if p.Fd == int32(fd) {
			l.fds = append(l.fds[:i], l.fds[i+1:]...)
			break
		}
	}
}

// Wake interrupts a blocked Poll from another goroutine. Used by the
// management bridge to hand work to the loop thread and by shutdown.
func (l *Loop) Wake() {
	_, _ = unix.Write(l.wakeW, []byte{0})
}

// drainWake empties the wake pipe.
func (l *Loop) drainWake() {
	var b [64]byte
	for {
		n, err := unix.Read(l.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Run blocks dispatching events until the stop predicate yields true. The
// predicate is polled after every wake.
func (l *Loop) Run(stop func() bool) error {
	for {
		n, err := unix.Poll(l.fds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("reactor poll: %w", err)
		}
		if n <= 0 {
			continue
		}

		// Snapshot revents before dispatch: handlers may mutate the
		// registration set mid-walk.
		ready := make([]int32, 0, n)
		for i := range l.fds {
			if l.fds[i].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
				ready = append(ready, l.fds[i].Fd)
				l.fds[i].Revents = 0
			}
		}
		for _, fd := range ready {
			if fd == int32(l.wakeR) {
				l.drainWake()
				continue
			}
			if h, ok := l.handlers[fd]; ok {
				h()
			}
		}
		if stop() {
			return nil
		}
	}
}

// Close tears down the wake pipe. Handlers' descriptors belong to their
// owners and are not closed here.
func (l *Loop) Close() {
	if l.closed {
		return
	}
	l.closed = true
	_ = unix.Close(l.wakeR)
	_ = unix.Close(l.wakeW)
}
