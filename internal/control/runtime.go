package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/golispd/internal/lisp"
	lispmetrics "github.com/dantte-lp/golispd/internal/metrics"
	"github.com/dantte-lp/golispd/internal/reactor"
	"github.com/dantte-lp/golispd/internal/timerwheel"
)

// -------------------------------------------------------------------------
// Runtime — process composition
// -------------------------------------------------------------------------

// Runtime owns the event loop, the timer wheel, the control sockets, and
// the device role, and threads them together. It is constructed once in
// main and torn down in reverse order; nothing in here is a package-level
// singleton.
//
// The wheel tick is driven by a ticker goroutine whose only effect is a
// write to a pipe the loop multiplexes — the loop observes time as an
// ordinary readable fd. Management requests enter the same way: enqueued
// behind a pipe and executed on the loop thread.
type Runtime struct {
	logger  *slog.Logger
	metrics *lispmetrics.Collector

	wheel      *timerwheel.Wheel
	loop       *reactor.Loop
	sock4      *ControlSocket
	sock6      *ControlSocket
	device     Device
	dispatcher *Dispatcher

	tickPipeR, tickPipeW int
	ticker               *time.Ticker
	tickerDone           chan struct{}

	execMu    sync.Mutex
	execQueue []func()
	execPipeR int
	execPipeW int

	recvBuf  []byte
	stopping bool
}

// NewRuntime builds the runtime skeleton: wheel, loop, and control
// sockets. The device role is attached afterwards with SetDevice (roles
// need the runtime as their Sender).
func NewRuntime(logger *slog.Logger, metrics *lispmetrics.Collector, bind4, bind6 netip.Addr, port uint16) (*Runtime, error) {
	r := &Runtime{
		logger:     logger.With(slog.String("component", "runtime")),
		metrics:    metrics,
		wheel:      timerwheel.New(),
		tickerDone: make(chan struct{}),
		recvBuf:    make([]byte, lisp.MaxMessageSize),
	}

	loop, err := reactor.New(logger)
	if err != nil {
		return nil, err
	}
	r.loop = loop

	if bind4.IsValid() {
		r.sock4, err = OpenControlSocket(logger, r.wheel, bind4, port)
		if err != nil {
			r.Close()
			return nil, err
		}
	}
	if bind6.IsValid() {
		r.sock6, err = OpenControlSocket(logger, r.wheel, bind6, port)
		if err != nil {
			r.Close()
			return nil, err
		}
	}

	var tick, exec [2]int
	if err := unix.Pipe2(tick[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		r.Close()
		return nil, fmt.Errorf("create tick pipe: %w", err)
	}
	r.tickPipeR, r.tickPipeW = tick[0], tick[1]
	if err := unix.Pipe2(exec[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		r.Close()
		return nil, fmt.Errorf("create exec pipe: %w", err)
	}
	r.execPipeR, r.execPipeW = exec[0], exec[1]

	return r, nil
}

// Wheel exposes the timer wheel for role construction.
func (r *Runtime) Wheel() *timerwheel.Wheel { return r.wheel }

// SetDevice attaches the device role and its dispatcher.
func (r *Runtime) SetDevice(d Device) {
	r.device = d
	r.dispatcher = NewDispatcher(r.logger, r.metrics, d)
}

// Send implements Sender, dispatching on the destination address family.
func (r *Runtime) Send(dst netip.AddrPort, buf []byte) error {
	if r.sock4 != nil && r.sock4.familyMatches(dst.Addr()) {
		return r.sock4.Send(dst, buf)
	}
	if r.sock6 != nil && r.sock6.familyMatches(dst.Addr()) {
		return r.sock6.Send(dst, buf)
	}
	return fmt.Errorf("send to %s: %w", dst, ErrNoSocketForFamily)
}

// Exec hands fn to the event loop thread. Safe from any goroutine; used
// by the management server so mutations stay single-threaded.
func (r *Runtime) Exec(fn func()) {
	r.execMu.Lock()
	r.execQueue = append(r.execQueue, fn)
	r.execMu.Unlock()
	_, _ = unix.Write(r.execPipeW, []byte{0})
	r.loop.Wake()
}

// InjectIfaceEvent delivers a platform interface event onto the loop.
func (r *Runtime) InjectIfaceEvent(ev IfaceEvent) {
	r.Exec(func() { r.device.OnIfaceChange(ev) })
}

// Run drives the event loop until ctx is cancelled. The ticker goroutine
// feeding the tick pipe is the only other goroutine this package starts.
func (r *Runtime) Run(ctx context.Context) error {
	if r.sock4 != nil {
		if err := r.loop.Register(r.sock4.FD(), func() { r.drainSocket(r.sock4) }); err != nil {
			return err
		}
	}
	if r.sock6 != nil {
		if err := r.loop.Register(r.sock6.FD(), func() { r.drainSocket(r.sock6) }); err != nil {
			return err
		}
	}
	if err := r.loop.Register(r.tickPipeR, r.onTick); err != nil {
		return err
	}
	if err := r.loop.Register(r.execPipeR, r.drainExec); err != nil {
		return err
	}

	r.ticker = time.NewTicker(timerwheel.TickInterval)
	go func() {
		defer close(r.tickerDone)
		for {
			select {
			case <-r.ticker.C:
				_, _ = unix.Write(r.tickPipeW, []byte{0})
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		r.stopping = true
		r.loop.Wake()
	})
	defer stop()

	r.logger.Info("event loop running")
	err := r.loop.Run(func() bool { return r.stopping || ctx.Err() != nil })
	r.ticker.Stop()
	<-r.tickerDone
	return err
}

// drainSocket reads every queued datagram off a control socket.
func (r *Runtime) drainSocket(s *ControlSocket) {
	for {
		pkt, src, err := s.Recv(r.recvBuf)
		if err != nil {
			r.logger.Warn("control socket read", slog.String("error", err.Error()))
			return
		}
		if pkt == nil {
			return
		}
		r.dispatcher.Dispatch(pkt, src)
	}
}

// onTick drains the tick pipe and advances the wheel once per byte, so
// ticks missed under load are caught up rather than lost.
func (r *Runtime) onTick() {
	var b [16]byte
	for {
		n, err := unix.Read(r.tickPipeR, b[:])
		if n <= 0 || err != nil {
			return
		}
		for i := 0; i < n; i++ {
			r.wheel.Tick()
		}
	}
}

// drainExec runs queued management closures on the loop thread.
func (r *Runtime) drainExec() {
	var b [16]byte
	for {
		n, err := unix.Read(r.execPipeR, b[:])
		if n <= 0 || err != nil {
			break
		}
	}
	r.execMu.Lock()
	queue := r.execQueue
	r.execQueue = nil
	r.execMu.Unlock()
	for _, fn := range queue {
		fn()
	}
}

// Close tears the runtime down: the control sockets first, then the tick
// and exec pipes, and the loop last.
func (r *Runtime) Close() {
	if r.sock6 != nil {
		r.loop.Unregister(r.sock6.FD())
		r.sock6.Close()
		r.sock6 = nil
	}
	if r.sock4 != nil {
		r.loop.Unregister(r.sock4.FD())
		r.sock4.Close()
		r.sock4 = nil
	}
	if r.tickPipeR != 0 {
		r.loop.Unregister(r.tickPipeR)
		_ = unix.Close(r.tickPipeR)
		_ = unix.Close(r.tickPipeW)
		r.tickPipeR, r.tickPipeW = 0, 0
	}
	if r.execPipeR != 0 {
		r.loop.Unregister(r.execPipeR)
		_ = unix.Close(r.execPipeR)
		_ = unix.Close(r.execPipeW)
		r.execPipeR, r.execPipeW = 0, 0
	}
	if r.loop != nil {
		r.loop.Close()
		r.loop = nil
	}
	r.logger.Info("runtime closed")
}
