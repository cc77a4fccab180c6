package reactor

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipePair returns a non-blocking pipe, closed at test end.
func pipePair(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestLoopDispatchesReadableFd(t *testing.T) {
	l, err := New(discard())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	r, w := pipePair(t)
	got := make(chan struct{}, 1)
	stop := false
	if err := l.Register(r, func() {
		var b [8]byte
		_, _ = unix.Read(r, b[:])
		got <- struct{}{}
		stop = true
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Run(func() bool { return stop }) }()

	if _, err := unix.Write(w, []byte{1}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop")
	}
}

func TestLoopWakeUnblocksRun(t *testing.T) {
	l, err := New(discard())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	stopped := make(chan struct{})
	var stop atomic.Bool
	go func() {
		defer close(stopped)
		_ = l.Run(func() bool { return stop.Load() })
	}()

	stop.Store(true)
	l.Wake()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Wake did not unblock Run")
	}
}

func TestRegisterDuplicateFd(t *testing.T) {
	l, err := New(discard())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	r, _ := pipePair(t)
	if err := l.Register(r, func() {}); err != nil {
		t.Fatal(err)
	}
	if err := l.Register(r, func() {}); err == nil {
		t.Error("duplicate Register succeeded")
	}
	l.Unregister(r)
	if err := l.Register(r, func() {}); err != nil {
		t.Errorf("Register after Unregister: %v", err)
	}
}
