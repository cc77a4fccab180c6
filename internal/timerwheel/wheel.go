// Package timerwheel implements the hashed timing wheel driving all
// periodic control-plane behavior: 4096 one-second spokes with rotation
// counters for longer delays. Timers are intrusive doubly-linked list
// nodes; start and stop are O(1) and stop is idempotent.
//
// The wheel does not own a clock. The event loop advances it by calling
// Tick once per second, driven by a tick fd it multiplexes like any other
// input. Callbacks therefore always run on the loop, never concurrently.
package timerwheel

import (
	"time"
)

// NumSpokes is the wheel size. With one-second ticks a single rotation
// covers a little over an hour; longer delays use rotation counters.
const NumSpokes = 4096

// TickInterval is the wheel resolution.
const TickInterval = time.Second

// Timer is one schedulable entry. A Timer is created once via
// Wheel.NewTimer and reused across Start calls; the owner must Stop it
// before being destroyed.
type Timer struct {
	next, prev *Timer
	wheel      *Wheel
	rotations  int
	cb         func()

	// sentinel marks spoke list heads, which are Timers with no callback.
	sentinel bool
}

// Wheel is the hashed timing wheel.
type Wheel struct {
	spokes  []Timer
	current int

	running     int
	expirations uint64
}

// New returns a wheel with all spokes initialized to empty rings.
func New() *Wheel {
	w := &Wheel{spokes: make([]Timer, NumSpokes)}
	for i := range w.spokes {
		s := &w.spokes[i]
		s.next, s.prev = s, s
		s.sentinel = true
	}
	return w
}

// NewTimer returns a stopped timer bound to this wheel that invokes cb
// each time it fires. The callback runs synchronously from Tick and may
// start or stop timers, including this one.
func (w *Wheel) NewTimer(cb func()) *Timer {
	return &Timer{wheel: w, cb: cb}
}

// Running returns the number of scheduled timers.
func (w *Wheel) Running() int { return w.running }

// Expirations returns the total number of fired timers.
func (w *Wheel) Expirations() uint64 { return w.expirations }

// Start schedules the timer to fire after d, rounded up to whole ticks.
// A running timer is rescheduled (the previous deadline is discarded).
func (t *Timer) Start(d time.Duration) {
	w := t.wheel
	if t.next != nil {
		t.unlink()
		w.running--
	}

	ticks := int((d + TickInterval - 1) / TickInterval)
	if ticks < 1 {
		ticks = 1
	}
	// (ticks-1)/NumSpokes, not ticks/NumSpokes: a delay of exactly one
	// rotation lands on the current spoke, which the walk next visits one
	// full rotation from now — no extra pass to count down.
	t.rotations = (ticks - 1) / NumSpokes
	pos := (w.current + ticks%NumSpokes) % NumSpokes

	// Append at the ring tail so same-spoke timers fire in insertion order.
	spoke := &w.spokes[pos]
	prev := spoke.prev
	t.next = spoke
	t.prev = prev
	prev.next = t
	spoke.prev = t

	w.running++
}

// Stop unschedules the timer. Idempotent: stopping a stopped timer, or
// one that has already fired, is a no-op.
func (t *Timer) Stop() {
	if t.next == nil {
		return
	}
	t.unlink()
	t.wheel.running--
}

// Running reports whether the timer is scheduled.
func (t *Timer) Running() bool { return t.next != nil }

// unlink removes t from its spoke ring.
func (t *Timer) unlink() {
	t.next.prev = t.prev
	t.prev.next = t.next
	t.next, t.prev = nil, nil
}

// Tick advances the wheel one spoke and fires every due timer on it.
// Timers with rotations remaining are decremented and left in place.
//
// A fired timer is unlinked BEFORE its callback runs, so the callback may
// free or restart its owner. The walk recovers its successor through the
// predecessor link, which is stable across the unlink and across any
// mutation the callback performs at this position.
func (w *Wheel) Tick() {
	w.current = (w.current + 1) % NumSpokes
	spoke := &w.spokes[w.current]

	t := spoke.next
	for t != spoke {
		if t.rotations > 0 {
			t.rotations--
			t = t.next
			continue
		}
		prev := t.prev
		t.unlink()
		w.running--
		w.expirations++
		t.cb()
		t = prev.next
	}
}
