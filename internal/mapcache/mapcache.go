// Package mapcache implements the map-cache: the store of remote EID
// resolutions. Entries are indexed for longest-prefix match per instance
// ID, carry TTL-driven expiry through the timer wheel, and hold the
// per-locator RLOC-probing state.
//
// Single-writer: every mutation happens on the event loop.
package mapcache

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/gaissmai/bart"

	"github.com/dantte-lp/golispd/internal/fwd"
	"github.com/dantte-lp/golispd/internal/lisp"
	lispmetrics "github.com/dantte-lp/golispd/internal/metrics"
	"github.com/dantte-lp/golispd/internal/timerwheel"
)

// Map-cache errors.
var (
	// ErrNotPrefix indicates the EID has no prefix leaf to index on.
	ErrNotPrefix = errors.New("eid is not a prefix")

	// ErrNoSuchEntry indicates no entry exists for the exact prefix.
	ErrNoSuchEntry = errors.New("no map-cache entry for prefix")
)

// ProbeState tracks one locator's in-flight RLOC probe.
type ProbeState struct {
	// Nonce is the probe Map-Request nonce.
	Nonce uint64

	// RetriesLeft counts the remaining retransmissions before the
	// locator is declared Down.
	RetriesLeft int

	// Timer drives the retry/timeout deadline. Owned by the entry;
	// stopped before the entry is destroyed.
	Timer *timerwheel.Timer
}

// Entry is one map-cache entry: a mapping plus resolution lifecycle.
type Entry struct {
	// Mapping is the cached mapping. Owned by the entry.
	Mapping *lisp.Mapping

	// Active turns true on the first positive Map-Reply. Inactive
	// entries are negative placeholders created at request time.
	Active bool

	// CreatedAt and ExpiresAt bound the entry lifetime:
	// ExpiresAt = CreatedAt + TTL.
	CreatedAt time.Time

	// ExpiresAt is the expiry deadline.
	ExpiresAt time.Time

	// PendingNonce is the outstanding resolution nonce while Inactive.
	PendingNonce uint64

	// SMRInflight gates outbound SMR-invoked requests: at most one per
	// solicited EID until the reply or timeout clears it.
	SMRInflight bool

	// Probes holds per-locator probe state keyed by locator address text.
	Probes map[string]*ProbeState

	// ProbeTimer schedules the next periodic probe round for the entry.
	ProbeTimer *timerwheel.Timer

	// Vectors is the balancing state computed for this mapping.
	Vectors fwd.Vectors

	expiry *timerwheel.Timer
}

// EID returns the entry's EID-prefix.
func (e *Entry) EID() lisp.Addr { return e.Mapping.EID }

// stopTimers stops every timer the entry owns. Mandatory before the
// entry is dropped (the wheel only borrows timer records).
func (e *Entry) stopTimers() {
	if e.expiry != nil {
		e.expiry.Stop()
	}
	if e.ProbeTimer != nil {
		e.ProbeTimer.Stop()
	}
	for _, ps := range e.Probes {
		if ps.Timer != nil {
			ps.Timer.Stop()
		}
	}
}

// Cache is the map-cache.
type Cache struct {
	logger  *slog.Logger
	wheel   *timerwheel.Wheel
	engine  *fwd.Engine
	metrics *lispmetrics.Collector

	// tables indexes entries per instance ID. Each bart table handles
	// both address families.
	tables map[uint32]*bart.Table[*Entry]
	count  int

	// OnExpire, when set, observes entries evicted by TTL.
	OnExpire func(*Entry)
}

// New creates an empty cache. metrics may be nil in tests.
func New(logger *slog.Logger, wheel *timerwheel.Wheel, engine *fwd.Engine, metrics *lispmetrics.Collector) *Cache {
	return &Cache{
		logger:  logger.With(slog.String("component", "map-cache")),
		wheel:   wheel,
		engine:  engine,
		metrics: metrics,
		tables:  make(map[uint32]*bart.Table[*Entry]),
	}
}

// table returns the per-instance index, creating it on first use.
func (c *Cache) table(iid uint32) *bart.Table[*Entry] {
	t, ok := c.tables[iid]
	if !ok {
		t = &bart.Table[*Entry]{}
		c.tables[iid] = t
	}
	return t
}

// Len returns the number of entries (positive and negative).
func (c *Cache) Len() int { return c.count }

// Add installs a mapping. The EID must have a prefix leaf; it is
// normalized on construction so host bits are already masked. An existing
// entry for the exact prefix is replaced (its timers stopped first).
func (c *Cache) Add(m *lisp.Mapping, active bool) (*Entry, error) {
	pfx, ok := m.EID.LeafPrefix()
	if !ok {
		return nil, fmt.Errorf("map-cache add %s: %w", m.EID, ErrNotPrefix)
	}

	if old, exists := c.table(m.IID).Get(pfx); exists {
		c.removeEntry(old)
	}

	now := time.Now()
	e := &Entry{
		Mapping:   m,
		Active:    active,
		CreatedAt: now,
		ExpiresAt: now.Add(m.TTL),
		Probes:    make(map[string]*ProbeState),
	}
	e.expiry = c.wheel.NewTimer(func() { c.expire(e) })
	e.expiry.Start(m.TTL)

	if active && c.engine != nil {
		e.Vectors = c.engine.Recompute(m)
	}

	c.table(m.IID).Insert(pfx, e)
	c.count++
	c.gauge()

	c.logger.Debug("map-cache entry installed",
		slog.String("eid", m.EID.String()),
		slog.Bool("active", active),
		slog.Duration("ttl", m.TTL),
	)
	return e, nil
}

// AddNegativePlaceholder creates the Inactive entry recorded when a
// Map-Request is sent: it pins the pending nonce and answers repeated
// misses until the reply arrives.
func (c *Cache) AddNegativePlaceholder(eid lisp.Addr, iid uint32, nonce uint64, ttl time.Duration) (*Entry, error) {
	m := lisp.NewNegativeMapping(eid, iid, lisp.ActSendMapRequest, ttl)
	e, err := c.Add(m, false)
	if err != nil {
		return nil, err
	}
	e.PendingNonce = nonce
	return e, nil
}

// Activate promotes a placeholder with the mapping from a positive reply:
// locators and TTL are replaced, the entry turns Active, expiry restarts,
// and the balancing vectors are recomputed.
func (c *Cache) Activate(e *Entry, m *lisp.Mapping) {
	e.Mapping = m
	e.Active = true
	e.PendingNonce = 0
	e.SMRInflight = false
	e.CreatedAt = time.Now()
	e.ExpiresAt = e.CreatedAt.Add(m.TTL)
	e.expiry.Start(m.TTL)
	if c.engine != nil {
		e.Vectors = c.engine.Recompute(m)
	}
}

// MakeNegative records a negative reply on a placeholder: the action and
// TTL come from the reply, the entry stays locator-less but counts as
// resolved.
func (c *Cache) MakeNegative(e *Entry, action lisp.Action, ttl time.Duration) {
	e.Mapping.Action = action
	e.Mapping.TTL = ttl
	e.Active = true
	e.PendingNonce = 0
	e.CreatedAt = time.Now()
	e.ExpiresAt = e.CreatedAt.Add(ttl)
	e.expiry.Start(ttl)
}

// Lookup longest-prefix-matches an EID within an instance.
func (c *Cache) Lookup(iid uint32, ip netip.Addr) (*Entry, bool) {
	t, ok := c.tables[iid]
	if !ok {
		return nil, false
	}
	return t.Lookup(ip)
}

// LookupExact returns the entry for the exact prefix.
func (c *Cache) LookupExact(iid uint32, pfx netip.Prefix) (*Entry, bool) {
	t, ok := c.tables[iid]
	if !ok {
		return nil, false
	}
	return t.Get(pfx)
}

// Remove drops the entry for the exact prefix.
func (c *Cache) Remove(iid uint32, pfx netip.Prefix) error {
	t, ok := c.tables[iid]
	if !ok {
		return fmt.Errorf("map-cache remove %s: %w", pfx, ErrNoSuchEntry)
	}
	e, exists := t.Get(pfx)
	if !exists {
		return fmt.Errorf("map-cache remove %s: %w", pfx, ErrNoSuchEntry)
	}
	c.removeEntry(e)
	return nil
}

// Flush drops every entry. Administrative use (management API).
func (c *Cache) Flush() {
	for _, t := range c.tables {
		for _, e := range t.All() {
			e.stopTimers()
			if c.engine != nil {
				c.engine.Drop(e.Mapping.EID)
			}
		}
	}
	c.tables = make(map[uint32]*bart.Table[*Entry])
	c.count = 0
	c.gauge()
}

// Entries walks every entry. The callback must not mutate the cache.
func (c *Cache) Entries(fn func(*Entry)) {
	for _, t := range c.tables {
		for _, e := range t.All() {
			fn(e)
		}
	}
}

// removeEntry unlinks an entry and stops its timers.
func (c *Cache) removeEntry(e *Entry) {
	pfx, _ := e.Mapping.EID.LeafPrefix()
	e.stopTimers()
	if _, existed := c.table(e.Mapping.IID).Get(pfx); existed {
		c.table(e.Mapping.IID).Delete(pfx)
		c.count--
	}
	if c.engine != nil {
		c.engine.Drop(e.Mapping.EID)
	}
	c.gauge()
}

// expire evicts an entry whose TTL ran out. Runs from the entry's expiry
// timer, so the timer is already unlinked.
func (c *Cache) expire(e *Entry) {
	c.logger.Debug("map-cache entry expired", slog.String("eid", e.Mapping.EID.String()))
	c.removeEntry(e)
	if c.OnExpire != nil {
		c.OnExpire(e)
	}
}

// gauge publishes the entry count.
func (c *Cache) gauge() {
	if c.metrics != nil {
		c.metrics.MapCacheEntries.Set(float64(c.count))
	}
}
