// Package localdb implements the local mapping database: the
// authoritative EID-prefixes this node registers and answers for. It
// shares the map-cache's index shape (one longest-prefix table per
// instance ID) and additionally maintains the interface index that maps
// interface names back to the local locators and mappings they carry.
package localdb

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/gaissmai/bart"

	"github.com/dantte-lp/golispd/internal/lisp"
)

// Local database errors.
var (
	// ErrNotPrefix indicates the EID has no prefix leaf to index on.
	ErrNotPrefix = errors.New("eid is not a prefix")

	// ErrDuplicateMapping indicates a mapping is already registered for
	// the exact prefix.
	ErrDuplicateMapping = errors.New("duplicate local mapping")
)

// DB is the local mapping database.
type DB struct {
	logger *slog.Logger
	tables map[uint32]*bart.Table[*lisp.Mapping]

	// ifaceLocators back-references the local locators carried by each
	// interface. The lists borrow the locators; the mappings own them.
	ifaceLocators map[string][]*lisp.Locator

	// ifaceMappings back-references the mappings to re-register and
	// recompute when an interface changes.
	ifaceMappings map[string][]*lisp.Mapping

	count int
}

// New creates an empty database.
func New(logger *slog.Logger) *DB {
	return &DB{
		logger:        logger.With(slog.String("component", "local-db")),
		tables:        make(map[uint32]*bart.Table[*lisp.Mapping]),
		ifaceLocators: make(map[string][]*lisp.Locator),
		ifaceMappings: make(map[string][]*lisp.Mapping),
	}
}

// table returns the per-instance index, creating it on first use.
func (db *DB) table(iid uint32) *bart.Table[*lisp.Mapping] {
	t, ok := db.tables[iid]
	if !ok {
		t = &bart.Table[*lisp.Mapping]{}
		db.tables[iid] = t
	}
	return t
}

// Len returns the number of local mappings.
func (db *DB) Len() int { return db.count }

// Add registers an authoritative mapping and indexes its local locators
// by interface.
func (db *DB) Add(m *lisp.Mapping) error {
	pfx, ok := m.EID.LeafPrefix()
	if !ok {
		return fmt.Errorf("local-db add %s: %w", m.EID, ErrNotPrefix)
	}
	if _, exists := db.table(m.IID).Get(pfx); exists {
		return fmt.Errorf("local-db add %s: %w", m.EID, ErrDuplicateMapping)
	}
	m.Authoritative = true
	db.table(m.IID).Insert(pfx, m)
	db.count++

	for _, l := range m.Locators.All() {
		if l.Kind != lisp.KindLocal || l.Iface == "" {
			continue
		}
		db.ifaceLocators[l.Iface] = append(db.ifaceLocators[l.Iface], l)
		db.ifaceMappings[l.Iface] = appendUniqueMapping(db.ifaceMappings[l.Iface], m)
	}

	db.logger.Info("local mapping registered",
		slog.String("eid", m.EID.String()),
		slog.Int("locators", m.Locators.Len()),
	)
	return nil
}

// Lookup longest-prefix-matches an EID within an instance.
func (db *DB) Lookup(iid uint32, ip netip.Addr) (*lisp.Mapping, bool) {
	t, ok := db.tables[iid]
	if !ok {
		return nil, false
	}
	return t.Lookup(ip)
}

// LookupExact returns the mapping for the exact prefix.
func (db *DB) LookupExact(iid uint32, pfx netip.Prefix) (*lisp.Mapping, bool) {
	t, ok := db.tables[iid]
	if !ok {
		return nil, false
	}
	return t.Get(pfx)
}

// Remove drops the mapping for the exact prefix and scrubs the interface
// index of its locators.
func (db *DB) Remove(iid uint32, pfx netip.Prefix) (*lisp.Mapping, bool) {
	t, ok := db.tables[iid]
	if !ok {
		return nil, false
	}
	m, existed := t.Get(pfx)
	if !existed {
		return nil, false
	}
	t.Delete(pfx)
	db.count--
	for iface := range db.ifaceLocators {
		db.scrubIface(iface, m)
	}
	return m, true
}

// All walks every local mapping.
func (db *DB) All(fn func(*lisp.Mapping)) {
	for _, t := range db.tables {
		for _, m := range t.All() {
			fn(m)
		}
	}
}

// IfaceChange applies an interface event: every local locator on the
// interface gets the new address and reachability state. Returns the
// affected mappings — the caller re-registers them and recomputes their
// balancing vectors.
func (db *DB) IfaceChange(iface string, newAddr netip.Addr, up bool) []*lisp.Mapping {
	locs := db.ifaceLocators[iface]
	if len(locs) == 0 {
		return nil
	}
	state := lisp.StateDown
	if up {
		state = lisp.StateUp
	}
	for _, l := range locs {
		if newAddr.IsValid() {
			l.Addr = lisp.AddrFromIP(newAddr)
		}
		l.State = state
	}
	affected := db.ifaceMappings[iface]
	db.logger.Info("interface change applied",
		slog.String("iface", iface),
		slog.String("addr", newAddr.String()),
		slog.Bool("up", up),
		slog.Int("mappings", len(affected)),
	)
	return affected
}

// IfaceLocators returns the local locators carried by an interface.
func (db *DB) IfaceLocators(iface string) []*lisp.Locator {
	return db.ifaceLocators[iface]
}

// scrubIface removes m's locators from one interface's back-references.
func (db *DB) scrubIface(iface string, m *lisp.Mapping) {
	locs := db.ifaceLocators[iface][:0]
	for _, l := range db.ifaceLocators[iface] {
		if m.Locators.Find(l.Addr) == nil {
			locs = append(locs, l)
		}
	}
	db.ifaceLocators[iface] = locs

	maps := db.ifaceMappings[iface][:0]
	for _, im := range db.ifaceMappings[iface] {
		if im != m {
			maps = append(maps, im)
		}
	}
	db.ifaceMappings[iface] = maps
}

// appendUniqueMapping appends m unless already present.
func appendUniqueMapping(s []*lisp.Mapping, m *lisp.Mapping) []*lisp.Mapping {
	for _, e := range s {
		if e == m {
			return s
		}
	}
	return append(s, m)
}
