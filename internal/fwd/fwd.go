// Package fwd implements the forwarding-policy engine: for every mapping
// it materializes the hash-indexed locator vectors the data plane selects
// egress locators from. The data plane picks vec[hash(5-tuple) % len(vec)],
// which yields a distribution proportional to locator weights within the
// highest-priority usable tier.
package fwd

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/dantte-lp/golispd/internal/lisp"
)

// Vectors is the balancing state of one mapping: a vector per address
// family plus the combined vector, and a version the data plane uses to
// detect recomputes.
//
//	V4:  only IPv4-leaf locators contribute
//	V6:  only IPv6-leaf locators contribute
//	All: both families, one shared priority tier
type Vectors struct {
	// V4 is the IPv4-only balancing vector.
	V4 []*lisp.Locator

	// V6 is the IPv6-only balancing vector.
	V6 []*lisp.Locator

	// All is the combined balancing vector.
	All []*lisp.Locator

	// Version increments on every recompute of this mapping's vectors.
	Version uint64
}

// HasEgress reports whether any vector is non-empty. A mapping whose
// locators are all down has no egress and the data plane falls back to
// the mapping's action.
func (v Vectors) HasEgress() bool {
	return len(v.V4) > 0 || len(v.V6) > 0 || len(v.All) > 0
}

// Select returns the combined-vector locator for a flow hash.
func (v Vectors) Select(flowHash uint32) *lisp.Locator {
	if len(v.All) == 0 {
		return nil
	}
	return v.All[int(flowHash)%len(v.All)]
}

// -------------------------------------------------------------------------
// Engine
// -------------------------------------------------------------------------

// PublishFunc receives the recomputed vectors for an EID. Called on every
// recompute after the engine atomically replaced its own copy; the version
// in the vectors has already been incremented.
type PublishFunc func(eid lisp.Addr, v Vectors)

// Engine computes and caches balancing vectors per EID. Single-threaded:
// all calls happen on the event loop.
type Engine struct {
	logger  *slog.Logger
	publish PublishFunc
	state   map[string]Vectors
}

// NewEngine creates an engine. publish may be nil when no data plane is
// attached (pure control-plane roles).
func NewEngine(logger *slog.Logger, publish PublishFunc) *Engine {
	return &Engine{
		logger:  logger.With(slog.String("component", "fwd")),
		publish: publish,
		state:   make(map[string]Vectors),
	}
}

// Recompute rebuilds the vectors for a mapping and publishes them.
// Triggered by locator state changes, priority/weight changes, and set
// membership changes.
func (e *Engine) Recompute(m *lisp.Mapping) Vectors {
	key := m.EID.String()
	next := Compute(m.Locators)
	next.Version = e.state[key].Version + 1
	e.state[key] = next

	if !next.HasEgress() {
		e.logger.Warn("mapping has no egress", slog.String("eid", key))
	}
	if e.publish != nil {
		e.publish(m.EID, next)
	}
	return next
}

// Drop forgets the vectors of a removed mapping.
func (e *Engine) Drop(eid lisp.Addr) {
	delete(e.state, eid.String())
}

// Lookup returns the current vectors for an EID.
func (e *Engine) Lookup(eid lisp.Addr) (Vectors, bool) {
	v, ok := e.state[eid.String()]
	return v, ok
}

// -------------------------------------------------------------------------
// Vector computation
// -------------------------------------------------------------------------

// Compute materializes the three balancing vectors for a locator set.
// Within the chosen tier each locator appears Weight times; if every
// weight in the tier is zero, each appears once. Iteration order is the
// set's canonical order, so vector contents are deterministic.
func Compute(set *lisp.LocatorSet) Vectors {
	return Vectors{
		V4:  buildVector(set, keep4),
		V6:  buildVector(set, keep6),
		All: buildVector(set, keepAll),
	}
}

// keep predicates select the address family a vector covers.
func keep4(ip netip.Addr) bool   { return ip.Is4() }
func keep6(ip netip.Addr) bool   { return ip.Is6() && !ip.Is4In6() }
func keepAll(ip netip.Addr) bool { return true }

// buildVector selects the best usable priority tier among locators whose
// IP leaf matches keep, then expands it by weight. Locators that are down,
// marked unused, or without an IP leaf never contribute; an unusable best
// tier falls through to the next one by construction (tier selection only
// considers usable locators).
func buildVector(set *lisp.LocatorSet, keep func(netip.Addr) bool) []*lisp.Locator {
	bestPri := -1
	for _, l := range set.All() {
		ip, ok := l.Addr.LeafIP()
		if !ok || !keep(ip) || !l.IsUsable() {
			continue
		}
		if bestPri < 0 || int(l.Priority) < bestPri {
			bestPri = int(l.Priority)
		}
	}
	if bestPri < 0 {
		return nil
	}

	var tier []*lisp.Locator
	allZero := true
	total := 0
	for _, l := range set.All() {
		ip, ok := l.Addr.LeafIP()
		if !ok || !keep(ip) || !l.IsUsable() || int(l.Priority) != bestPri {
			continue
		}
		tier = append(tier, l)
		total += int(l.Weight)
		if l.Weight != 0 {
			allZero = false
		}
	}

	if allZero {
		return tier
	}
	vec := make([]*lisp.Locator, 0, total)
	for _, l := range tier {
		for i := 0; i < int(l.Weight); i++ {
			vec = append(vec, l)
		}
	}
	return vec
}

// FlowHash hashes a 5-tuple into the vector index space. FNV-1a over the
// packed tuple; cheap and stable.
func FlowHash(src, dst netip.Addr, proto uint8, srcPort, dstPort uint16) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	mix := func(b []byte) {
		for _, c := range b {
			h ^= uint32(c)
			h *= prime32
		}
	}
	s, d := src.As16(), dst.As16()
	mix(s[:])
	mix(d[:])
	mix([]byte{proto, byte(srcPort >> 8), byte(srcPort), byte(dstPort >> 8), byte(dstPort)})
	return h
}

// String renders vector lengths for logs.
func (v Vectors) String() string {
	return fmt.Sprintf("vectors{v4:%d v6:%d all:%d ver:%d}", len(v.V4), len(v.V6), len(v.All), v.Version)
}
