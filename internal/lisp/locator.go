package lisp

import (
	"errors"
	"fmt"
	"sort"
)

// -------------------------------------------------------------------------
// Locator — RFC 6830 Section 6.1.4 locator records
// -------------------------------------------------------------------------

// LocatorState is the reachability state of a locator.
type LocatorState uint8

const (
	// StateUnknown means reachability has not been determined yet.
	StateUnknown LocatorState = iota

	// StateUp means the locator is reachable.
	StateUp

	// StateDown means the locator is unreachable (probe timeout or
	// interface down).
	StateDown
)

// String returns the human-readable name of the state.
func (s LocatorState) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateUp:
		return "Up"
	case StateDown:
		return "Down"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// LocatorKind distinguishes how a locator is owned.
type LocatorKind uint8

const (
	// KindLocal is a locator on one of this node's interfaces.
	KindLocal LocatorKind = iota

	// KindRemote is a locator learned from the mapping system.
	KindRemote

	// KindPetr is a configured proxy-ETR locator.
	KindPetr
)

// String returns the human-readable name of the kind.
func (k LocatorKind) String() string {
	switch k {
	case KindLocal:
		return "Local"
	case KindRemote:
		return "Remote"
	case KindPetr:
		return "Petr"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// UnusedPriority marks a locator that must never be selected
// (RFC 6830 Section 6.1.4: "A value of 255 means the RLOC MUST NOT be
// used"). Lower priority values are MORE preferred.
const UnusedPriority uint8 = 255

// Locator binds an RLOC address to its selection parameters within a
// locator set. A mapping exclusively owns its locators; the interface
// index holds back-references only.
type Locator struct {
	// Addr is the locator address. LCAF locators contribute their IP
	// leaf when an egress address is needed.
	Addr Addr

	// State is the reachability state.
	State LocatorState

	// Priority selects among locators: lower value = more preferred,
	// UnusedPriority (255) = never use.
	Priority uint8

	// Weight load-balances within a priority tier. All-zero weights in a
	// tier mean equal distribution.
	Weight uint8

	// MPriority and MWeight are the multicast equivalents.
	MPriority uint8

	// MWeight is the multicast weight.
	MWeight uint8

	// Kind is Local, Remote, or Petr.
	Kind LocatorKind

	// Iface is the owning interface name. Local locators only.
	Iface string

	// SockFD is the egress socket descriptor bound to the locator's
	// interface. Local locators only; -1 when unset.
	SockFD int
}

// NewRemoteLocator builds an Up remote locator with the given selection
// parameters, the shape used when installing mappings learned from
// Map-Replies and registrations.
func NewRemoteLocator(addr Addr, priority, weight uint8) *Locator {
	return &Locator{
		Addr:      addr,
		State:     StateUp,
		Priority:  priority,
		Weight:    weight,
		MPriority: UnusedPriority,
		Kind:      KindRemote,
		SockFD:    -1,
	}
}

// NewLocalLocator builds a locator for one of this node's interfaces.
func NewLocalLocator(addr Addr, iface string, priority, weight uint8) *Locator {
	return &Locator{
		Addr:      addr,
		State:     StateUp,
		Priority:  priority,
		Weight:    weight,
		MPriority: UnusedPriority,
		Kind:      KindLocal,
		Iface:     iface,
		SockFD:    -1,
	}
}

// IsUsable reports whether the locator may carry traffic: reachable and
// not marked unused.
func (l *Locator) IsUsable() bool {
	return l.State == StateUp && l.Priority != UnusedPriority
}

// IP returns the locator's IP leaf. LCAF locators (ELP, instance-ID)
// contribute their leaf address.
func (l *Locator) IP() (addr Addr, ok bool) {
	ip, ok := l.Addr.LeafIP()
	if !ok {
		return NoAddr(), false
	}
	return AddrFromIP(ip), true
}

// String renders "addr (Up, p/w 1/50)".
func (l *Locator) String() string {
	return fmt.Sprintf("%s (%s, p/w %d/%d)", l.Addr, l.State, l.Priority, l.Weight)
}

// -------------------------------------------------------------------------
// LocatorSet
// -------------------------------------------------------------------------

// Locator invariant errors.
var (
	// ErrDuplicateLocator indicates a locator with the same address is
	// already in the set.
	ErrDuplicateLocator = errors.New("duplicate locator address")

	// ErrLocatorNotFound indicates the set has no locator with the address.
	ErrLocatorNotFound = errors.New("locator not found in set")
)

// LocatorSet is the set of locators of one mapping, kept in canonical
// order (addresses ascending). Priority tiers are materialized by the
// forwarding-policy engine, not stored here.
type LocatorSet struct {
	locators []*Locator
}

// NewLocatorSet builds a set from the given locators, sorting them into
// canonical order.
func NewLocatorSet(locs ...*Locator) *LocatorSet {
	s := &LocatorSet{}
	for _, l := range locs {
		_ = s.Insert(l)
	}
	return s
}

// Insert adds a locator, keeping canonical order. Fails with
// ErrDuplicateLocator if a locator with an equal address exists.
func (s *LocatorSet) Insert(l *Locator) error {
	i := sort.Search(len(s.locators), func(i int) bool {
		return s.locators[i].Addr.Compare(l.Addr) >= 0
	})
	if i < len(s.locators) && s.locators[i].Addr.Equal(l.Addr) {
		return fmt.Errorf("insert locator %s: %w", l.Addr, ErrDuplicateLocator)
	}
	s.locators = append(s.locators, nil)
	copy(s.locators[i+1:], s.locators[i:])
	s.locators[i] = l
	return nil
}

// Remove deletes the locator with the given address.
func (s *LocatorSet) Remove(addr Addr) error {
	for i, l := range s.locators {
		if l.Addr.Equal(addr) {
			s.locators = append(s.locators[:i], s.locators[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("remove locator %s: %w", addr, ErrLocatorNotFound)
}

// Find returns the locator with the given address, nil if absent.
func (s *LocatorSet) Find(addr Addr) *Locator {
	for _, l := range s.locators {
		if l.Addr.Equal(addr) {
			return l
		}
	}
	return nil
}

// All returns the locators in canonical order. The returned slice is the
// set's backing storage; callers must not mutate it.
func (s *LocatorSet) All() []*Locator {
	return s.locators
}

// Len returns the number of locators.
func (s *LocatorSet) Len() int { return len(s.locators) }

// String renders the set as "{a (Up, p/w 1/50), b (Up, p/w 1/50)}".
func (s *LocatorSet) String() string {
	out := "{"
	for i, l := range s.locators {
		if i > 0 {
			out += ", "
		}
		out += l.String()
	}
	return out + "}"
}
