package lisp

import (
	"fmt"
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// Map-Reply actions — RFC 6830 Section 6.1.4
// -------------------------------------------------------------------------

// Action tells an ITR what to do with packets matching an EID-prefix when
// the record carries no usable locators.
type Action uint8

const (
	// ActNoAction: the mapping is usable as-is (value 0).
	ActNoAction Action = 0

	// ActNativelyForward: forward without encapsulation (value 1).
	ActNativelyForward Action = 1

	// ActSendMapRequest: a more-specific request may yield a mapping (value 2).
	ActSendMapRequest Action = 2

	// ActDrop: drop matching packets (value 3).
	ActDrop Action = 3
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActNoAction:
		return "NoAction"
	case ActNativelyForward:
		return "NativelyForward"
	case ActSendMapRequest:
		return "SendMapRequest"
	case ActDrop:
		return "Drop"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(a))
	}
}

// -------------------------------------------------------------------------
// Mapping — EID-prefix to locator-set binding
// -------------------------------------------------------------------------

// DefaultMappingTTL is the record TTL advertised for authoritative
// mappings (RFC 6830 recommends 24 hours).
const DefaultMappingTTL = 24 * time.Hour

// NegativeMappingTTL is the TTL for negative replies to unknown EIDs
// (RFC 6833: 15 minutes).
const NegativeMappingTTL = 15 * time.Minute

// Mapping binds an EID-prefix (optionally instance-scoped) to a locator
// set. A mapping exclusively owns its locators and its EID address.
//
// Invariant: the EID is normalized — host bits are masked according to
// the prefix length.
type Mapping struct {
	// EID is the EID-prefix, a prefix or an instance-ID LCAF wrapping one.
	EID Addr

	// IID is the instance identifier (0 for the default instance). Kept
	// denormalized from the EID wrapping for cheap index keying.
	IID uint32

	// Locators is the locator set. Owned by the mapping.
	Locators *LocatorSet

	// TTL is the mapping lifetime.
	TTL time.Duration

	// Action applies when the locator set is empty (negative mappings).
	Action Action

	// Authoritative marks mappings owned by this node's database.
	Authoritative bool

	// Version is the map-version number; zero when unversioned.
	Version uint16

	// UpdatedAt is the time of the last mutation.
	UpdatedAt time.Time
}

// NewMapping builds a normalized mapping for the given EID-prefix and
// instance. The EID is wrapped in an instance-ID LCAF when iid is nonzero.
func NewMapping(eid Addr, iid uint32) *Mapping {
	eid = eid.Normalized()
	if iid != 0 && eid.InstanceID() == 0 {
		eid = AddrFromLCAF(&InstanceIDLCAF{ID: iid, Addr: eid})
	}
	return &Mapping{
		EID:      eid,
		IID:      iid,
		Locators: NewLocatorSet(),
		TTL:      DefaultMappingTTL,
	}
}

// NewNegativeMapping builds a locator-less mapping carrying a forwarding
// action, as installed from negative Map-Replies.
func NewNegativeMapping(eid Addr, iid uint32, action Action, ttl time.Duration) *Mapping {
	m := NewMapping(eid, iid)
	m.Action = action
	m.TTL = ttl
	return m
}

// EIDPrefix returns the prefix leaf of the EID.
func (m *Mapping) EIDPrefix() (p netip.Prefix, ok bool) {
	return m.EID.LeafPrefix()
}

// HasUsableLocators reports whether any locator may carry traffic.
func (m *Mapping) HasUsableLocators() bool {
	for _, l := range m.Locators.All() {
		if l.IsUsable() {
			return true
		}
	}
	return false
}

// Touch records a mutation timestamp.
func (m *Mapping) Touch(now time.Time) {
	m.UpdatedAt = now
}

// String renders "[iid/1]10.0.0.0/24 -> {locators}".
func (m *Mapping) String() string {
	return fmt.Sprintf("%s -> %s", m.EID, m.Locators)
}
