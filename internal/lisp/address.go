package lisp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// -------------------------------------------------------------------------
// Address Family Identifiers — RFC 6830 Section 14.2, RFC 8060 Section 3
// -------------------------------------------------------------------------

// AFI values used on the wire. IANA "Address Family Numbers" registry.
const (
	// AFIReserved encodes the absence of an address (RFC 6830 Section 6.1.4:
	// an AFI of zero with no address following).
	AFIReserved uint16 = 0

	// AFIIPv4 is the IPv4 address family (4 address bytes follow).
	AFIIPv4 uint16 = 1

	// AFIIPv6 is the IPv6 address family (16 address bytes follow).
	AFIIPv6 uint16 = 2

	// AFILCAF is the LISP Canonical Address Format family
	// (RFC 8060 Section 3: AFI 16387).
	AFILCAF uint16 = 16387
)

// ipv4Size and ipv6Size are the wire sizes of the raw address bytes.
const (
	ipv4Size = 4
	ipv6Size = 16
)

// afiSize is the wire size of an AFI field.
const afiSize = 2

// lcafHeaderSize is the fixed LCAF header after the AFI: Rsvd1(1) +
// Flags(1) + Type(1) + Rsvd2(1) + Length(2) (RFC 8060 Section 3).
const lcafHeaderSize = 6

// -------------------------------------------------------------------------
// Logical address family
// -------------------------------------------------------------------------

// LAFI is the logical address family of an Addr: the discriminant of the
// tagged union. It is distinct from the wire AFI — both IP and IP-prefix
// values serialize with AFIIPv4/AFIIPv6 (the prefix length travels in the
// enclosing record, not in the address itself).
type LAFI uint8

const (
	// LAFINoAddr is the empty address (wire AFI 0).
	LAFINoAddr LAFI = iota

	// LAFIIP is a raw IPv4 or IPv6 address.
	LAFIIP

	// LAFIIPPrefix is an IPv4 or IPv6 prefix (address + mask length).
	LAFIIPPrefix

	// LAFILCAF is a LISP Canonical Address Format extension (RFC 8060).
	LAFILCAF
)

// String returns the human-readable name of the logical family.
func (l LAFI) String() string {
	switch l {
	case LAFINoAddr:
		return "no-addr"
	case LAFIIP:
		return "ip"
	case LAFIIPPrefix:
		return "ip-prefix"
	case LAFILCAF:
		return "lcaf"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(l))
	}
}

// -------------------------------------------------------------------------
// Addr — the LISP address tagged union
// -------------------------------------------------------------------------

// Addr is a LISP address: no-address, a raw IP, an IP prefix, or an LCAF
// extension. The zero value is the no-address. Addr values are immutable;
// all mutating helpers return a new value.
//
// Equality is structural and type-aware: an IP and a /32 prefix over the
// same bytes are NOT equal.
type Addr struct {
	lafi LAFI
	ip   netip.Addr   // set when lafi == LAFIIP
	pfx  netip.Prefix // set when lafi == LAFIIPPrefix
	lcaf LCAF         // set when lafi == LAFILCAF
}

// Codec errors.
var (
	// ErrMalformedAddress indicates a truncated buffer, an unknown AFI, or
	// an LCAF length inconsistency during address parsing.
	ErrMalformedAddress = errors.New("malformed address")

	// ErrAddrBufTooSmall indicates the caller-provided buffer cannot hold
	// the serialized address.
	ErrAddrBufTooSmall = errors.New("buffer too small for address")
)

// NoAddr returns the empty address.
func NoAddr() Addr {
	return Addr{lafi: LAFINoAddr}
}

// AddrFromIP wraps a raw IP address. IPv4-mapped IPv6 addresses are
// unmapped so the wire AFI matches the logical family.
func AddrFromIP(ip netip.Addr) Addr {
	return Addr{lafi: LAFIIP, ip: ip.Unmap()}
}

// AddrFromPrefix wraps an IP prefix. Host bits are masked (the EID
// normalization invariant: a mapping's EID never carries host bits).
func AddrFromPrefix(p netip.Prefix) Addr {
	return Addr{lafi: LAFIIPPrefix, pfx: netip.PrefixFrom(p.Addr().Unmap(), p.Bits()).Masked()}
}

// AddrFromLCAF wraps an LCAF payload.
func AddrFromLCAF(l LCAF) Addr {
	return Addr{lafi: LAFILCAF, lcaf: l}
}

// Lafi returns the logical address family.
func (a Addr) Lafi() LAFI { return a.lafi }

// IsNoAddr reports whether a is the empty address.
func (a Addr) IsNoAddr() bool { return a.lafi == LAFINoAddr }

// IsIP reports whether a is a raw IP address.
func (a Addr) IsIP() bool { return a.lafi == LAFIIP }

// IsPrefix reports whether a is an IP prefix.
func (a Addr) IsPrefix() bool { return a.lafi == LAFIIPPrefix }

// IsLCAF reports whether a is an LCAF extension.
func (a Addr) IsLCAF() bool { return a.lafi == LAFILCAF }

// IP returns the raw IP address. Valid only when IsIP.
func (a Addr) IP() netip.Addr { return a.ip }

// Prefix returns the IP prefix. Valid only when IsPrefix.
func (a Addr) Prefix() netip.Prefix { return a.pfx }

// LCAF returns the LCAF payload. Valid only when IsLCAF.
func (a Addr) LCAF() LCAF { return a.lcaf }

// LeafIP extracts the IP-bearing leaf of the address: the address itself
// for IP values, the prefix base address for prefixes, and a recursive
// descent for LCAF types that wrap another address (instance-ID,
// application data, the last hop of an ELP). The second return is false
// when no IP leaf exists.
func (a Addr) LeafIP() (netip.Addr, bool) {
	switch a.lafi {
	case LAFIIP:
		return a.ip, true
	case LAFIIPPrefix:
		return a.pfx.Addr(), true
	case LAFILCAF:
		switch l := a.lcaf.(type) {
		case *InstanceIDLCAF:
			return l.Addr.LeafIP()
		case *AppDataLCAF:
			return l.Addr.LeafIP()
		case *ELPLCAF:
			if len(l.Hops) > 0 {
				return l.Hops[len(l.Hops)-1].Addr.LeafIP()
			}
		}
	}
	return netip.Addr{}, false
}

// LeafPrefix extracts the prefix leaf, descending through instance-ID
// wrapping. The second return is false when the leaf is not a prefix.
func (a Addr) LeafPrefix() (netip.Prefix, bool) {
	switch a.lafi {
	case LAFIIPPrefix:
		return a.pfx, true
	case LAFILCAF:
		if iid, ok := a.lcaf.(*InstanceIDLCAF); ok {
			return iid.Addr.LeafPrefix()
		}
	}
	return netip.Prefix{}, false
}

// InstanceID returns the instance identifier when the address is wrapped
// in an instance-ID LCAF, zero otherwise.
func (a Addr) InstanceID() uint32 {
	if a.lafi == LAFILCAF {
		if iid, ok := a.lcaf.(*InstanceIDLCAF); ok {
			return iid.ID
		}
	}
	return 0
}

// WithPlen converts the IP leaf of the address into a prefix of the given
// length, descending through instance-ID wrapping. Records carry the EID
// mask length outside the address encoding, so the codec applies it after
// parsing the bare address.
func (a Addr) WithPlen(plen uint8) Addr {
	switch a.lafi {
	case LAFIIP:
		return AddrFromPrefix(netip.PrefixFrom(a.ip, int(plen)))
	case LAFIIPPrefix:
		return AddrFromPrefix(netip.PrefixFrom(a.pfx.Addr(), int(plen)))
	case LAFILCAF:
		if iid, ok := a.lcaf.(*InstanceIDLCAF); ok {
			return AddrFromLCAF(&InstanceIDLCAF{ID: iid.ID, Addr: iid.Addr.WithPlen(plen)})
		}
	}
	return a
}

// PlenForRecord returns the mask length a record should advertise for this
// EID: the prefix length for prefix leaves, the full address width for
// host leaves, and zero otherwise.
func (a Addr) PlenForRecord() uint8 {
	if p, ok := a.LeafPrefix(); ok {
		return uint8(p.Bits())
	}
	if ip, ok := a.LeafIP(); ok {
		if ip.Is4() {
			return 32
		}
		return 128
	}
	return 0
}

// Normalized returns the address with host bits masked on the prefix leaf.
// Already guaranteed by the constructors; exposed for wire-parsed values.
func (a Addr) Normalized() Addr {
	switch a.lafi {
	case LAFIIPPrefix:
		return AddrFromPrefix(a.pfx)
	case LAFILCAF:
		if iid, ok := a.lcaf.(*InstanceIDLCAF); ok {
			return AddrFromLCAF(&InstanceIDLCAF{ID: iid.ID, Addr: iid.Addr.Normalized()})
		}
	}
	return a
}

// -------------------------------------------------------------------------
// Equality & ordering
// -------------------------------------------------------------------------

// Equal reports structural, type-aware equality.
func (a Addr) Equal(b Addr) bool {
	if a.lafi != b.lafi {
		return false
	}
	switch a.lafi {
	case LAFINoAddr:
		return true
	case LAFIIP:
		return a.ip == b.ip
	case LAFIIPPrefix:
		return a.pfx == b.pfx
	case LAFILCAF:
		return lcafEqual(a.lcaf, b.lcaf)
	}
	return false
}

// Compare imposes the canonical ordering used by locator sets: logical
// family first, then address bytes, then prefix length. LCAF values order
// by type code and then by serialized payload.
func (a Addr) Compare(b Addr) int {
	if a.lafi != b.lafi {
		if a.lafi < b.lafi {
			return -1
		}
		return 1
	}
	switch a.lafi {
	case LAFINoAddr:
		return 0
	case LAFIIP:
		return a.ip.Compare(b.ip)
	case LAFIIPPrefix:
		if c := a.pfx.Addr().Compare(b.pfx.Addr()); c != 0 {
			return c
		}
		switch {
		case a.pfx.Bits() < b.pfx.Bits():
			return -1
		case a.pfx.Bits() > b.pfx.Bits():
			return 1
		}
		return 0
	case LAFILCAF:
		return lcafCompare(a.lcaf, b.lcaf)
	}
	return 0
}

// -------------------------------------------------------------------------
// Wire codec — RFC 6830 Section 6.1, RFC 8060 Section 3
// -------------------------------------------------------------------------

// ReadAddr parses an address from the start of buf and returns it together
// with the number of bytes consumed. Prefix lengths are NOT part of the
// address encoding; callers parsing records apply them with WithPlen.
//
// Fails with ErrMalformedAddress on truncated buffers, unknown AFIs, and
// LCAF length inconsistencies. The codec is pure and allocation-bounded
// by the input length.
func ReadAddr(buf []byte) (Addr, int, error) {
	if len(buf) < afiSize {
		return Addr{}, 0, fmt.Errorf("read address: %d bytes for AFI: %w", len(buf), ErrMalformedAddress)
	}
	afi := binary.BigEndian.Uint16(buf[0:2])

	switch afi {
	case AFIReserved:
		return NoAddr(), afiSize, nil

	case AFIIPv4:
		if len(buf) < afiSize+ipv4Size {
			return Addr{}, 0, fmt.Errorf("read address: truncated IPv4: %w", ErrMalformedAddress)
		}
		var b4 [4]byte
		copy(b4[:], buf[2:6])
		return AddrFromIP(netip.AddrFrom4(b4)), afiSize + ipv4Size, nil

	case AFIIPv6:
		if len(buf) < afiSize+ipv6Size {
			return Addr{}, 0, fmt.Errorf("read address: truncated IPv6: %w", ErrMalformedAddress)
		}
		var b16 [16]byte
		copy(b16[:], buf[2:18])
		return AddrFromIP(netip.AddrFrom16(b16)), afiSize + ipv6Size, nil

	case AFILCAF:
		l, n, err := readLCAF(buf[afiSize:])
		if err != nil {
			return Addr{}, 0, err
		}
		return AddrFromLCAF(l), afiSize + n, nil

	default:
		return Addr{}, 0, fmt.Errorf("read address: unknown AFI %d: %w", afi, ErrMalformedAddress)
	}
}

// SizeToWrite returns the number of bytes Write will produce.
func (a Addr) SizeToWrite() int {
	switch a.lafi {
	case LAFINoAddr:
		return afiSize
	case LAFIIP:
		if a.ip.Is4() {
			return afiSize + ipv4Size
		}
		return afiSize + ipv6Size
	case LAFIIPPrefix:
		if a.pfx.Addr().Is4() {
			return afiSize + ipv4Size
		}
		return afiSize + ipv6Size
	case LAFILCAF:
		return afiSize + lcafHeaderSize + a.lcaf.payloadSize()
	}
	return 0
}

// Write serializes the address into buf and returns the bytes written.
func (a Addr) Write(buf []byte) (int, error) {
	need := a.SizeToWrite()
	if len(buf) < need {
		return 0, fmt.Errorf("write address %s: need %d bytes, got %d: %w",
			a, need, len(buf), ErrAddrBufTooSmall)
	}

	switch a.lafi {
	case LAFINoAddr:
		binary.BigEndian.PutUint16(buf[0:2], AFIReserved)
		return afiSize, nil

	case LAFIIP:
		return writeIPBytes(buf, a.ip)

	case LAFIIPPrefix:
		return writeIPBytes(buf, a.pfx.Addr())

	case LAFILCAF:
		binary.BigEndian.PutUint16(buf[0:2], AFILCAF)
		n, err := writeLCAF(a.lcaf, buf[afiSize:])
		if err != nil {
			return 0, err
		}
		return afiSize + n, nil
	}
	return 0, fmt.Errorf("write address: bad logical family %d: %w", a.lafi, ErrMalformedAddress)
}

// writeIPBytes writes AFI + raw address bytes for an IP leaf.
func writeIPBytes(buf []byte, ip netip.Addr) (int, error) {
	if ip.Is4() {
		binary.BigEndian.PutUint16(buf[0:2], AFIIPv4)
		b4 := ip.As4()
		copy(buf[2:6], b4[:])
		return afiSize + ipv4Size, nil
	}
	binary.BigEndian.PutUint16(buf[0:2], AFIIPv6)
	b16 := ip.As16()
	copy(buf[2:18], b16[:])
	return afiSize + ipv6Size, nil
}

// -------------------------------------------------------------------------
// Textual form
// -------------------------------------------------------------------------

// String renders the unambiguous textual form: "1.2.3.4", "1.2.3.0/24",
// "[iid/42]10.0.0.0/8", "no-addr", "elp:{1.1.1.1->2.2.2.2}".
func (a Addr) String() string {
	switch a.lafi {
	case LAFINoAddr:
		return "no-addr"
	case LAFIIP:
		return a.ip.String()
	case LAFIIPPrefix:
		return a.pfx.String()
	case LAFILCAF:
		return a.lcaf.String()
	}
	return "invalid"
}

// ParseAddrText parses the textual address forms accepted in
// configuration: "a.b.c.d", "a.b.c.d/len", optionally preceded by an
// "[iid/N]" instance wrapper, and the literal "no-addr". Host and prefix
// are distinguished by the presence of '/'.
func ParseAddrText(s string) (Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "no-addr" {
		return NoAddr(), nil
	}

	if strings.HasPrefix(s, "[iid/") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return Addr{}, fmt.Errorf("parse address %q: unterminated instance-id: %w", s, ErrMalformedAddress)
		}
		id, err := strconv.ParseUint(s[len("[iid/"):end], 10, 32)
		if err != nil {
			return Addr{}, fmt.Errorf("parse address %q: instance-id: %w", s, ErrMalformedAddress)
		}
		inner, err := ParseAddrText(s[end+1:])
		if err != nil {
			return Addr{}, err
		}
		return AddrFromLCAF(&InstanceIDLCAF{ID: uint32(id), Addr: inner}), nil
	}

	if strings.ContainsRune(s, '/') {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Addr{}, fmt.Errorf("parse address %q: %w", s, ErrMalformedAddress)
		}
		return AddrFromPrefix(p), nil
	}

	ip, err := netip.ParseAddr(s)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", s, ErrMalformedAddress)
	}
	return AddrFromIP(ip), nil
}
