package lisp

// LISP Canonical Address Format extensions (RFC 8060). Each LCAF type is a
// concrete struct implementing the LCAF interface; the Addr union routes
// serialization through payloadSize/writePayload and the per-type readers.

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// -------------------------------------------------------------------------
// LCAF Types — RFC 8060 Section 4
// -------------------------------------------------------------------------

// LCAFType is the LCAF "Type" field (RFC 8060 Section 3).
type LCAFType uint8

const (
	// LCAFTypeAFIList is the AFI-List type (RFC 8060 Section 4.16.1... Type 1).
	LCAFTypeAFIList LCAFType = 1

	// LCAFTypeInstanceID is the Instance ID type (RFC 8060 Section 4.2, Type 2).
	LCAFTypeInstanceID LCAFType = 2

	// LCAFTypeAppData is the Application Data type (RFC 8060 Section 4.4, Type 4).
	LCAFTypeAppData LCAFType = 4

	// LCAFTypeNATTraversal is the NAT-Traversal type (RFC 8060 Section 4.6, Type 7).
	LCAFTypeNATTraversal LCAFType = 7

	// LCAFTypeMcastInfo is the Multicast Info type (RFC 8060 Section 4.8, Type 9).
	LCAFTypeMcastInfo LCAFType = 9

	// LCAFTypeELP is the Explicit Locator Path type (RFC 8060 Section 4.9, Type 10).
	LCAFTypeELP LCAFType = 10

	// LCAFTypeRLE is the Replication List Entry type (RFC 8060 Section 4.12, Type 13).
	LCAFTypeRLE LCAFType = 13

	// LCAFTypeKeyValue is the Key/Value Address Pair type (RFC 8060 Section 4.14, Type 15).
	LCAFTypeKeyValue LCAFType = 15
)

// String returns the human-readable name of the LCAF type.
func (t LCAFType) String() string {
	switch t {
	case LCAFTypeAFIList:
		return "afi-list"
	case LCAFTypeInstanceID:
		return "instance-id"
	case LCAFTypeAppData:
		return "app-data"
	case LCAFTypeNATTraversal:
		return "nat-traversal"
	case LCAFTypeMcastInfo:
		return "mcast-info"
	case LCAFTypeELP:
		return "elp"
	case LCAFTypeRLE:
		return "rle"
	case LCAFTypeKeyValue:
		return "key-value"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// LCAF is a LISP Canonical Address Format payload. Implementations are the
// concrete per-type structs in this file.
type LCAF interface {
	// Type returns the LCAF type code.
	Type() LCAFType

	// String renders the textual form.
	String() string

	// payloadSize returns the encoded payload size in bytes (the LCAF
	// Length field value).
	payloadSize() int

	// writePayload encodes the payload into buf (already sized by
	// payloadSize) and returns the bytes written.
	writePayload(buf []byte) int
}

// -------------------------------------------------------------------------
// LCAF header codec
// -------------------------------------------------------------------------

// readLCAF parses an LCAF from buf, which starts immediately after the
// AFI field. Returns the payload and total bytes consumed (header+payload).
func readLCAF(buf []byte) (LCAF, int, error) {
	if len(buf) < lcafHeaderSize {
		return nil, 0, fmt.Errorf("read lcaf: truncated header: %w", ErrMalformedAddress)
	}
	typ := LCAFType(buf[2])
	plen := int(binary.BigEndian.Uint16(buf[4:6]))
	if len(buf) < lcafHeaderSize+plen {
		return nil, 0, fmt.Errorf("read lcaf %s: length %d exceeds buffer: %w", typ, plen, ErrMalformedAddress)
	}
	payload := buf[lcafHeaderSize : lcafHeaderSize+plen]

	var (
		l   LCAF
		err error
	)
	switch typ {
	case LCAFTypeAFIList:
		l, err = readAFIList(payload)
	case LCAFTypeInstanceID:
		l, err = readInstanceID(payload)
	case LCAFTypeAppData:
		l, err = readAppData(payload)
	case LCAFTypeNATTraversal:
		l, err = readNATTraversal(payload)
	case LCAFTypeMcastInfo:
		l, err = readMcastInfo(payload)
	case LCAFTypeELP:
		l, err = readELP(payload)
	case LCAFTypeRLE:
		l, err = readRLE(payload)
	case LCAFTypeKeyValue:
		l, err = readKeyValue(payload)
	default:
		return nil, 0, fmt.Errorf("read lcaf: unknown type %d: %w", uint8(typ), ErrMalformedAddress)
	}
	if err != nil {
		return nil, 0, err
	}
	return l, lcafHeaderSize + plen, nil
}

// writeLCAF encodes the LCAF header and payload into buf, which starts
// immediately after the AFI field.
func writeLCAF(l LCAF, buf []byte) (int, error) {
	size := l.payloadSize()
	if len(buf) < lcafHeaderSize+size {
		return 0, fmt.Errorf("write lcaf %s: %w", l.Type(), ErrAddrBufTooSmall)
	}
	buf[0] = 0 // Rsvd1
	buf[1] = 0 // Flags
	buf[2] = uint8(l.Type())
	buf[3] = lcafRsvd2(l)
	binary.BigEndian.PutUint16(buf[4:6], uint16(size))
	n := l.writePayload(buf[lcafHeaderSize:])
	return lcafHeaderSize + n, nil
}

// lcafRsvd2 fills the type-specific use of the Rsvd2 header byte: the
// instance-ID LCAF stores the IID mask length there (RFC 8060 Section 4.2).
func lcafRsvd2(l LCAF) uint8 {
	if iid, ok := l.(*InstanceIDLCAF); ok {
		return iid.Addr.PlenForRecord()
	}
	return 0
}

// lcafEqual compares two LCAF payloads structurally via their serialized
// form (type code first, then payload bytes).
func lcafEqual(a, b LCAF) bool {
	return lcafCompare(a, b) == 0
}

// lcafCompare orders LCAF payloads by type code, then serialized payload.
func lcafCompare(a, b LCAF) int {
	if a.Type() != b.Type() {
		if a.Type() < b.Type() {
			return -1
		}
		return 1
	}
	ab := make([]byte, a.payloadSize())
	bb := make([]byte, b.payloadSize())
	a.writePayload(ab)
	b.writePayload(bb)
	return strings.Compare(string(ab), string(bb))
}

// -------------------------------------------------------------------------
// Instance ID — RFC 8060 Section 4.2 (Type 2)
// -------------------------------------------------------------------------

// InstanceIDLCAF wraps another address with a 32-bit instance identifier,
// scoping the EID space to a VPN/VRF.
type InstanceIDLCAF struct {
	// ID is the instance identifier.
	ID uint32

	// Addr is the wrapped address (IP, prefix, or a further LCAF).
	Addr Addr
}

// Type implements LCAF.
func (l *InstanceIDLCAF) Type() LCAFType { return LCAFTypeInstanceID }

// String renders "[iid/N]inner".
func (l *InstanceIDLCAF) String() string {
	return fmt.Sprintf("[iid/%d]%s", l.ID, l.Addr)
}

func (l *InstanceIDLCAF) payloadSize() int {
	return 4 + l.Addr.SizeToWrite()
}

func (l *InstanceIDLCAF) writePayload(buf []byte) int {
	binary.BigEndian.PutUint32(buf[0:4], l.ID)
	n, _ := l.Addr.Write(buf[4:])
	return 4 + n
}

func readInstanceID(p []byte) (LCAF, error) {
	if len(p) < 4 {
		return nil, fmt.Errorf("read instance-id lcaf: truncated: %w", ErrMalformedAddress)
	}
	inner, n, err := ReadAddr(p[4:])
	if err != nil {
		return nil, err
	}
	if 4+n != len(p) {
		return nil, fmt.Errorf("read instance-id lcaf: %d trailing bytes: %w", len(p)-4-n, ErrMalformedAddress)
	}
	return &InstanceIDLCAF{ID: binary.BigEndian.Uint32(p[0:4]), Addr: inner}, nil
}

// -------------------------------------------------------------------------
// AFI List — RFC 8060 Section 4.1 (Type 1)
// -------------------------------------------------------------------------

// AFIListLCAF carries an ordered list of addresses, used to bind several
// address forms (e.g. an IPv4 and an IPv6 RLOC) into one locator.
type AFIListLCAF struct {
	// Addrs is the address list in wire order.
	Addrs []Addr
}

// Type implements LCAF.
func (l *AFIListLCAF) Type() LCAFType { return LCAFTypeAFIList }

// String renders "afi-list:{a, b}".
func (l *AFIListLCAF) String() string {
	parts := make([]string, len(l.Addrs))
	for i, a := range l.Addrs {
		parts[i] = a.String()
	}
	return "afi-list:{" + strings.Join(parts, ", ") + "}"
}

func (l *AFIListLCAF) payloadSize() int {
	n := 0
	for _, a := range l.Addrs {
		n += a.SizeToWrite()
	}
	return n
}

func (l *AFIListLCAF) writePayload(buf []byte) int {
	off := 0
	for _, a := range l.Addrs {
		n, _ := a.Write(buf[off:])
		off += n
	}
	return off
}

func readAFIList(p []byte) (LCAF, error) {
	var addrs []Addr
	for len(p) > 0 {
		a, n, err := ReadAddr(p)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
		p = p[n:]
	}
	return &AFIListLCAF{Addrs: addrs}, nil
}

// -------------------------------------------------------------------------
// Application Data — RFC 8060 Section 4.4 (Type 4)
// -------------------------------------------------------------------------

// AppDataLCAF attaches 5-tuple selection data to an address.
type AppDataLCAF struct {
	// TOS is the IP TOS, IPv6 traffic class, or flow label (24 bits used).
	TOS uint32

	// Protocol is the IP protocol number.
	Protocol uint8

	// LocalPortLow and LocalPortHigh bound the local port range.
	LocalPortLow, LocalPortHigh uint16

	// RemotePortLow and RemotePortHigh bound the remote port range.
	RemotePortLow, RemotePortHigh uint16

	// Addr is the wrapped address.
	Addr Addr
}

// Type implements LCAF.
func (l *AppDataLCAF) Type() LCAFType { return LCAFTypeAppData }

// String renders "app-data:{proto N, addr}".
func (l *AppDataLCAF) String() string {
	return fmt.Sprintf("app-data:{proto %d, %s}", l.Protocol, l.Addr)
}

func (l *AppDataLCAF) payloadSize() int {
	return 12 + l.Addr.SizeToWrite()
}

func (l *AppDataLCAF) writePayload(buf []byte) int {
	binary.BigEndian.PutUint32(buf[0:4], l.TOS<<8|uint32(l.Protocol))
	binary.BigEndian.PutUint16(buf[4:6], l.LocalPortLow)
	binary.BigEndian.PutUint16(buf[6:8], l.LocalPortHigh)
	binary.BigEndian.PutUint16(buf[8:10], l.RemotePortLow)
	binary.BigEndian.PutUint16(buf[10:12], l.RemotePortHigh)
	n, _ := l.Addr.Write(buf[12:])
	return 12 + n
}

func readAppData(p []byte) (LCAF, error) {
	if len(p) < 12 {
		return nil, fmt.Errorf("read app-data lcaf: truncated: %w", ErrMalformedAddress)
	}
	word := binary.BigEndian.Uint32(p[0:4])
	inner, _, err := ReadAddr(p[12:])
	if err != nil {
		return nil, err
	}
	return &AppDataLCAF{
		TOS:            word >> 8,
		Protocol:       uint8(word & 0xFF),
		LocalPortLow:   binary.BigEndian.Uint16(p[4:6]),
		LocalPortHigh:  binary.BigEndian.Uint16(p[6:8]),
		RemotePortLow:  binary.BigEndian.Uint16(p[8:10]),
		RemotePortHigh: binary.BigEndian.Uint16(p[10:12]),
		Addr:           inner,
	}, nil
}

// -------------------------------------------------------------------------
// NAT-Traversal — RFC 8060 Section 4.6 (Type 7)
// -------------------------------------------------------------------------

// NATTraversalLCAF carries the addressing an ETR behind a NAT needs to
// reach the mapping system: the Map-Server and ETR ports observed by the
// Map-Server and the set of RTRs willing to re-encapsulate for the site.
// Delivered in Info-Reply messages.
type NATTraversalLCAF struct {
	// MSUDPPort is the Map-Server's UDP port as seen past the NAT.
	MSUDPPort uint16

	// ETRUDPPort is the ETR's translated UDP port.
	ETRUDPPort uint16

	// GlobalETR is the ETR's address as observed by the Map-Server.
	GlobalETR Addr

	// MSRLOC is the Map-Server's RLOC.
	MSRLOC Addr

	// PrivateETR is the ETR's own (pre-translation) address.
	PrivateETR Addr

	// RTRs lists the RTR RLOCs the ETR should register through.
	RTRs []Addr
}

// Type implements LCAF.
func (l *NATTraversalLCAF) Type() LCAFType { return LCAFTypeNATTraversal }

// String renders "nat:{global, rtrs N}".
func (l *NATTraversalLCAF) String() string {
	return fmt.Sprintf("nat:{%s, rtrs %d}", l.GlobalETR, len(l.RTRs))
}

func (l *NATTraversalLCAF) payloadSize() int {
	n := 4 + l.GlobalETR.SizeToWrite() + l.MSRLOC.SizeToWrite() + l.PrivateETR.SizeToWrite()
	for _, r := range l.RTRs {
		n += r.SizeToWrite()
	}
	return n
}

func (l *NATTraversalLCAF) writePayload(buf []byte) int {
	binary.BigEndian.PutUint16(buf[0:2], l.MSUDPPort)
	binary.BigEndian.PutUint16(buf[2:4], l.ETRUDPPort)
	off := 4
	for _, a := range []Addr{l.GlobalETR, l.MSRLOC, l.PrivateETR} {
		n, _ := a.Write(buf[off:])
		off += n
	}
	for _, r := range l.RTRs {
		n, _ := r.Write(buf[off:])
		off += n
	}
	return off
}

func readNATTraversal(p []byte) (LCAF, error) {
	if len(p) < 4 {
		return nil, fmt.Errorf("read nat-traversal lcaf: truncated: %w", ErrMalformedAddress)
	}
	l := &NATTraversalLCAF{
		MSUDPPort:  binary.BigEndian.Uint16(p[0:2]),
		ETRUDPPort: binary.BigEndian.Uint16(p[2:4]),
	}
	p = p[4:]
	for _, dst := range []*Addr{&l.GlobalETR, &l.MSRLOC, &l.PrivateETR} {
		a, n, err := ReadAddr(p)
		if err != nil {
			return nil, err
		}
		*dst = a
		p = p[n:]
	}
	for len(p) > 0 {
		a, n, err := ReadAddr(p)
		if err != nil {
			return nil, err
		}
		l.RTRs = append(l.RTRs, a)
		p = p[n:]
	}
	return l, nil
}

// -------------------------------------------------------------------------
// Multicast Info — RFC 8060 Section 4.8 (Type 9)
// -------------------------------------------------------------------------

// McastInfoLCAF encodes a (S,G) multicast channel scoped to an instance.
type McastInfoLCAF struct {
	// IID is the instance identifier the channel belongs to.
	IID uint32

	// SourceMaskLen and GroupMaskLen are the mask lengths of the
	// source and group addresses.
	SourceMaskLen, GroupMaskLen uint8

	// Source is the multicast source address.
	Source Addr

	// Group is the multicast group address.
	Group Addr
}

// Type implements LCAF.
func (l *McastInfoLCAF) Type() LCAFType { return LCAFTypeMcastInfo }

// String renders "mcast:{[iid/N](S/sm, G/gm)}".
func (l *McastInfoLCAF) String() string {
	return fmt.Sprintf("mcast:{[iid/%d](%s/%d, %s/%d)}",
		l.IID, l.Source, l.SourceMaskLen, l.Group, l.GroupMaskLen)
}

func (l *McastInfoLCAF) payloadSize() int {
	return 8 + l.Source.SizeToWrite() + l.Group.SizeToWrite()
}

func (l *McastInfoLCAF) writePayload(buf []byte) int {
	binary.BigEndian.PutUint32(buf[0:4], l.IID)
	buf[4], buf[5] = 0, 0 // Reserved
	buf[6] = l.SourceMaskLen
	buf[7] = l.GroupMaskLen
	off := 8
	n, _ := l.Source.Write(buf[off:])
	off += n
	n, _ = l.Group.Write(buf[off:])
	return off + n
}

func readMcastInfo(p []byte) (LCAF, error) {
	if len(p) < 8 {
		return nil, fmt.Errorf("read mcast-info lcaf: truncated: %w", ErrMalformedAddress)
	}
	l := &McastInfoLCAF{
		IID:           binary.BigEndian.Uint32(p[0:4]),
		SourceMaskLen: p[6],
		GroupMaskLen:  p[7],
	}
	src, n, err := ReadAddr(p[8:])
	if err != nil {
		return nil, err
	}
	grp, _, err := ReadAddr(p[8+n:])
	if err != nil {
		return nil, err
	}
	l.Source, l.Group = src, grp
	return l, nil
}

// -------------------------------------------------------------------------
// Explicit Locator Path — RFC 8060 Section 4.9 (Type 10)
// -------------------------------------------------------------------------

// ELPHop is one hop of an explicit locator path.
type ELPHop struct {
	// Lookup requests a mapping lookup on the hop address (L bit).
	Lookup bool

	// Probe marks the hop as an RLOC-probe target (P bit).
	Probe bool

	// Strict requires the hop to be traversed (S bit).
	Strict bool

	// Addr is the hop address.
	Addr Addr
}

// ELPLCAF is an explicit locator path: an ordered list of re-encapsulation
// hops. The last hop is the destination RLOC, so LeafIP descends there.
type ELPLCAF struct {
	// Hops is the path in traversal order.
	Hops []ELPHop
}

// Type implements LCAF.
func (l *ELPLCAF) Type() LCAFType { return LCAFTypeELP }

// String renders "elp:{a->b->c}".
func (l *ELPLCAF) String() string {
	parts := make([]string, len(l.Hops))
	for i, h := range l.Hops {
		parts[i] = h.Addr.String()
	}
	return "elp:{" + strings.Join(parts, "->") + "}"
}

func (l *ELPLCAF) payloadSize() int {
	n := 0
	for _, h := range l.Hops {
		n += 2 + h.Addr.SizeToWrite()
	}
	return n
}

func (l *ELPLCAF) writePayload(buf []byte) int {
	off := 0
	for _, h := range l.Hops {
		var bits uint16
		if h.Lookup {
			bits |= 1 << 2
		}
		if h.Probe {
			bits |= 1 << 1
		}
		if h.Strict {
			bits |= 1 << 0
		}
		binary.BigEndian.PutUint16(buf[off:off+2], bits)
		n, _ := h.Addr.Write(buf[off+2:])
		off += 2 + n
	}
	return off
}

func readELP(p []byte) (LCAF, error) {
	var hops []ELPHop
	for len(p) > 0 {
		if len(p) < 2 {
			return nil, fmt.Errorf("read elp lcaf: truncated hop: %w", ErrMalformedAddress)
		}
		bits := binary.BigEndian.Uint16(p[0:2])
		a, n, err := ReadAddr(p[2:])
		if err != nil {
			return nil, err
		}
		hops = append(hops, ELPHop{
			Lookup: bits&(1<<2) != 0,
			Probe:  bits&(1<<1) != 0,
			Strict: bits&(1<<0) != 0,
			Addr:   a,
		})
		p = p[2+n:]
	}
	return &ELPLCAF{Hops: hops}, nil
}

// -------------------------------------------------------------------------
// Replication List Entry — RFC 8060 Section 4.12 (Type 13)
// -------------------------------------------------------------------------

// RLEEntry is one replication target with its level in the distribution tree.
type RLEEntry struct {
	// Level orders replication: lower levels replicate first.
	Level uint8

	// Addr is the replication target RLOC.
	Addr Addr
}

// RLELCAF is a replication list for overlay multicast distribution.
type RLELCAF struct {
	// Entries is the replication list in wire order.
	Entries []RLEEntry
}

// Type implements LCAF.
func (l *RLELCAF) Type() LCAFType { return LCAFTypeRLE }

// String renders "rle:{a(0), b(1)}".
func (l *RLELCAF) String() string {
	parts := make([]string, len(l.Entries))
	for i, e := range l.Entries {
		parts[i] = fmt.Sprintf("%s(%d)", e.Addr, e.Level)
	}
	return "rle:{" + strings.Join(parts, ", ") + "}"
}

func (l *RLELCAF) payloadSize() int {
	n := 0
	for _, e := range l.Entries {
		n += 4 + e.Addr.SizeToWrite()
	}
	return n
}

func (l *RLELCAF) writePayload(buf []byte) int {
	off := 0
	for _, e := range l.Entries {
		buf[off], buf[off+1], buf[off+2] = 0, 0, 0 // Reserved
		buf[off+3] = e.Level
		n, _ := e.Addr.Write(buf[off+4:])
		off += 4 + n
	}
	return off
}

func readRLE(p []byte) (LCAF, error) {
	var entries []RLEEntry
	for len(p) > 0 {
		if len(p) < 4 {
			return nil, fmt.Errorf("read rle lcaf: truncated entry: %w", ErrMalformedAddress)
		}
		level := p[3]
		a, n, err := ReadAddr(p[4:])
		if err != nil {
			return nil, err
		}
		entries = append(entries, RLEEntry{Level: level, Addr: a})
		p = p[4+n:]
	}
	return &RLELCAF{Entries: entries}, nil
}

// -------------------------------------------------------------------------
// Key/Value Address Pair — RFC 8060 Section 4.14 (Type 15)
// -------------------------------------------------------------------------

// KeyValueLCAF binds an address-typed key to an address-typed value.
type KeyValueLCAF struct {
	// Key is the key address.
	Key Addr

	// Value is the value address.
	Value Addr
}

// Type implements LCAF.
func (l *KeyValueLCAF) Type() LCAFType { return LCAFTypeKeyValue }

// String renders "kv:{key=value}".
func (l *KeyValueLCAF) String() string {
	return fmt.Sprintf("kv:{%s=%s}", l.Key, l.Value)
}

func (l *KeyValueLCAF) payloadSize() int {
	return l.Key.SizeToWrite() + l.Value.SizeToWrite()
}

func (l *KeyValueLCAF) writePayload(buf []byte) int {
	n, _ := l.Key.Write(buf)
	m, _ := l.Value.Write(buf[n:])
	return n + m
}

func readKeyValue(p []byte) (LCAF, error) {
	k, n, err := ReadAddr(p)
	if err != nil {
		return nil, err
	}
	v, _, err := ReadAddr(p[n:])
	if err != nil {
		return nil, err
	}
	return &KeyValueLCAF{Key: k, Value: v}, nil
}
