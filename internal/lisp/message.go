package lisp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// Control message types — RFC 6830 Section 6.1.1, RFC 6833
// -------------------------------------------------------------------------

// MsgType is the LISP control message type (the first 4 bits of every
// control message).
type MsgType uint8

const (
	// MsgMapRequest is a Map-Request (type 1).
	MsgMapRequest MsgType = 1

	// MsgMapReply is a Map-Reply (type 2).
	MsgMapReply MsgType = 2

	// MsgMapRegister is a Map-Register (type 3).
	MsgMapRegister MsgType = 3

	// MsgMapNotify is a Map-Notify (type 4).
	MsgMapNotify MsgType = 4

	// MsgEncapControl is an Encapsulated Control Message (type 7).
	MsgEncapControl MsgType = 7

	// MsgInfo is an Info-Request or Info-Reply (type 8), distinguished
	// by the R bit.
	MsgInfo MsgType = 8
)

// String returns the human-readable name of the message type.
func (t MsgType) String() string {
	switch t {
	case MsgMapRequest:
		return "Map-Request"
	case MsgMapReply:
		return "Map-Reply"
	case MsgMapRegister:
		return "Map-Register"
	case MsgMapNotify:
		return "Map-Notify"
	case MsgEncapControl:
		return "Encapsulated-Control"
	case MsgInfo:
		return "Info"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// ControlPort is the LISP control-plane UDP port (RFC 6830 Section 6.2).
const ControlPort = 4342

// MaxMessageSize bounds serialized control messages. Control messages fit
// an Ethernet MTU in practice; the headroom covers LCAF-heavy records.
const MaxMessageSize = 4096

// Codec errors.
var (
	// ErrMalformedMessage indicates a truncated or inconsistent control
	// message. The packet is dropped; logged once per source and minute.
	ErrMalformedMessage = errors.New("malformed control message")

	// ErrMsgBufTooSmall indicates the caller-provided buffer cannot hold
	// the serialized message.
	ErrMsgBufTooSmall = errors.New("buffer too small for control message")
)

// PeekType returns the control message type without parsing the body.
func PeekType(buf []byte) (MsgType, error) {
	if len(buf) < 1 {
		return 0, fmt.Errorf("peek type: empty packet: %w", ErrMalformedMessage)
	}
	return MsgType(buf[0] >> 4), nil
}

// -------------------------------------------------------------------------
// Record — the EID-record shared by Map-Reply/Register/Notify
// (RFC 6830 Section 6.1.4)
// -------------------------------------------------------------------------

// Record is one EID-to-RLOC record.
type Record struct {
	// TTL is the record lifetime (minutes on the wire).
	TTL time.Duration

	// Action applies when the locator set is empty.
	Action Action

	// Authoritative is the A bit.
	Authoritative bool

	// MapVersion is the 12-bit map-versioning number, zero if unused.
	MapVersion uint16

	// EID is the EID-prefix (mask length applied).
	EID Addr

	// Locators is the locator list in wire order.
	Locators []*Locator
}

// recordFixedSize is the record header before the EID AFI field.
const recordFixedSize = 10

// locatorFixedSize is the locator header before the AFI field.
const locatorFixedSize = 6

// sizeRecord returns the serialized record size.
func sizeRecord(r *Record) int {
	n := recordFixedSize + r.EID.SizeToWrite()
	for _, l := range r.Locators {
		n += locatorFixedSize + l.Addr.SizeToWrite()
	}
	return n
}

// marshalRecord writes one EID-record into buf.
func marshalRecord(r *Record, buf []byte) (int, error) {
	if len(buf) < sizeRecord(r) {
		return 0, fmt.Errorf("marshal record %s: %w", r.EID, ErrMsgBufTooSmall)
	}
	ttlMin := uint32(r.TTL / time.Minute)
	binary.BigEndian.PutUint32(buf[0:4], ttlMin)
	buf[4] = uint8(len(r.Locators))
	buf[5] = r.EID.PlenForRecord()
	flags := uint8(r.Action) << 5
	if r.Authoritative {
		flags |= 1 << 4
	}
	buf[6] = flags
	buf[7] = 0 // Reserved
	binary.BigEndian.PutUint16(buf[8:10], r.MapVersion&0x0FFF)

	off := recordFixedSize
	n, err := r.EID.Write(buf[off:])
	if err != nil {
		return 0, err
	}
	off += n

	for _, l := range r.Locators {
		buf[off+0] = l.Priority
		buf[off+1] = l.Weight
		buf[off+2] = l.MPriority
		buf[off+3] = l.MWeight
		var bits uint16
		if l.Kind == KindLocal {
			bits |= 1 << 2 // L bit
		}
		if l.State == StateUp {
			bits |= 1 << 0 // R bit
		}
		binary.BigEndian.PutUint16(buf[off+4:off+6], bits)
		n, err := l.Addr.Write(buf[off+locatorFixedSize:])
		if err != nil {
			return 0, err
		}
		off += locatorFixedSize + n
	}
	return off, nil
}

// unmarshalRecord parses one EID-record from buf, returning the record and
// the bytes consumed.
func unmarshalRecord(buf []byte) (*Record, int, error) {
	if len(buf) < recordFixedSize+afiSize {
		return nil, 0, fmt.Errorf("unmarshal record: truncated header: %w", ErrMalformedMessage)
	}
	r := &Record{
		TTL:           time.Duration(binary.BigEndian.Uint32(buf[0:4])) * time.Minute,
		Action:        Action(buf[6] >> 5),
		Authoritative: buf[6]&(1<<4) != 0,
		MapVersion:    binary.BigEndian.Uint16(buf[8:10]) & 0x0FFF,
	}
	locCount := int(buf[4])
	plen := buf[5]

	eid, n, err := ReadAddr(buf[recordFixedSize:])
	if err != nil {
		return nil, 0, err
	}
	r.EID = eid.WithPlen(plen).Normalized()
	off := recordFixedSize + n

	for i := 0; i < locCount; i++ {
		if len(buf) < off+locatorFixedSize+afiSize {
			return nil, 0, fmt.Errorf("unmarshal record: truncated locator %d: %w", i, ErrMalformedMessage)
		}
		bits := binary.BigEndian.Uint16(buf[off+4 : off+6])
		addr, n, err := ReadAddr(buf[off+locatorFixedSize:])
		if err != nil {
			return nil, 0, err
		}
		state := StateDown
		if bits&(1<<0) != 0 {
			state = StateUp
		}
		kind := KindRemote
		if bits&(1<<2) != 0 {
			kind = KindLocal
		}
		r.Locators = append(r.Locators, &Locator{
			Addr:      addr,
			State:     state,
			Priority:  buf[off+0],
			Weight:    buf[off+1],
			MPriority: buf[off+2],
			MWeight:   buf[off+3],
			Kind:      kind,
			SockFD:    -1,
		})
		off += locatorFixedSize + n
	}
	return r, off, nil
}

// ToMapping converts a received record into a mapping (EID normalized,
// locator set in canonical order, wire TTL preserved).
func (r *Record) ToMapping() *Mapping {
	m := NewMapping(r.EID, r.EID.InstanceID())
	m.TTL = r.TTL
	m.Action = r.Action
	m.Authoritative = r.Authoritative
	m.Version = r.MapVersion
	for _, l := range r.Locators {
		_ = m.Locators.Insert(l)
	}
	return m
}

// RecordFromMapping builds the wire record advertising a mapping.
func RecordFromMapping(m *Mapping) *Record {
	return &Record{
		TTL:           m.TTL,
		Action:        m.Action,
		Authoritative: m.Authoritative,
		MapVersion:    m.Version,
		EID:           m.EID,
		Locators:      m.Locators.All(),
	}
}

// -------------------------------------------------------------------------
// Map-Request — RFC 6830 Section 6.1.2 (type 1)
// -------------------------------------------------------------------------

// MapRequest is a Map-Request message.
type MapRequest struct {
	// Authoritative is the A bit: the requester wants an ETR answer, not
	// a Map-Server proxy reply.
	Authoritative bool

	// MapDataPresent is the M bit: MapDataRecord carries the sender's
	// own mapping.
	MapDataPresent bool

	// Probe is the P bit: this request is an RLOC-probe.
	Probe bool

	// SMR is the S bit: this request is a Solicit-Map-Request.
	SMR bool

	// PITR is the p bit: sent by a proxy-ITR.
	PITR bool

	// SMRInvoked is the s bit: this request answers a received SMR.
	SMRInvoked bool

	// Nonce pairs the request with its reply.
	Nonce uint64

	// SourceEID is the EID of the flow triggering the request (may be
	// the no-address). The wire field has no mask length: a prefix is
	// sent as its base address and parses back as that address.
	SourceEID Addr

	// ITRRLOCs lists the requester's RLOCs, candidates for the reply
	// destination. At least one entry.
	ITRRLOCs []Addr

	// EIDs lists the requested EID-prefixes. The wire field is 5 bits;
	// in practice one record per request.
	EIDs []Addr

	// MapDataRecord is the sender's own mapping when MapDataPresent.
	MapDataRecord *Record
}

// mapRequestFixedSize is the header through the nonce.
const mapRequestFixedSize = 12

// MarshalMapRequest serializes req into buf.
func MarshalMapRequest(req *MapRequest, buf []byte) (int, error) {
	if len(req.ITRRLOCs) == 0 || len(req.ITRRLOCs) > 32 {
		return 0, fmt.Errorf("marshal map-request: %d itr-rlocs: %w", len(req.ITRRLOCs), ErrMalformedMessage)
	}
	if len(req.EIDs) == 0 || len(req.EIDs) > 31 {
		return 0, fmt.Errorf("marshal map-request: %d records: %w", len(req.EIDs), ErrMalformedMessage)
	}
	if len(buf) < mapRequestFixedSize {
		return 0, fmt.Errorf("marshal map-request: %w", ErrMsgBufTooSmall)
	}

	b0 := uint8(MsgMapRequest) << 4
	if req.Authoritative {
		b0 |= 1 << 3
	}
	if req.MapDataPresent {
		b0 |= 1 << 2
	}
	if req.Probe {
		b0 |= 1 << 1
	}
	if req.SMR {
		b0 |= 1 << 0
	}
	buf[0] = b0
	b1 := uint8(0)
	if req.PITR {
		b1 |= 1 << 7
	}
	if req.SMRInvoked {
		b1 |= 1 << 6
	}
	buf[1] = b1
	buf[2] = uint8(len(req.ITRRLOCs) - 1) // IRC
	buf[3] = uint8(len(req.EIDs))
	binary.BigEndian.PutUint64(buf[4:12], req.Nonce)

	off := mapRequestFixedSize
	n, err := req.SourceEID.Write(buf[off:])
	if err != nil {
		return 0, err
	}
	off += n

	for _, rloc := range req.ITRRLOCs {
		n, err := rloc.Write(buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}

	for _, eid := range req.EIDs {
		if len(buf) < off+2+afiSize {
			return 0, fmt.Errorf("marshal map-request: %w", ErrMsgBufTooSmall)
		}
		buf[off] = 0 // Reserved
		buf[off+1] = eid.PlenForRecord()
		n, err := eid.Write(buf[off+2:])
		if err != nil {
			return 0, err
		}
		off += 2 + n
	}

	if req.MapDataPresent && req.MapDataRecord != nil {
		n, err := marshalRecord(req.MapDataRecord, buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}
	return off, nil
}

// UnmarshalMapRequest parses a Map-Request from buf.
func UnmarshalMapRequest(buf []byte) (*MapRequest, error) {
	if len(buf) < mapRequestFixedSize {
		return nil, fmt.Errorf("unmarshal map-request: %d bytes: %w", len(buf), ErrMalformedMessage)
	}
	if MsgType(buf[0]>>4) != MsgMapRequest {
		return nil, fmt.Errorf("unmarshal map-request: type %d: %w", buf[0]>>4, ErrMalformedMessage)
	}
	req := &MapRequest{
		Authoritative:  buf[0]&(1<<3) != 0,
		MapDataPresent: buf[0]&(1<<2) != 0,
		Probe:          buf[0]&(1<<1) != 0,
		SMR:            buf[0]&(1<<0) != 0,
		PITR:           buf[1]&(1<<7) != 0,
		SMRInvoked:     buf[1]&(1<<6) != 0,
		Nonce:          binary.BigEndian.Uint64(buf[4:12]),
	}
	itrCount := int(buf[2]) + 1
	recCount := int(buf[3])

	src, n, err := ReadAddr(buf[mapRequestFixedSize:])
	if err != nil {
		return nil, err
	}
	req.SourceEID = src
	off := mapRequestFixedSize + n

	for i := 0; i < itrCount; i++ {
		rloc, n, err := ReadAddr(buf[off:])
		if err != nil {
			return nil, err
		}
		req.ITRRLOCs = append(req.ITRRLOCs, rloc)
		off += n
	}

	for i := 0; i < recCount; i++ {
		if len(buf) < off+2+afiSize {
			return nil, fmt.Errorf("unmarshal map-request: truncated record %d: %w", i, ErrMalformedMessage)
		}
		plen := buf[off+1]
		eid, n, err := ReadAddr(buf[off+2:])
		if err != nil {
			return nil, err
		}
		req.EIDs = append(req.EIDs, eid.WithPlen(plen).Normalized())
		off += 2 + n
	}

	if req.MapDataPresent {
		rec, _, err := unmarshalRecord(buf[off:])
		if err != nil {
			return nil, err
		}
		req.MapDataRecord = rec
	}
	return req, nil
}

// -------------------------------------------------------------------------
// Map-Reply — RFC 6830 Section 6.1.3 (type 2)
// -------------------------------------------------------------------------

// MapReply is a Map-Reply message.
type MapReply struct {
	// Probe is the P bit: this reply answers an RLOC-probe.
	Probe bool

	// Echo is the E bit: echo-nonce capable.
	Echo bool

	// Security is the S bit (unused here, carried through).
	Security bool

	// Nonce echoes the request nonce.
	Nonce uint64

	// Records is the record list.
	Records []*Record
}

// mapReplyFixedSize is the header through the nonce.
const mapReplyFixedSize = 12

// MarshalMapReply serializes rep into buf.
func MarshalMapReply(rep *MapReply, buf []byte) (int, error) {
	if len(buf) < mapReplyFixedSize {
		return 0, fmt.Errorf("marshal map-reply: %w", ErrMsgBufTooSmall)
	}
	b0 := uint8(MsgMapReply) << 4
	if rep.Probe {
		b0 |= 1 << 3
	}
	if rep.Echo {
		b0 |= 1 << 2
	}
	if rep.Security {
		b0 |= 1 << 1
	}
	buf[0] = b0
	buf[1], buf[2] = 0, 0
	buf[3] = uint8(len(rep.Records))
	binary.BigEndian.PutUint64(buf[4:12], rep.Nonce)

	off := mapReplyFixedSize
	for _, r := range rep.Records {
		n, err := marshalRecord(r, buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}
	return off, nil
}

// UnmarshalMapReply parses a Map-Reply from buf.
func UnmarshalMapReply(buf []byte) (*MapReply, error) {
	if len(buf) < mapReplyFixedSize {
		return nil, fmt.Errorf("unmarshal map-reply: %d bytes: %w", len(buf), ErrMalformedMessage)
	}
	if MsgType(buf[0]>>4) != MsgMapReply {
		return nil, fmt.Errorf("unmarshal map-reply: type %d: %w", buf[0]>>4, ErrMalformedMessage)
	}
	rep := &MapReply{
		Probe:    buf[0]&(1<<3) != 0,
		Echo:     buf[0]&(1<<2) != 0,
		Security: buf[0]&(1<<1) != 0,
		Nonce:    binary.BigEndian.Uint64(buf[4:12]),
	}
	count := int(buf[3])
	off := mapReplyFixedSize
	for i := 0; i < count; i++ {
		rec, n, err := unmarshalRecord(buf[off:])
		if err != nil {
			return nil, err
		}
		rep.Records = append(rep.Records, rec)
		off += n
	}
	return rep, nil
}

// -------------------------------------------------------------------------
// Map-Register / Map-Notify — RFC 6833 Section 4.2, 4.3 (types 3, 4)
// -------------------------------------------------------------------------

// MapRegister is a Map-Register message.
type MapRegister struct {
	// ProxyReply is the P bit: the Map-Server should answer Map-Requests
	// on the site's behalf.
	ProxyReply bool

	// WantNotify is the M bit: the registrar wants a Map-Notify.
	WantNotify bool

	// Nonce pairs the register with its notify.
	Nonce uint64

	// KeyID selects the authentication algorithm.
	KeyID KeyType

	// AuthData is the authentication data (filled by MarshalMapRegister).
	AuthData []byte

	// Records is the registered mapping list.
	Records []*Record
}

// RegisterAuthOffset is the offset of the auth data within a serialized
// Map-Register or Map-Notify (after type word, nonce, key-id, auth-len).
// Receivers verify the HMAC over the raw buffer at this offset.
const RegisterAuthOffset = 16

// registerAuthOff is the internal alias.
const registerAuthOff = RegisterAuthOffset

// MarshalMapRegister serializes reg into buf and computes the
// authentication data over the whole message with the auth field zeroed
// (RFC 6833 Section 4.2).
func MarshalMapRegister(reg *MapRegister, buf []byte, key string) (int, error) {
	alen, err := AuthDataLen(reg.KeyID)
	if err != nil {
		return 0, err
	}
	if len(buf) < registerAuthOff+alen {
		return 0, fmt.Errorf("marshal map-register: %w", ErrMsgBufTooSmall)
	}
	b0 := uint8(MsgMapRegister) << 4
	if reg.ProxyReply {
		b0 |= 1 << 3
	}
	buf[0] = b0
	buf[1] = 0
	buf[2] = 0
	if reg.WantNotify {
		buf[2] |= 1 << 0 // M bit
	}
	buf[3] = uint8(len(reg.Records))
	binary.BigEndian.PutUint64(buf[4:12], reg.Nonce)
	binary.BigEndian.PutUint16(buf[12:14], uint16(reg.KeyID))
	binary.BigEndian.PutUint16(buf[14:16], uint16(alen))

	off := registerAuthOff + alen
	for _, r := range reg.Records {
		n, err := marshalRecord(r, buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}

	if reg.KeyID != KeyTypeNone {
		mac, err := ComputeAuthData(buf[:off], registerAuthOff, reg.KeyID, key)
		if err != nil {
			return 0, err
		}
		reg.AuthData = mac
	}
	return off, nil
}

// UnmarshalMapRegister parses a Map-Register from buf. Authentication is
// NOT verified here; callers hold the site key and call VerifyAuthData on
// the raw buffer.
func UnmarshalMapRegister(buf []byte) (*MapRegister, error) {
	hdr, records, err := unmarshalRegisterBody(buf, MsgMapRegister)
	if err != nil {
		return nil, err
	}
	return &MapRegister{
		ProxyReply: buf[0]&(1<<3) != 0,
		WantNotify: buf[2]&(1<<0) != 0,
		Nonce:      hdr.nonce,
		KeyID:      hdr.keyID,
		AuthData:   hdr.authData,
		Records:    records,
	}, nil
}

// MapNotify is a Map-Notify message: the Map-Server's acknowledgment of a
// Map-Register, authenticated with the same site key.
type MapNotify struct {
	// Nonce echoes the register nonce.
	Nonce uint64

	// KeyID selects the authentication algorithm.
	KeyID KeyType

	// AuthData is the authentication data.
	AuthData []byte

	// Records echoes the registered records.
	Records []*Record
}

// MarshalMapNotify serializes not into buf and signs it.
func MarshalMapNotify(not *MapNotify, buf []byte, key string) (int, error) {
	alen, err := AuthDataLen(not.KeyID)
	if err != nil {
		return 0, err
	}
	if len(buf) < registerAuthOff+alen {
		return 0, fmt.Errorf("marshal map-notify: %w", ErrMsgBufTooSmall)
	}
	buf[0] = uint8(MsgMapNotify) << 4
	buf[1], buf[2] = 0, 0
	buf[3] = uint8(len(not.Records))
	binary.BigEndian.PutUint64(buf[4:12], not.Nonce)
	binary.BigEndian.PutUint16(buf[12:14], uint16(not.KeyID))
	binary.BigEndian.PutUint16(buf[14:16], uint16(alen))

	off := registerAuthOff + alen
	for _, r := range not.Records {
		n, err := marshalRecord(r, buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}
	if not.KeyID != KeyTypeNone {
		mac, err := ComputeAuthData(buf[:off], registerAuthOff, not.KeyID, key)
		if err != nil {
			return 0, err
		}
		not.AuthData = mac
	}
	return off, nil
}

// UnmarshalMapNotify parses a Map-Notify from buf.
func UnmarshalMapNotify(buf []byte) (*MapNotify, error) {
	hdr, records, err := unmarshalRegisterBody(buf, MsgMapNotify)
	if err != nil {
		return nil, err
	}
	return &MapNotify{
		Nonce:    hdr.nonce,
		KeyID:    hdr.keyID,
		AuthData: hdr.authData,
		Records:  records,
	}, nil
}

// registerHdr is the shared Map-Register/Notify header fields.
type registerHdr struct {
	nonce    uint64
	keyID    KeyType
	authData []byte
}

// unmarshalRegisterBody parses the shared Register/Notify layout.
func unmarshalRegisterBody(buf []byte, want MsgType) (registerHdr, []*Record, error) {
	var hdr registerHdr
	if len(buf) < registerAuthOff {
		return hdr, nil, fmt.Errorf("unmarshal %s: %d bytes: %w", want, len(buf), ErrMalformedMessage)
	}
	if MsgType(buf[0]>>4) != want {
		return hdr, nil, fmt.Errorf("unmarshal %s: type %d: %w", want, buf[0]>>4, ErrMalformedMessage)
	}
	hdr.nonce = binary.BigEndian.Uint64(buf[4:12])
	hdr.keyID = KeyType(binary.BigEndian.Uint16(buf[12:14]))
	alen := int(binary.BigEndian.Uint16(buf[14:16]))
	if len(buf) < registerAuthOff+alen {
		return hdr, nil, fmt.Errorf("unmarshal %s: auth data truncated: %w", want, ErrMalformedMessage)
	}
	hdr.authData = buf[registerAuthOff : registerAuthOff+alen]

	count := int(buf[3])
	off := registerAuthOff + alen
	var records []*Record
	for i := 0; i < count; i++ {
		rec, n, err := unmarshalRecord(buf[off:])
		if err != nil {
			return hdr, nil, err
		}
		records = append(records, rec)
		off += n
	}
	return hdr, records, nil
}

// -------------------------------------------------------------------------
// Encapsulated Control Message — RFC 6830 Section 6.1.8 (type 7)
// -------------------------------------------------------------------------

// ecmHeaderSize is the outer ECM header (one 32-bit word).
const ecmHeaderSize = 4

// ipv4HeaderSize and ipv6HeaderSize are the inner IP header sizes.
const (
	ipv4HeaderSize = 20
	ipv6HeaderSize = 40
	udpHeaderSize  = 8
)

// ecmHopLimit is the inner-header TTL / hop limit.
const ecmHopLimit = 64

// MarshalECM wraps a control message payload in an Encapsulated Control
// Message: ECM word, inner IP header, inner UDP header, payload. Used by
// ITRs to reach Map-Resolvers and by Map-Servers to forward requests to
// registered ETRs.
func MarshalECM(payload []byte, src, dst netip.AddrPort, buf []byte) (int, error) {
	v6 := dst.Addr().Is6()
	ipLen := ipv4HeaderSize
	if v6 {
		ipLen = ipv6HeaderSize
	}
	total := ecmHeaderSize + ipLen + udpHeaderSize + len(payload)
	if len(buf) < total {
		return 0, fmt.Errorf("marshal ecm: need %d bytes, got %d: %w", total, len(buf), ErrMsgBufTooSmall)
	}

	buf[0] = uint8(MsgEncapControl) << 4
	buf[1], buf[2], buf[3] = 0, 0, 0

	ip := buf[ecmHeaderSize:]
	udp := ip[ipLen:]
	copy(udp[udpHeaderSize:], payload)

	binary.BigEndian.PutUint16(udp[0:2], src.Port())
	binary.BigEndian.PutUint16(udp[2:4], dst.Port())
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeaderSize+len(payload)))
	binary.BigEndian.PutUint16(udp[6:8], 0)

	if v6 {
		writeIPv6Header(ip, src.Addr(), dst.Addr(), udpHeaderSize+len(payload))
		csum := udpChecksumV6(src.Addr(), dst.Addr(), udp[:udpHeaderSize+len(payload)])
		binary.BigEndian.PutUint16(udp[6:8], csum)
	} else {
		writeIPv4Header(ip, src.Addr(), dst.Addr(), udpHeaderSize+len(payload))
	}
	return total, nil
}

// UnmarshalECM strips the ECM and inner headers, returning the inner
// control payload and the inner source/destination endpoints.
func UnmarshalECM(buf []byte) (payload []byte, src, dst netip.AddrPort, err error) {
	if len(buf) < ecmHeaderSize+ipv4HeaderSize+udpHeaderSize {
		return nil, src, dst, fmt.Errorf("unmarshal ecm: %d bytes: %w", len(buf), ErrMalformedMessage)
	}
	if MsgType(buf[0]>>4) != MsgEncapControl {
		return nil, src, dst, fmt.Errorf("unmarshal ecm: type %d: %w", buf[0]>>4, ErrMalformedMessage)
	}
	ip := buf[ecmHeaderSize:]

	var (
		srcIP, dstIP netip.Addr
		ipLen        int
	)
	switch version := ip[0] >> 4; version {
	case 4:
		ipLen = int(ip[0]&0x0F) * 4
		if ipLen < ipv4HeaderSize || len(ip) < ipLen+udpHeaderSize {
			return nil, src, dst, fmt.Errorf("unmarshal ecm: bad inner IPv4 header: %w", ErrMalformedMessage)
		}
		srcIP = netip.AddrFrom4([4]byte(ip[12:16]))
		dstIP = netip.AddrFrom4([4]byte(ip[16:20]))
	case 6:
		ipLen = ipv6HeaderSize
		if len(ip) < ipLen+udpHeaderSize {
			return nil, src, dst, fmt.Errorf("unmarshal ecm: bad inner IPv6 header: %w", ErrMalformedMessage)
		}
		srcIP = netip.AddrFrom16([16]byte(ip[8:24])).Unmap()
		dstIP = netip.AddrFrom16([16]byte(ip[24:40])).Unmap()
	default:
		return nil, src, dst, fmt.Errorf("unmarshal ecm: inner IP version %d: %w", version, ErrMalformedMessage)
	}

	udp := ip[ipLen:]
	srcPort := binary.BigEndian.Uint16(udp[0:2])
	dstPort := binary.BigEndian.Uint16(udp[2:4])
	udpLen := int(binary.BigEndian.Uint16(udp[4:6]))
	if udpLen < udpHeaderSize || len(udp) < udpLen {
		return nil, src, dst, fmt.Errorf("unmarshal ecm: inner UDP length %d: %w", udpLen, ErrMalformedMessage)
	}
	return udp[udpHeaderSize:udpLen],
		netip.AddrPortFrom(srcIP, srcPort),
		netip.AddrPortFrom(dstIP, dstPort),
		nil
}

// writeIPv4Header fills a minimal inner IPv4 header.
func writeIPv4Header(ip []byte, src, dst netip.Addr, payloadLen int) {
	ip[0] = 0x45
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipv4HeaderSize+payloadLen))
	binary.BigEndian.PutUint16(ip[4:6], 0)
	binary.BigEndian.PutUint16(ip[6:8], 0)
	ip[8] = ecmHopLimit
	ip[9] = 17 // UDP
	binary.BigEndian.PutUint16(ip[10:12], 0)
	s4, d4 := src.As4(), dst.As4()
	copy(ip[12:16], s4[:])
	copy(ip[16:20], d4[:])
	binary.BigEndian.PutUint16(ip[10:12], ipChecksum(ip[:ipv4HeaderSize]))
}

// writeIPv6Header fills a minimal inner IPv6 header.
func writeIPv6Header(ip []byte, src, dst netip.Addr, payloadLen int) {
	ip[0] = 6 << 4
	ip[1], ip[2], ip[3] = 0, 0, 0
	binary.BigEndian.PutUint16(ip[4:6], uint16(payloadLen))
	ip[6] = 17 // UDP
	ip[7] = ecmHopLimit
	s16, d16 := src.As16(), dst.As16()
	copy(ip[8:24], s16[:])
	copy(ip[24:40], d16[:])
}

// ipChecksum is the ones-complement IP header checksum.
func ipChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return ^uint16(sum)
}

// udpChecksumV6 computes the mandatory IPv6 UDP checksum over the
// pseudo-header and datagram.
func udpChecksumV6(src, dst netip.Addr, udp []byte) uint16 {
	var sum uint32
	s16, d16 := src.As16(), dst.As16()
	for i := 0; i < 16; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(s16[i : i+2]))
		sum += uint32(binary.BigEndian.Uint16(d16[i : i+2]))
	}
	sum += uint32(len(udp))
	sum += 17
	for i := 0; i+1 < len(udp); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(udp[i : i+2]))
	}
	if len(udp)%2 == 1 {
		sum += uint32(udp[len(udp)-1]) << 8
	}
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	csum := ^uint16(sum)
	if csum == 0 {
		csum = 0xFFFF
	}
	return csum
}

// -------------------------------------------------------------------------
// Info-Request / Info-Reply — NAT traversal (type 8)
// -------------------------------------------------------------------------

// InfoMsg is an Info-Request (Reply=false) or Info-Reply (Reply=true).
// An xTR behind a NAT sends an Info-Request to its Map-Server; the reply
// carries the translated address/port and the RTR set in a NAT-traversal
// LCAF.
type InfoMsg struct {
	// Reply is the R bit.
	Reply bool

	// Nonce pairs request and reply.
	Nonce uint64

	// KeyID selects the authentication algorithm.
	KeyID KeyType

	// AuthData is the authentication data.
	AuthData []byte

	// TTL is the registration lifetime the requester asks for.
	TTL time.Duration

	// EID is the EID-prefix the request concerns.
	EID Addr

	// NAT carries the translation data; Info-Reply only.
	NAT *NATTraversalLCAF
}

// infoAuthOff is the offset of the auth data within a serialized Info
// message (type word, nonce, key-id, auth-len).
const infoAuthOff = 16

// MarshalInfo serializes an Info message into buf and signs it.
func MarshalInfo(info *InfoMsg, buf []byte, key string) (int, error) {
	alen, err := AuthDataLen(info.KeyID)
	if err != nil {
		return 0, err
	}
	need := infoAuthOff + alen + 6 + info.EID.SizeToWrite()
	if len(buf) < need {
		return 0, fmt.Errorf("marshal info: %w", ErrMsgBufTooSmall)
	}
	b0 := uint8(MsgInfo) << 4
	if info.Reply {
		b0 |= 1 << 3
	}
	buf[0] = b0
	buf[1], buf[2], buf[3] = 0, 0, 0
	binary.BigEndian.PutUint64(buf[4:12], info.Nonce)
	binary.BigEndian.PutUint16(buf[12:14], uint16(info.KeyID))
	binary.BigEndian.PutUint16(buf[14:16], uint16(alen))

	off := infoAuthOff + alen
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(info.TTL/time.Minute))
	buf[off+4] = 0 // Reserved
	buf[off+5] = info.EID.PlenForRecord()
	off += 6
	n, err := info.EID.Write(buf[off:])
	if err != nil {
		return 0, err
	}
	off += n

	if info.Reply && info.NAT != nil {
		binary.BigEndian.PutUint16(buf[off:off+2], AFILCAF)
		n, err := writeLCAF(info.NAT, buf[off+2:])
		if err != nil {
			return 0, err
		}
		off += 2 + n
	} else {
		// Info-Request: AFI = 0, nothing follows.
		binary.BigEndian.PutUint16(buf[off:off+2], AFIReserved)
		off += 2
	}

	if info.KeyID != KeyTypeNone {
		mac, err := ComputeAuthData(buf[:off], infoAuthOff, info.KeyID, key)
		if err != nil {
			return 0, err
		}
		info.AuthData = mac
	}
	return off, nil
}

// UnmarshalInfo parses an Info-Request or Info-Reply from buf.
func UnmarshalInfo(buf []byte) (*InfoMsg, error) {
	if len(buf) < infoAuthOff {
		return nil, fmt.Errorf("unmarshal info: %d bytes: %w", len(buf), ErrMalformedMessage)
	}
	if MsgType(buf[0]>>4) != MsgInfo {
		return nil, fmt.Errorf("unmarshal info: type %d: %w", buf[0]>>4, ErrMalformedMessage)
	}
	info := &InfoMsg{
		Reply: buf[0]&(1<<3) != 0,
		Nonce: binary.BigEndian.Uint64(buf[4:12]),
		KeyID: KeyType(binary.BigEndian.Uint16(buf[12:14])),
	}
	alen := int(binary.BigEndian.Uint16(buf[14:16]))
	if len(buf) < infoAuthOff+alen+6+afiSize {
		return nil, fmt.Errorf("unmarshal info: truncated: %w", ErrMalformedMessage)
	}
	info.AuthData = buf[infoAuthOff : infoAuthOff+alen]

	off := infoAuthOff + alen
	info.TTL = time.Duration(binary.BigEndian.Uint32(buf[off:off+4])) * time.Minute
	plen := buf[off+5]
	off += 6
	eid, n, err := ReadAddr(buf[off:])
	if err != nil {
		return nil, err
	}
	if !eid.IsNoAddr() {
		eid = eid.WithPlen(plen).Normalized()
	}
	info.EID = eid
	off += n

	if info.Reply {
		trailer, _, err := ReadAddr(buf[off:])
		if err != nil {
			return nil, err
		}
		nat, ok := trailer.LCAF().(*NATTraversalLCAF)
		if trailer.IsLCAF() && !ok {
			return nil, fmt.Errorf("unmarshal info-reply: trailer lcaf type %s: %w",
				trailer.LCAF().Type(), ErrMalformedMessage)
		}
		info.NAT = nat
	}
	return info, nil
}
