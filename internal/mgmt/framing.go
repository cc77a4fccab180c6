// Package mgmt implements the management API: a request/reply framing
// over a stream-oriented IPC socket. The frame header is binary; payloads
// are YAML documents. Requests mutate or read the running configuration
// and are executed synchronously on the event loop thread.
package mgmt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// -------------------------------------------------------------------------
// Frame schema
// -------------------------------------------------------------------------

// Device identifies the role a request targets.
type Device uint8

const (
	// DeviceXTR targets the xTR role.
	DeviceXTR Device = iota + 1

	// DeviceMS targets the Map-Server role.
	DeviceMS

	// DeviceMR targets the Map-Resolver role.
	DeviceMR

	// DeviceRTR targets the RTR role.
	DeviceRTR

	// DeviceMN targets the mobile-node role.
	DeviceMN
)

// Target identifies the state a request operates on.
type Target uint8

const (
	// TargetMapCache is the map-cache.
	TargetMapCache Target = iota + 1

	// TargetMapDB is the local mapping database.
	TargetMapDB

	// TargetPetrs is the proxy-ETR list.
	TargetPetrs

	// TargetParameters is the runtime parameter set.
	TargetParameters
)

// Operation is the requested action.
type Operation uint8

const (
	// OpCreate installs the payload.
	OpCreate Operation = iota + 1

	// OpReadAll dumps the target as the reply payload.
	OpReadAll

	// OpDelete removes the state named by the payload (an empty payload
	// flushes the whole target).
	OpDelete
)

// FrameType distinguishes requests from results.
type FrameType uint8

const (
	// TypeRequest is a client request.
	TypeRequest FrameType = iota + 1

	// TypeResult is the server's reply.
	TypeResult
)

// Result is the outcome code carried in result frames.
type Result uint8

const (
	// ResOK indicates success.
	ResOK Result = iota + 1

	// ResErr indicates failure; the payload may carry a reason.
	ResErr
)

// HeaderSize is the fixed frame header size:
// device(1) + target(1) + operation(1) + type(1) + datalen(4).
const HeaderSize = 8

// MaxPayload bounds a frame payload.
const MaxPayload = 1 << 20

// Header is the frame header.
type Header struct {
	Device    Device
	Target    Target
	Operation Operation
	Type      FrameType
	DataLen   uint32
}

// Framing errors.
var (
	// ErrFrameTooLarge indicates a datalen beyond MaxPayload.
	ErrFrameTooLarge = errors.New("frame payload too large")

	// ErrShortHeader indicates a truncated header.
	ErrShortHeader = errors.New("short frame header")
)

// EncodeResult packs a result frame payload: one result byte followed by
// the reply document.
func EncodeResult(res Result, data []byte) []byte {
	out := make([]byte, 0, 1+len(data))
	out = append(out, uint8(res))
	return append(out, data...)
}

// DecodeResult splits a result frame payload.
func DecodeResult(payload []byte) (Result, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("decode result: empty payload: %w", ErrShortHeader)
	}
	return Result(payload[0]), payload[1:], nil
}

// WriteFrame writes one frame (header + payload) to w. The header's
// DataLen is taken from len(payload).
func WriteFrame(w io.Writer, hdr Header, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("write frame: %d bytes: %w", len(payload), ErrFrameTooLarge)
	}
	var b [HeaderSize]byte
	b[0] = uint8(hdr.Device)
	b[1] = uint8(hdr.Target)
	b[2] = uint8(hdr.Operation)
	b[3] = uint8(hdr.Type)
	binary.BigEndian.PutUint32(b[4:8], uint32(len(payload)))
	if _, err := w.Write(b[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Header{}, nil, err
		}
		return Header{}, nil, fmt.Errorf("read frame header: %w: %w", ErrShortHeader, err)
	}
	hdr := Header{
		Device:    Device(b[0]),
		Target:    Target(b[1]),
		Operation: Operation(b[2]),
		Type:      FrameType(b[3]),
		DataLen:   binary.BigEndian.Uint32(b[4:8]),
	}
	if hdr.DataLen > MaxPayload {
		return Header{}, nil, fmt.Errorf("read frame: %d bytes: %w", hdr.DataLen, ErrFrameTooLarge)
	}
	payload := make([]byte, hdr.DataLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return hdr, payload, nil
}
