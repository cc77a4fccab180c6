package mgmt

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		hdr     Header
		payload []byte
	}{
		{
			name:    "request with payload",
			hdr:     Header{Device: DeviceXTR, Target: TargetMapCache, Operation: OpReadAll, Type: TypeRequest},
			payload: []byte("eid: 10.0.0.0/24\n"),
		},
		{
			name: "empty payload",
			hdr:  Header{Device: DeviceMS, Target: TargetMapDB, Operation: OpDelete, Type: TypeRequest},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.hdr, tt.payload); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			hdr, payload, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			want := tt.hdr
			want.DataLen = uint32(len(tt.payload))
			if hdr != want {
				t.Errorf("header = %+v, want %+v", hdr, want)
			}
			if string(payload) != string(tt.payload) {
				t.Errorf("payload = %q, want %q", payload, tt.payload)
			}
		})
	}
}

func TestReadFrameShortInput(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Header{Device: DeviceXTR, Type: TypeRequest}, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	full := buf.Bytes()
	for cut := 1; cut < len(full); cut++ {
		if _, _, err := ReadFrame(bytes.NewReader(full[:cut])); err == nil {
			t.Errorf("ReadFrame succeeded on %d/%d bytes", cut, len(full))
		}
	}
	if _, _, err := ReadFrame(bytes.NewReader(nil)); err != io.EOF {
		t.Errorf("empty stream error = %v, want io.EOF", err)
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var hdr [HeaderSize]byte
	hdr[0] = uint8(DeviceXTR)
	hdr[3] = uint8(TypeRequest)
	hdr[4] = 0xFF
	hdr[5] = 0xFF
	hdr[6] = 0xFF
	hdr[7] = 0xFF
	if _, _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Error("ReadFrame accepted an oversized datalen")
	}
}

func TestResultEncoding(t *testing.T) {
	payload := EncodeResult(ResErr, []byte("error: boom\n"))
	res, data, err := DecodeResult(payload)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if res != ResErr || string(data) != "error: boom\n" {
		t.Errorf("decoded = %v, %q", res, data)
	}
	if _, _, err := DecodeResult(nil); err == nil {
		t.Error("DecodeResult accepted an empty payload")
	}
}
