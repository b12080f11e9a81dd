package ecubus

import (
	"bytes"
	"errors"
	"testing"
)

func TestMarshalGolden(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
		want  []byte
	}{
		{
			name:  "ping no payload",
			frame: &Frame{Type: TypePing, Seq: 0x07},
			want:  []byte{0x7E, 0x00, 0x02, 0x02, 0x07, 0x0B, 0x8A},
		},
		{
			name:  "handshake with version",
			frame: &Frame{Type: TypeHandshake, Seq: 0x01, Data: []byte{0x01}},
			want:  []byte{0x7E, 0x00, 0x03, 0x01, 0x01, 0x01, 0xD8, 0xBC},
		},
		{
			name:  "read pid",
			frame: &Frame{Type: TypeReadPID, Seq: 0x2A, Data: EncodeReadPID([]uint16{0x010C})},
			want:  []byte{0x7E, 0x00, 0x05, 0x10, 0x2A, 0x01, 0x01, 0x0C, 0x8F, 0x3E},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.frame)
			if err != nil {
				t.Fatalf("Marshal() error: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Marshal() = % X, want % X", got, tt.want)
			}
			back, err := Unmarshal(got)
			if err != nil {
				t.Fatalf("Unmarshal() error: %v", err)
			}
			if back.Type != tt.frame.Type || back.Seq != tt.frame.Seq || !bytes.Equal(back.Data, tt.frame.Data) {
				t.Errorf("round trip = %+v, want %+v", back, tt.frame)
			}
		})
	}
}

func TestMarshalPayloadTooLarge(t *testing.T) {
	f := &Frame{Type: TypeWriteChunk, Data: make([]byte, MaxPayload+1)}
	_, err := Marshal(f)
	var pe *ProtoError
	if !errors.As(err, &pe) || pe.Kind != MalformedFrame {
		t.Errorf("Marshal() oversized = %v, want malformed ProtoError", err)
	}
}

func TestUnmarshalErrors(t *testing.T) {
	good, err := Marshal(&Frame{Type: TypePing, Seq: 0x07})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	corrupt := append([]byte(nil), good...)
	corrupt[4] ^= 0xFF // flip a body byte, keep the old crc

	badStart := append([]byte(nil), good...)
	badStart[0] = 0x55

	badLength := append([]byte(nil), good...)
	badLength[1], badLength[2] = 0xFF, 0xFF

	tests := []struct {
		name string
		buf  []byte
		want ProtoKind
	}{
		{name: "too short", buf: good[:4], want: MalformedFrame},
		{name: "bad start byte", buf: badStart, want: MalformedFrame},
		{name: "bad length field", buf: badLength, want: MalformedFrame},
		{name: "length mismatch", buf: append(append([]byte(nil), good...), 0x00), want: MalformedFrame},
		{name: "checksum mismatch", buf: corrupt, want: ChecksumMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.buf)
			var pe *ProtoError
			if !errors.As(err, &pe) {
				t.Fatalf("Unmarshal() = %v, want ProtoError", err)
			}
			if pe.Kind != tt.want {
				t.Errorf("Unmarshal() kind = %s, want %s", pe.Kind, tt.want)
			}
		})
	}
}

func TestScannerReassembly(t *testing.T) {
	first, _ := Marshal(&Frame{Type: TypePing, Seq: 0x01})
	second, _ := Marshal(&Frame{Type: TypeReadPID, Seq: 0x02, Data: EncodeReadPID([]uint16{0x010C, 0x0105})})
	stream := append(append([]byte(nil), first...), second...)

	var s Scanner
	var got []*Frame
	// drip the stream in three-byte slices, draining after each feed
	for i := 0; i < len(stream); i += 3 {
		end := i + 3
		if end > len(stream) {
			end = len(stream)
		}
		s.Feed(stream[i:end])
		for {
			f, err := s.Next()
			if err != nil {
				t.Fatalf("Next() error: %v", err)
			}
			if f == nil {
				break
			}
			got = append(got, f)
		}
	}
	if len(got) != 2 {
		t.Fatalf("scanned %d frames, want 2", len(got))
	}
	if got[0].Type != TypePing || got[0].Seq != 0x01 {
		t.Errorf("first frame = %+v", got[0])
	}
	if got[1].Type != TypeReadPID || got[1].Seq != 0x02 {
		t.Errorf("second frame = %+v", got[1])
	}
}

func TestScannerResync(t *testing.T) {
	good, _ := Marshal(&Frame{Type: TypePing, Seq: 0x05})

	corrupt := append([]byte(nil), good...)
	corrupt[len(corrupt)-1] ^= 0xFF

	var s Scanner
	s.Feed([]byte{0x00, 0xDE, 0xAD}) // line noise before the first start byte
	s.Feed(corrupt)
	s.Feed(good)

	f, err := s.Next()
	if f != nil || err == nil {
		t.Fatalf("Next() on corrupt frame = %v, %v; want nil frame and error", f, err)
	}
	var pe *ProtoError
	if !errors.As(err, &pe) || pe.Kind != ChecksumMismatch {
		t.Errorf("corrupt frame error = %v, want checksum mismatch", err)
	}

	f, err = s.Next()
	if err != nil {
		t.Fatalf("Next() after resync error: %v", err)
	}
	if f == nil || f.Type != TypePing || f.Seq != 0x05 {
		t.Errorf("frame after resync = %+v, want ping seq 0x05", f)
	}
	if f, err := s.Next(); f != nil || err != nil {
		t.Errorf("drained scanner returned %v, %v", f, err)
	}
}

func TestDecodeIdentity(t *testing.T) {
	id, err := DecodeIdentity([]byte{0x01, 0x00, 0x42, 0x01, 0x37, 0x01, 0x0A, 0x00, 0x04})
	if err != nil {
		t.Fatalf("DecodeIdentity() error: %v", err)
	}
	if id.Version != 1 {
		t.Errorf("Version = %d, want 1", id.Version)
	}
	if id.Serial != "00420137" {
		t.Errorf("Serial = %q, want zero-padded %q", id.Serial, "00420137")
	}
	if id.Firmware != 0x010A0004 {
		t.Errorf("Firmware = 0x%08X, want 0x010A0004", id.Firmware)
	}

	if _, err := DecodeIdentity([]byte{0x01, 0x02}); err == nil {
		t.Error("DecodeIdentity() accepted a short payload")
	}
}

func TestReadCodecs(t *testing.T) {
	ids := []uint16{0x0101, 0x0103}
	back, err := DecodeReadTargets(EncodeReadParam(ids))
	if err != nil {
		t.Fatalf("DecodeReadTargets() error: %v", err)
	}
	if len(back) != 2 || back[0] != 0x0101 || back[1] != 0x0103 {
		t.Errorf("DecodeReadTargets() = %v, want %v", back, ids)
	}

	// count byte says two entries but only one follows
	if _, err := DecodePIDValues([]byte{0x02, 0x01, 0x0C, 0x00, 0x00, 0x0C, 0x80}); err == nil {
		t.Error("DecodePIDValues() accepted a truncated payload")
	}

	vals, err := DecodePIDValues([]byte{0x01, 0x01, 0x05, 0xFF, 0xFF, 0xFF, 0xD8})
	if err != nil {
		t.Fatalf("DecodePIDValues() error: %v", err)
	}
	if vals[0].PID != 0x0105 || vals[0].Raw != -40 {
		t.Errorf("DecodePIDValues() = %+v, want pid 0x0105 raw -40", vals[0])
	}

	dtcs, err := DecodeDTCs([]byte{0x02, 0x03, 0x01, 0x11, 0x71})
	if err != nil {
		t.Fatalf("DecodeDTCs() error: %v", err)
	}
	if len(dtcs) != 2 || dtcs[0] != 0x0301 || dtcs[1] != 0x1171 {
		t.Errorf("DecodeDTCs() = %04X", dtcs)
	}
}

func TestWriteChunkCodec(t *testing.T) {
	vals := []ParamValue{{ID: 0x0101, Raw: 1050}, {ID: 0x0102, Raw: -3}}
	payload := EncodeWriteChunk(7, vals)

	chunk, back, err := DecodeWriteChunkTarget(payload)
	if err != nil {
		t.Fatalf("DecodeWriteChunkTarget() error: %v", err)
	}
	if chunk != 7 {
		t.Errorf("chunk = %d, want 7", chunk)
	}
	if len(back) != 2 || back[0] != vals[0] || back[1] != vals[1] {
		t.Errorf("values = %+v, want %+v", back, vals)
	}

	ack, err := DecodeWriteChunkAck([]byte{0x00, 0x07})
	if err != nil {
		t.Fatalf("DecodeWriteChunkAck() error: %v", err)
	}
	if ack != 7 {
		t.Errorf("ack = %d, want 7", ack)
	}
	if _, err := DecodeWriteChunkAck([]byte{0x07}); err == nil {
		t.Error("DecodeWriteChunkAck() accepted a short payload")
	}
	if _, _, err := DecodeWriteChunkTarget([]byte{0x00}); err == nil {
		t.Error("DecodeWriteChunkTarget() accepted a short payload")
	}
}

func TestNegativeCodec(t *testing.T) {
	nre, err := DecodeNegative(EncodeNegative(TypeWriteChunk, NegConditionsNotCorrect))
	if err != nil {
		t.Fatalf("DecodeNegative() error: %v", err)
	}
	if nre.Request != TypeWriteChunk || nre.Code != NegConditionsNotCorrect {
		t.Errorf("DecodeNegative() = %+v", nre)
	}
	if _, err := DecodeNegative([]byte{0x21}); err == nil {
		t.Error("DecodeNegative() accepted a short payload")
	}
}
