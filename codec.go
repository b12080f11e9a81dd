package ecubus

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/albenik/bcd"
)

// Wire format:
//
//	[SOH][length u16][type u8][seq u8][payload...][crc16 u16]
//
// length covers type+seq+payload, crc16 is CRC-16/CCITT over the same
// bytes. All multi-byte fields are big endian.
const (
	SOH        = 0x7E
	MaxPayload = 512

	headerLen  = 3 // SOH + length
	trailerLen = 2 // crc16
)

// crc16 implements CRC-16/CCITT-FALSE, poly 0x1021, init 0xFFFF.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Marshal encodes a frame into its wire representation.
func Marshal(f *Frame) ([]byte, error) {
	if len(f.Data) > MaxPayload {
		return nil, protoErr(MalformedFrame, "payload %d exceeds %d bytes", len(f.Data), MaxPayload)
	}
	body := make([]byte, 2, 2+len(f.Data))
	body[0] = byte(f.Type)
	body[1] = f.Seq
	body = append(body, f.Data...)

	out := make([]byte, 0, headerLen+len(body)+trailerLen)
	out = append(out, SOH)
	out = binary.BigEndian.AppendUint16(out, uint16(len(body)))
	out = append(out, body...)
	out = binary.BigEndian.AppendUint16(out, crc16(body))
	return out, nil
}

// Unmarshal decodes a single complete frame. The buffer must contain
// exactly one frame.
func Unmarshal(buf []byte) (*Frame, error) {
	if len(buf) < headerLen+2+trailerLen {
		return nil, protoErr(MalformedFrame, "frame too short: %d bytes", len(buf))
	}
	if buf[0] != SOH {
		return nil, protoErr(MalformedFrame, "bad start byte 0x%02X", buf[0])
	}
	length := int(binary.BigEndian.Uint16(buf[1:3]))
	if length < 2 || length > MaxPayload+2 {
		return nil, protoErr(MalformedFrame, "bad length field %d", length)
	}
	if len(buf) != headerLen+length+trailerLen {
		return nil, protoErr(MalformedFrame, "length field %d does not match frame size %d", length, len(buf))
	}
	body := buf[headerLen : headerLen+length]
	want := binary.BigEndian.Uint16(buf[headerLen+length:])
	if got := crc16(body); got != want {
		return nil, protoErr(ChecksumMismatch, "got 0x%04X want 0x%04X", got, want)
	}
	return &Frame{
		Type: FrameType(body[0]),
		Seq:  body[1],
		Data: append([]byte(nil), body[2:]...),
	}, nil
}

// Scanner reassembles frames from a byte stream. Feed bytes as they
// arrive, then drain Next until it returns nil.
type Scanner struct {
	buf bytes.Buffer
}

func (s *Scanner) Feed(p []byte) {
	s.buf.Write(p)
}

// Next pops the next complete frame from the stream. It returns
// (nil, nil) when more bytes are needed. A malformed or corrupt frame
// is dropped from the stream and reported; scanning can continue.
func (s *Scanner) Next() (*Frame, error) {
	// resync: discard garbage up to the next start byte
	for s.buf.Len() > 0 {
		if s.buf.Bytes()[0] == SOH {
			break
		}
		s.buf.ReadByte()
	}
	if s.buf.Len() < headerLen {
		return nil, nil
	}
	raw := s.buf.Bytes()
	length := int(binary.BigEndian.Uint16(raw[1:3]))
	if length < 2 || length > MaxPayload+2 {
		s.buf.ReadByte()
		return nil, protoErr(MalformedFrame, "bad length field %d", length)
	}
	total := headerLen + length + trailerLen
	if s.buf.Len() < total {
		return nil, nil
	}
	frame := make([]byte, total)
	s.buf.Read(frame)
	return Unmarshal(frame)
}

// Identity is what the ECU reports during handshake.
type Identity struct {
	Version  uint8
	Serial   string
	Firmware uint32
}

func (id Identity) String() string {
	return fmt.Sprintf("ECU %s fw 0x%08X proto v%d", id.Serial, id.Firmware, id.Version)
}

// PIDValue is one live sensor reading, raw fixed-point.
type PIDValue struct {
	PID uint16
	Raw int32
}

// ParamValue is one stored parameter value, raw fixed-point.
type ParamValue struct {
	ID  uint16
	Raw int32
}

// EncodeHandshake builds the handshake request payload.
func EncodeHandshake(version uint8) []byte {
	return []byte{version}
}

// DecodeIdentity parses a handshake response payload. The serial is
// four BCD-coded bytes, eight decimal digits.
func DecodeIdentity(data []byte) (Identity, error) {
	if len(data) != 9 {
		return Identity{}, protoErr(MalformedFrame, "handshake response: %d bytes", len(data))
	}
	return Identity{
		Version:  data[0],
		Serial:   fmt.Sprintf("%08d", bcd.ToUint32(data[1:5])),
		Firmware: binary.BigEndian.Uint32(data[5:9]),
	}, nil
}

// EncodeReadPID builds a read request for the given PIDs.
func EncodeReadPID(pids []uint16) []byte {
	out := make([]byte, 1, 1+2*len(pids))
	out[0] = byte(len(pids))
	for _, pid := range pids {
		out = binary.BigEndian.AppendUint16(out, pid)
	}
	return out
}

// DecodePIDValues parses a read-pid response payload.
func DecodePIDValues(data []byte) ([]PIDValue, error) {
	if len(data) < 1 {
		return nil, protoErr(MalformedFrame, "empty read-pid response")
	}
	count := int(data[0])
	if len(data) != 1+count*6 {
		return nil, protoErr(MalformedFrame, "read-pid response: %d entries in %d bytes", count, len(data))
	}
	out := make([]PIDValue, count)
	for i := 0; i < count; i++ {
		rec := data[1+i*6:]
		out[i] = PIDValue{
			PID: binary.BigEndian.Uint16(rec[0:2]),
			Raw: int32(binary.BigEndian.Uint32(rec[2:6])),
		}
	}
	return out, nil
}

// DecodeDTCs parses a read-dtc response payload into raw trouble codes.
func DecodeDTCs(data []byte) ([]uint16, error) {
	if len(data) < 1 {
		return nil, protoErr(MalformedFrame, "empty read-dtc response")
	}
	count := int(data[0])
	if len(data) != 1+count*2 {
		return nil, protoErr(MalformedFrame, "read-dtc response: %d codes in %d bytes", count, len(data))
	}
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		out[i] = binary.BigEndian.Uint16(data[1+i*2:])
	}
	return out, nil
}

// EncodeReadParam builds a read request for the given parameter ids.
func EncodeReadParam(ids []uint16) []byte {
	out := make([]byte, 1, 1+2*len(ids))
	out[0] = byte(len(ids))
	for _, id := range ids {
		out = binary.BigEndian.AppendUint16(out, id)
	}
	return out
}

// DecodeReadTargets parses a read-pid or read-param request payload.
// Used by devices, not callers.
func DecodeReadTargets(data []byte) ([]uint16, error) {
	if len(data) < 1 {
		return nil, protoErr(MalformedFrame, "empty read request")
	}
	count := int(data[0])
	if len(data) != 1+count*2 {
		return nil, protoErr(MalformedFrame, "read request: %d targets in %d bytes", count, len(data))
	}
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		out[i] = binary.BigEndian.Uint16(data[1+i*2:])
	}
	return out, nil
}

// DecodeParamValues parses a read-param response payload.
func DecodeParamValues(data []byte) ([]ParamValue, error) {
	if len(data) < 1 {
		return nil, protoErr(MalformedFrame, "empty read-param response")
	}
	count := int(data[0])
	if len(data) != 1+count*6 {
		return nil, protoErr(MalformedFrame, "read-param response: %d entries in %d bytes", count, len(data))
	}
	out := make([]ParamValue, count)
	for i := 0; i < count; i++ {
		rec := data[1+i*6:]
		out[i] = ParamValue{
			ID:  binary.BigEndian.Uint16(rec[0:2]),
			Raw: int32(binary.BigEndian.Uint32(rec[2:6])),
		}
	}
	return out, nil
}

// EncodeWriteChunk builds a flash write chunk. The chunk index lets the
// ECU discard a retried chunk it has already applied.
func EncodeWriteChunk(chunk uint16, vals []ParamValue) []byte {
	out := make([]byte, 0, 3+6*len(vals))
	out = binary.BigEndian.AppendUint16(out, chunk)
	out = append(out, byte(len(vals)))
	for _, v := range vals {
		out = binary.BigEndian.AppendUint16(out, v.ID)
		out = binary.BigEndian.AppendUint32(out, uint32(v.Raw))
	}
	return out
}

// DecodeWriteChunkTarget parses a write-chunk request payload. Used by
// devices, not callers.
func DecodeWriteChunkTarget(data []byte) (uint16, []ParamValue, error) {
	if len(data) < 3 {
		return 0, nil, protoErr(MalformedFrame, "write-chunk request: %d bytes", len(data))
	}
	chunk := binary.BigEndian.Uint16(data[0:2])
	count := int(data[2])
	if len(data) != 3+count*6 {
		return 0, nil, protoErr(MalformedFrame, "write-chunk request: %d entries in %d bytes", count, len(data))
	}
	vals := make([]ParamValue, count)
	for i := 0; i < count; i++ {
		rec := data[3+i*6:]
		vals[i] = ParamValue{
			ID:  binary.BigEndian.Uint16(rec[0:2]),
			Raw: int32(binary.BigEndian.Uint32(rec[2:6])),
		}
	}
	return chunk, vals, nil
}

// DecodeWriteChunkAck parses a write-chunk response payload.
func DecodeWriteChunkAck(data []byte) (uint16, error) {
	if len(data) != 2 {
		return 0, protoErr(MalformedFrame, "write-chunk ack: %d bytes", len(data))
	}
	return binary.BigEndian.Uint16(data), nil
}

// Negative response reason codes.
const (
	NegGeneralReject        = 0x10
	NegServiceNotSupported  = 0x11
	NegConditionsNotCorrect = 0x22
	NegRequestOutOfRange    = 0x31
)

// EncodeNegative builds a negative response payload.
func EncodeNegative(request FrameType, code uint8) []byte {
	return []byte{byte(request), code}
}

// DecodeNegative parses a negative response payload.
func DecodeNegative(data []byte) (*NegativeResponseError, error) {
	if len(data) != 2 {
		return nil, protoErr(MalformedFrame, "negative response: %d bytes", len(data))
	}
	return &NegativeResponseError{Request: FrameType(data[0]), Code: data[1]}, nil
}
