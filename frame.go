package ecubus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

// FrameType tags the logical operation a frame carries. Responses set
// the high bit of the request type, a convention shared with most
// request/response diagnostic protocols.
type FrameType uint8

const (
	TypeHandshake  FrameType = 0x01
	TypePing       FrameType = 0x02
	TypeReadPID    FrameType = 0x10
	TypeReadDTC    FrameType = 0x11
	TypeReadParam  FrameType = 0x20
	TypeWriteChunk FrameType = 0x21

	// TypeNegative is sent by the ECU in place of any response when it
	// refuses a request. Payload: original type + reason code.
	TypeNegative FrameType = 0x7F

	responseBit FrameType = 0x40
)

// Response returns the response type for a request type.
func (t FrameType) Response() FrameType {
	return t | responseBit
}

// IsResponse reports whether t is a response (or negative response) type.
func (t FrameType) IsResponse() bool {
	return t&responseBit != 0 || t == TypeNegative
}

// Request strips the response bit, yielding the originating request type.
func (t FrameType) Request() FrameType {
	return t &^ responseBit
}

func (t FrameType) String() string {
	var name string
	switch t.Request() {
	case TypeHandshake:
		name = "handshake"
	case TypePing:
		name = "ping"
	case TypeReadPID:
		name = "read-pid"
	case TypeReadDTC:
		name = "read-dtc"
	case TypeReadParam:
		name = "read-param"
	case TypeWriteChunk:
		name = "write-chunk"
	default:
		if t == TypeNegative {
			return "negative"
		}
		return fmt.Sprintf("unknown(0x%02X)", uint8(t))
	}
	if t != TypeNegative && t.IsResponse() {
		return name + "-resp"
	}
	return name
}

// Frame is one framed message on the wire. Seq correlates a response to
// its request; the codec assigns it on send and the ECU echoes it back.
type Frame struct {
	Type FrameType
	Seq  uint8
	Data []byte
}

// NewFrame creates a new Frame and copies the data slice
func NewFrame(t FrameType, data []byte) *Frame {
	d := make([]byte, len(data))
	copy(d, data)
	return &Frame{Type: t, Data: d}
}

// Length returns the payload length.
func (f *Frame) Length() int {
	return len(f.Data)
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *Frame) String() string {
	var out strings.Builder
	if f.Type.IsResponse() {
		out.WriteString("<i> || ")
	} else {
		out.WriteString("<o> || ")
	}
	out.WriteString(fmt.Sprintf("%-14s", f.Type.String()) + " || ")
	out.WriteString(fmt.Sprintf("#%02X", f.Seq) + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	var hexView strings.Builder
	for i, b := range f.Data {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(f.Data)-1 {
			hexView.WriteString(" ")
		}
	}
	out.WriteString(fmt.Sprintf("%-23s", hexView.String()))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Data))
	return out.String()
}

func (f *Frame) ColorString() string {
	var out strings.Builder
	if f.Type.IsResponse() {
		out.WriteString("<i> || ")
	} else {
		out.WriteString("<o> || ")
	}
	out.WriteString(green("%-14s", f.Type.String()) + " || ")
	out.WriteString(fmt.Sprintf("#%02X", f.Seq) + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	var hexView strings.Builder
	for i, b := range f.Data {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(f.Data)-1 {
			hexView.WriteString(" ")
		}
	}
	out.WriteString(red("%-23s", hexView.String()))
	out.WriteString(" || ")
	out.WriteString(yellow(onlyPrintable(f.Data)))
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 127 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
