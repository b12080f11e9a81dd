package ecubus

import (
	"errors"
	"fmt"
	"time"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var ue unrecoverableError
	return !errors.As(err, &ue)
}

var (
	ErrNilAdapter            = errors.New("adapter is nil")
	ErrClosed                = errors.New("connection closed")
	ErrNotConnected          = errors.New("not connected")
	ErrDroppedFrame          = errors.New("adapter incoming channel full")
	ErrSendTimeout           = errors.New("timeout sending frame")
	ErrResponseChannelClosed = errors.New("response channel closed")
)

// ConnectKind classifies connection-level failures.
type ConnectKind int

const (
	DeviceNotFound ConnectKind = iota
	HandshakeTimeout
	HandshakeRejected
	HeartbeatLost
)

func (k ConnectKind) String() string {
	switch k {
	case DeviceNotFound:
		return "device-not-found"
	case HandshakeTimeout:
		return "handshake-timeout"
	case HandshakeRejected:
		return "handshake-rejected"
	case HeartbeatLost:
		return "heartbeat-lost"
	default:
		return "unknown"
	}
}

type ConnectError struct {
	Kind ConnectKind
	Port string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("connect %s: %s: %v", e.Port, e.Kind, e.Err)
	}
	return fmt.Sprintf("connect: %s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ProtoKind classifies wire-level failures raised by the codec.
type ProtoKind int

const (
	ChecksumMismatch ProtoKind = iota
	MalformedFrame
	UnexpectedResponse
	SequenceMismatch
)

func (k ProtoKind) String() string {
	switch k {
	case ChecksumMismatch:
		return "checksum-mismatch"
	case MalformedFrame:
		return "malformed-frame"
	case UnexpectedResponse:
		return "unexpected-response"
	case SequenceMismatch:
		return "sequence-mismatch"
	default:
		return "unknown"
	}
}

type ProtoError struct {
	Kind   ProtoKind
	Detail string
}

func (e *ProtoError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("protocol: %s", e.Kind)
	}
	return fmt.Sprintf("protocol: %s: %s", e.Kind, e.Detail)
}

func protoErr(kind ProtoKind, format string, args ...any) *ProtoError {
	return &ProtoError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// NegativeResponseError is returned when the ECU answers a request
// with an explicit refusal instead of data.
type NegativeResponseError struct {
	Request FrameType
	Code    uint8
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("negative response to %s: code 0x%02X", e.Request, e.Code)
}

type TimeoutError struct {
	Type    FrameType
	Seq     uint8
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout (%s) for seq 0x%02X", e.Type, e.Timeout, e.Seq)
}
