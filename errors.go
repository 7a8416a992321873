package phasorstream

import (
	"errors"
	"fmt"

	"github.com/JSchlarb/phasorstream/framing"
)

// Custom error types
var (
	ErrInvalidFrame     = errors.New("invalid frame")
	ErrInvalidSize      = errors.New("invalid size")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotImpl          = errors.New("function not implemented")
	ErrChecksum         = errors.New("checksum check failed")
	ErrProtocolMismatch = errors.New("stream/configuration mismatch")
	ErrUnknownSource    = errors.New("unknown source")
	ErrMalformedFraming = errors.New("malformed framing")
)

// ChecksumError reports a frame whose trailing checksum does not match its content.
// The frame is discarded, never repaired.
type ChecksumError struct {
	Protocol Protocol
	Expected uint16
	Computed uint16
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s: %s: frame carries 0x%04X, computed 0x%04X",
		e.Protocol, ErrChecksum, e.Expected, e.Computed)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksum }

// ProtocolMismatchError reports a count in the stream that the bound configuration cannot satisfy.
type ProtocolMismatchError struct {
	Protocol   Protocol
	Source     uint64
	Field      string
	Stream     int
	Configured int
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("%s: %s for source %d: %s (%d) in stream does not match defined count in configuration (%d)",
		e.Protocol, ErrProtocolMismatch, e.Source, e.Field, e.Stream, e.Configured)
}

func (e *ProtocolMismatchError) Unwrap() error { return ErrProtocolMismatch }

// UnknownSourceError reports a frame for which no configuration is registered.
type UnknownSourceError struct {
	Protocol Protocol
	Source   uint64
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("%s: %s: no configuration for source %d", e.Protocol, ErrUnknownSource, e.Source)
}

func (e *UnknownSourceError) Unwrap() error { return ErrUnknownSource }

// MalformedFramingError reports a structurally broken frame, block or payload.
// Err holds the payload framing error behind it, if any.
type MalformedFramingError struct {
	Protocol Protocol
	Offset   int
	Reason   string
	Err      error
}

func (e *MalformedFramingError) Error() string {
	return fmt.Sprintf("%s: %s at offset %d: %s", e.Protocol, ErrMalformedFraming, e.Offset, e.Reason)
}

func (e *MalformedFramingError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedFraming}
	}
	return []error{ErrMalformedFraming, e.Err}
}

// SizeError reports a declared frame length that disagrees with the parsed content.
type SizeError struct {
	Protocol Protocol
	Declared int
	Actual   int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s: %s: declared %d bytes, parsed %d", e.Protocol, ErrInvalidSize, e.Declared, e.Actual)
}

func (e *SizeError) Unwrap() error { return ErrInvalidSize }

// ErrorKind classifies parse failures for handlers and metrics.
type ErrorKind int

const (
	KindInvalidFrame ErrorKind = iota
	KindChecksum
	KindProtocolMismatch
	KindUnknownSource
	KindMalformedFraming
	KindInvalidArgument
)

func (k ErrorKind) String() string {
	switch k {
	case KindChecksum:
		return "checksum"
	case KindProtocolMismatch:
		return "protocol_mismatch"
	case KindUnknownSource:
		return "unknown_source"
	case KindMalformedFraming:
		return "malformed_framing"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return "invalid_frame"
	}
}

// KindOf maps an error returned by this package to its ErrorKind
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrChecksum):
		return KindChecksum
	case errors.Is(err, ErrProtocolMismatch):
		return KindProtocolMismatch
	case errors.Is(err, ErrUnknownSource):
		return KindUnknownSource
	case errors.Is(err, ErrMalformedFraming), errors.Is(err, framing.ErrMalformed):
		return KindMalformedFraming
	case errors.Is(err, ErrInvalidParameter):
		return KindInvalidArgument
	default:
		return KindInvalidFrame
	}
}
