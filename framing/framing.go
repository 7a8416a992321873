// Package framing delimits messages on transports without message boundaries:
// every payload is prefixed with a 4-byte marker and its 4-byte big-endian length.
package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Marker starts every framed payload
var Marker = [4]byte{0xAA, 0xBB, 0xCC, 0xDD}

const (
	MarkerSize = len(Marker)
	HeaderSize = MarkerSize + 4

	// DefaultMaxPayload bounds the payload size the Reassembler accepts
	DefaultMaxPayload = 1 << 20
)

var (
	ErrMalformed   = errors.New("framing: malformed payload header")
	ErrIncomplete  = errors.New("framing: incomplete payload")
	ErrUnsupported = errors.New("framing: unsupported payload flags")
	ErrNegotiation = errors.New("framing: handshake negotiation failed")
)

// MalformedError reports a payload header that cannot be honored; the
// Reassembler drops it and resumes scanning after the offending marker.
type MalformedError struct {
	Declared int
	Limit    int
	Reason   string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: declared %d bytes, limit %d: %s", ErrMalformed, e.Declared, e.Limit, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

// AddHeader returns msg prefixed with the marker and its length
func AddHeader(msg []byte) []byte {
	out := make([]byte, HeaderSize, HeaderSize+len(msg))
	copy(out, Marker[:])
	binary.BigEndian.PutUint32(out[MarkerSize:], uint32(len(msg)))
	return append(out, msg...)
}

// GetSize returns the payload size declared by the header at the start of buf,
// or -1 when buf does not start with a complete header
func GetSize(buf []byte) int {
	if len(buf) < HeaderSize || !bytes.Equal(buf[:MarkerSize], Marker[:]) {
		return -1
	}
	return int(binary.BigEndian.Uint32(buf[MarkerSize:HeaderSize]))
}

// Retrieve returns the payload framed at the start of buf, or false while it is incomplete
func Retrieve(buf []byte) ([]byte, bool) {
	size := GetSize(buf)
	if size < 0 || len(buf)-HeaderSize < size {
		return nil, false
	}
	return buf[HeaderSize : HeaderSize+size], true
}

// WritePayload writes one framed payload to w
func WritePayload(w io.Writer, payload []byte) error {
	_, err := w.Write(AddHeader(payload))
	return err
}

// ReadPayload reads one framed payload from r. Bytes ahead of the marker are an error here;
// use a Reassembler for transports that may deliver junk.
func ReadPayload(r io.Reader, maxPayload int) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrIncomplete
		}
		return nil, err
	}
	size := GetSize(hdr[:])
	if size < 0 {
		return nil, &MalformedError{Declared: -1, Limit: maxPayload, Reason: "missing marker"}
	}
	if size > maxPayload {
		return nil, &MalformedError{Declared: size, Limit: maxPayload, Reason: "payload exceeds limit"}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrIncomplete
		}
		return nil, err
	}
	return payload, nil
}
