package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// State of a Reassembler
type State int

const (
	AwaitingHeader State = iota
	AccumulatingBody
	Complete // an emitted payload; the next step returns to AwaitingHeader
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting_header"
	case AccumulatingBody:
		return "accumulating_body"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Reassembler recovers framed payloads from arbitrarily split input.
// It belongs to a single receive path and is not safe for concurrent use.
type Reassembler struct {
	maxPayload int
	state      State
	pending    []byte
	payload    []byte
	received   int
}

// NewReassembler returns a Reassembler rejecting payloads above maxPayload bytes;
// maxPayload <= 0 selects DefaultMaxPayload
func NewReassembler(maxPayload int) *Reassembler {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reassembler{maxPayload: maxPayload}
}

func (r *Reassembler) State() State {
	return r.state
}

// Reset discards any partial payload
func (r *Reassembler) Reset() {
	r.state = AwaitingHeader
	r.pending = nil
	r.payload = nil
	r.received = 0
}

// Feed consumes data and returns every payload it completes, in order.
// Junk ahead of a marker is skipped. A header declaring more than the limit is
// reported as a *MalformedError and scanning resumes after its marker; the
// returned error joins all such reports while payloads found around them are still returned.
func (r *Reassembler) Feed(data []byte) ([][]byte, error) {
	var (
		payloads [][]byte
		errs     []error
	)

	for {
		if r.state == AccumulatingBody {
			n := copy(r.payload[r.received:], data)
			r.received += n
			data = data[n:]
			if r.received < len(r.payload) {
				break
			}
			payloads = append(payloads, r.payload)
			r.payload, r.received = nil, 0
			r.state = Complete
			continue
		}

		r.state = AwaitingHeader
		r.pending = append(r.pending, data...)
		data = nil
		if len(r.pending) == 0 {
			break
		}

		idx := bytes.Index(r.pending, Marker[:])
		if idx < 0 {
			r.pending = markerPrefixTail(r.pending)
			break
		}
		r.pending = r.pending[idx:]
		if len(r.pending) < HeaderSize {
			break
		}

		size := int(binary.BigEndian.Uint32(r.pending[MarkerSize:HeaderSize]))
		if size > r.maxPayload {
			errs = append(errs, &MalformedError{Declared: size, Limit: r.maxPayload, Reason: "payload exceeds limit"})
			r.pending = r.pending[1:]
			continue
		}

		r.payload = make([]byte, size)
		r.received = 0
		data = r.pending[HeaderSize:]
		r.pending = nil
		r.state = AccumulatingBody
	}

	return payloads, errors.Join(errs...)
}

// markerPrefixTail keeps the longest suffix of buf that may be the start of a marker
func markerPrefixTail(buf []byte) []byte {
	for k := min(len(buf), MarkerSize-1); k > 0; k-- {
		if bytes.Equal(buf[len(buf)-k:], Marker[:k]) {
			return append([]byte(nil), buf[len(buf)-k:]...)
		}
	}
	return nil
}
