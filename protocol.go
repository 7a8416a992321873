// Package phasorstream parses and assembles synchrophasor measurement frames for
// IEEE C37.118, IEEE 1344, BPA PDCstream, FNET, SEL Fast Message and Macrodyne streams.
package phasorstream

import (
	"fmt"
	"strings"
)

// Protocol identifies a synchrophasor wire protocol
type Protocol int

const (
	ProtocolIEEEC37118 Protocol = iota
	ProtocolIEEE1344
	ProtocolBPAPDCStream
	ProtocolFNET
	ProtocolSELFastMessage
	ProtocolMacrodyne
)

var protocolNames = map[Protocol]string{
	ProtocolIEEEC37118:     "ieee-c37.118",
	ProtocolIEEE1344:       "ieee-1344",
	ProtocolBPAPDCStream:   "bpa-pdcstream",
	ProtocolFNET:           "fnet",
	ProtocolSELFastMessage: "sel-fast-message",
	ProtocolMacrodyne:      "macrodyne",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

// ParseProtocol resolves a protocol name as printed by Protocol.String, case insensitive
func ParseProtocol(name string) (Protocol, error) {
	for p, n := range protocolNames {
		if strings.EqualFold(n, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown protocol %q", ErrInvalidParameter, name)
}

// CarriesIDCode reports whether every frame of the protocol names its source
func (p Protocol) CarriesIDCode() bool {
	return p == ProtocolIEEEC37118 || p == ProtocolFNET
}

// FrameType is the protocol independent kind of a frame
type FrameType int

const (
	FrameTypeData FrameType = iota
	FrameTypeConfiguration
	FrameTypeHeader
	FrameTypeCommand
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeData:
		return "data"
	case FrameTypeConfiguration:
		return "configuration"
	case FrameTypeHeader:
		return "header"
	case FrameTypeCommand:
		return "command"
	default:
		return fmt.Sprintf("frame_type(%d)", int(t))
	}
}

// ParsingState carries what a codec needs besides the bytes: the configuration
// bound to the source and, while cells are parsed, the header already decoded.
type ParsingState struct {
	Source uint64
	Config *Configuration
	Header FrameHeader
}

// Codec parses and assembles the frames of one protocol.
// Codecs hold no per-stream state and are safe for concurrent use.
type Codec interface {
	Protocol() Protocol

	// FrameLength returns the total length of the frame that starts at buf[0].
	// It returns 0 when more bytes are needed to tell and ErrInvalidFrame when
	// buf does not start with the protocol's sync pattern.
	FrameLength(buf []byte, state *ParsingState) (int, error)

	// SourceID extracts the source identifier from a frame image, if the protocol carries one.
	SourceID(buf []byte) (uint64, bool)

	ParseHeader(buf []byte, start int, state *ParsingState) (FrameHeader, error)

	// ParseCells decodes the cells following the header in state.Header and
	// returns them with the number of bytes consumed.
	ParseCells(buf []byte, start int, state *ParsingState) ([]Cell, int, error)

	// Unpack decodes one complete frame image, validating its checksum first.
	Unpack(buf []byte, state *ParsingState) (*Frame, error)

	// Pack assembles f and fills in its derived header fields and checksum.
	Pack(f *Frame) ([]byte, error)
}

// Codecs maps every supported protocol to its codec
type Codecs map[Protocol]Codec

// NewCodecs returns one codec per supported protocol
func NewCodecs() Codecs {
	return Codecs{
		ProtocolIEEEC37118:     NewC37118Codec(),
		ProtocolIEEE1344:       NewIEEE1344Codec(),
		ProtocolBPAPDCStream:   NewBPACodec(),
		ProtocolFNET:           NewFNETCodec(),
		ProtocolSELFastMessage: NewSELCodec(),
		ProtocolMacrodyne:      NewMacrodyneCodec(),
	}
}

// Get returns the codec of p
func (c Codecs) Get(p Protocol) (Codec, error) {
	codec, ok := c[p]
	if !ok {
		return nil, fmt.Errorf("%w: no codec for %s", ErrNotImpl, p)
	}
	return codec, nil
}

func needBytes(p Protocol, buf []byte, start, n int) error {
	if start < 0 || len(buf)-start < n {
		return fmt.Errorf("%s: %w: need %d bytes at offset %d, have %d", p, ErrInvalidSize, n, start, len(buf)-start)
	}
	return nil
}

func requireConfig(p Protocol, state *ParsingState) (*Configuration, error) {
	if state == nil || state.Config == nil {
		var source uint64
		if state != nil {
			source = state.Source
		}
		return nil, &UnknownSourceError{Protocol: p, Source: source}
	}
	return state.Config, nil
}
