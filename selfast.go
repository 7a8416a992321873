package phasorstream

import (
	"fmt"

	"github.com/JSchlarb/phasorstream/checksum"
	"github.com/JSchlarb/phasorstream/endian"
)

// SEL Fast Message function codes
const (
	SELFunctionCommand = 0x01
	SELFunctionData    = 0x20
)

const (
	selSync           = 0xA546
	selHeaderLength   = 14
	selMaxFrameLength = 0xFF
)

// SELCodec implements SEL Fast Message unsolicited data and command frames.
// A data frame carries one device with float polar phasors and a float frequency.
type SELCodec struct {
	crc *checksum.Checksum
}

func NewSELCodec() *SELCodec {
	return &SELCodec{crc: checksum.NewCRC16()}
}

func (c *SELCodec) Protocol() Protocol {
	return ProtocolSELFastMessage
}

// SourceID is not available; SEL Fast Message frames do not name their source
func (c *SELCodec) SourceID([]byte) (uint64, bool) {
	return 0, false
}

func (c *SELCodec) FrameLength(buf []byte, _ *ParsingState) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if buf[0] != selSync>>8 || (len(buf) > 1 && buf[1] != selSync&0xFF) {
		return 0, fmt.Errorf("%s: %w: sync 0x%02X", ProtocolSELFastMessage, ErrInvalidFrame, buf[0])
	}
	if len(buf) < 3 {
		return 0, nil
	}
	size := int(buf[2])
	if size < selHeaderLength+checksum.Size {
		return 0, &SizeError{Protocol: ProtocolSELFastMessage, Declared: size, Actual: selHeaderLength + checksum.Size}
	}
	return size, nil
}

func (c *SELCodec) ParseHeader(buf []byte, start int, state *ParsingState) (FrameHeader, error) {
	if err := needBytes(ProtocolSELFastMessage, buf, start, selHeaderLength); err != nil {
		return FrameHeader{}, err
	}
	be := endian.Big
	h := FrameHeader{
		Protocol:     ProtocolSELFastMessage,
		Sync:         be.Uint16(buf, start),
		FrameLength:  int(buf[start+2]),
		Flags:        uint16(buf[start+3]),
		SampleNumber: uint16(buf[start+5]),
		SOC:          be.Uint32(buf, start+6),
		FracSec:      be.Uint32(buf, start+10),
	}
	if h.Sync != selSync {
		return h, fmt.Errorf("%s: %w: sync 0x%04X", ProtocolSELFastMessage, ErrInvalidFrame, h.Sync)
	}

	switch buf[start+4] {
	case SELFunctionData:
		h.Type = FrameTypeData
		h.CellCount = 1
	case SELFunctionCommand:
		h.Type = FrameTypeCommand
	default:
		return h, fmt.Errorf("%s: %w: function code 0x%02X", ProtocolSELFastMessage, ErrInvalidFrame, buf[start+4])
	}
	if h.FrameLength < selHeaderLength+checksum.Size {
		return h, &SizeError{Protocol: ProtocolSELFastMessage, Declared: h.FrameLength, Actual: selHeaderLength + checksum.Size}
	}
	if state != nil && state.Config != nil {
		h.IDCode = state.Config.IDCode
	}
	return h, nil
}

func (c *SELCodec) ParseCells(buf []byte, start int, state *ParsingState) ([]Cell, int, error) {
	cfg, err := requireConfig(ProtocolSELFastMessage, state)
	if err != nil {
		return nil, 0, err
	}
	if len(cfg.Cells) != 1 {
		return nil, 0, &ProtocolMismatchError{Protocol: ProtocolSELFastMessage, Source: cfg.IDCode,
			Field: "device count", Stream: 1, Configured: len(cfg.Cells)}
	}
	cc := cfg.Cells[0]
	cell, n, err := layoutFor(ProtocolSELFastMessage, cc).decode(buf, start, cc)
	if err != nil {
		return nil, 0, err
	}
	return []Cell{cell}, n, nil
}

func (c *SELCodec) Unpack(buf []byte, state *ParsingState) (*Frame, error) {
	if state == nil {
		state = &ParsingState{}
	}
	h, err := c.ParseHeader(buf, 0, state)
	if err != nil {
		return nil, err
	}
	if len(buf) < h.FrameLength {
		return nil, &SizeError{Protocol: ProtocolSELFastMessage, Declared: h.FrameLength, Actual: len(buf)}
	}

	image := buf[:h.FrameLength]
	stored, computed, ok := c.crc.Verify(image)
	if !ok {
		return nil, &ChecksumError{Protocol: ProtocolSELFastMessage, Expected: stored, Computed: computed}
	}

	f := &Frame{Header: h, Checksum: stored}
	body := image[:len(image)-checksum.Size]

	switch h.Type {
	case FrameTypeData:
		state.Header = h
		cells, n, err := c.ParseCells(body, selHeaderLength, state)
		if err != nil {
			return nil, err
		}
		if parsed := selHeaderLength + n + checksum.Size; parsed != h.FrameLength {
			return nil, &SizeError{Protocol: ProtocolSELFastMessage, Declared: h.FrameLength, Actual: parsed}
		}
		f.Config = state.Config
		f.Cells = cells
	case FrameTypeCommand:
		if err := needBytes(ProtocolSELFastMessage, body, selHeaderLength, 2); err != nil {
			return nil, err
		}
		f.Command = endian.Big.Uint16(body, selHeaderLength)
		if ext := body[selHeaderLength+2:]; len(ext) > 0 {
			f.Extended = append([]byte(nil), ext...)
		}
	}
	return f, nil
}

func (c *SELCodec) Pack(f *Frame) ([]byte, error) {
	h := &f.Header
	var function byte
	switch h.Type {
	case FrameTypeData:
		function = SELFunctionData
	case FrameTypeCommand:
		function = SELFunctionCommand
	default:
		return nil, fmt.Errorf("%s: %w: %s frames are not defined", ProtocolSELFastMessage, ErrInvalidParameter, h.Type)
	}

	be := endian.Big
	buf := make([]byte, 0, 64)
	buf = be.AppendUint16(buf, selSync)
	buf = append(buf, 0, byte(h.Flags), function, byte(h.SampleNumber))
	buf = be.AppendUint32(buf, h.SOC)
	buf = be.AppendUint32(buf, h.FracSec)

	var err error
	switch h.Type {
	case FrameTypeData:
		if len(f.Cells) != 1 || f.Cells[0].Config == nil {
			return nil, fmt.Errorf("%s: %w: data frames carry exactly one configured device", ProtocolSELFastMessage, ErrInvalidParameter)
		}
		if buf, err = layoutFor(ProtocolSELFastMessage, f.Cells[0].Config).encode(buf, &f.Cells[0]); err != nil {
			return nil, err
		}
		h.CellCount = 1
	case FrameTypeCommand:
		buf = be.AppendUint16(buf, f.Command)
		buf = append(buf, f.Extended...)
	}

	size := len(buf) + checksum.Size
	if size > selMaxFrameLength {
		return nil, fmt.Errorf("%s: %w: frame of %d bytes", ProtocolSELFastMessage, ErrInvalidSize, size)
	}
	buf[2] = byte(size)
	buf, sum := c.crc.Append(buf)

	h.Protocol = ProtocolSELFastMessage
	h.Sync = selSync
	h.FrameLength = size
	f.Checksum = sum
	return buf, nil
}
