package phasorstream

import (
	"fmt"

	"github.com/JSchlarb/phasorstream/checksum"
	"github.com/JSchlarb/phasorstream/endian"
)

// Macrodyne frame types, low nibble of the status byte
const (
	MacrodyneTypeData   = 0x01
	MacrodyneTypeHeader = 0x02
)

// MacrodyneDataInvalid is set in the header flags when the sample failed the device's own checks
const MacrodyneDataInvalid = 0x8000

const (
	macrodyneSync         = 0xAA
	macrodyneHeaderLength = 10
)

// MacrodyneCodec implements Macrodyne 1690 data and header frames.
// A data frame carries one device with rectangular integer phasors and no status word.
type MacrodyneCodec struct {
	sum *checksum.Checksum
}

func NewMacrodyneCodec() *MacrodyneCodec {
	return &MacrodyneCodec{sum: checksum.NewSum16()}
}

func (c *MacrodyneCodec) Protocol() Protocol {
	return ProtocolMacrodyne
}

// SourceID is not available; Macrodyne frames do not name their source
func (c *MacrodyneCodec) SourceID([]byte) (uint64, bool) {
	return 0, false
}

func (c *MacrodyneCodec) FrameLength(buf []byte, state *ParsingState) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if buf[0] != macrodyneSync {
		return 0, fmt.Errorf("%s: %w: sync byte 0x%02X", ProtocolMacrodyne, ErrInvalidFrame, buf[0])
	}
	if len(buf) < 2 {
		return 0, nil
	}
	switch buf[1] & 0x0F {
	case MacrodyneTypeData:
		cfg, err := requireConfig(ProtocolMacrodyne, state)
		if err != nil {
			return 0, err
		}
		return c.dataLength(cfg)
	case MacrodyneTypeHeader:
		if len(buf) < macrodyneHeaderLength+2 {
			return 0, nil
		}
		return macrodyneHeaderLength + 2 + int(endian.Big.Uint16(buf, macrodyneHeaderLength)) + checksum.Size, nil
	default:
		return 0, fmt.Errorf("%s: %w: frame type 0x%X", ProtocolMacrodyne, ErrInvalidFrame, buf[1]&0x0F)
	}
}

func (c *MacrodyneCodec) dataLength(cfg *Configuration) (int, error) {
	if len(cfg.Cells) != 1 {
		return 0, &ProtocolMismatchError{Protocol: ProtocolMacrodyne, Source: cfg.IDCode,
			Field: "device count", Stream: 1, Configured: len(cfg.Cells)}
	}
	cc := cfg.Cells[0]
	return macrodyneHeaderLength + layoutFor(ProtocolMacrodyne, cc).length(cc) + checksum.Size, nil
}

func (c *MacrodyneCodec) ParseHeader(buf []byte, start int, state *ParsingState) (FrameHeader, error) {
	if err := needBytes(ProtocolMacrodyne, buf, start, macrodyneHeaderLength); err != nil {
		return FrameHeader{}, err
	}
	if buf[start] != macrodyneSync {
		return FrameHeader{}, fmt.Errorf("%s: %w: sync byte 0x%02X", ProtocolMacrodyne, ErrInvalidFrame, buf[start])
	}
	be := endian.Big
	h := FrameHeader{
		Protocol:     ProtocolMacrodyne,
		Sync:         be.Uint16(buf, start),
		SOC:          be.Uint32(buf, start+2),
		SampleNumber: be.Uint16(buf, start+6),
		Flags:        be.Uint16(buf, start+8),
	}

	var err error
	switch buf[start+1] & 0x0F {
	case MacrodyneTypeData:
		h.Type = FrameTypeData
		h.CellCount = 1
		cfg, cerr := requireConfig(ProtocolMacrodyne, state)
		if cerr != nil {
			return h, cerr
		}
		h.IDCode = cfg.IDCode
		h.FrameLength, err = c.dataLength(cfg)
	case MacrodyneTypeHeader:
		h.Type = FrameTypeHeader
		if err = needBytes(ProtocolMacrodyne, buf, start, macrodyneHeaderLength+2); err == nil {
			h.FrameLength = macrodyneHeaderLength + 2 + int(be.Uint16(buf, start+macrodyneHeaderLength)) + checksum.Size
		}
	default:
		err = fmt.Errorf("%s: %w: frame type 0x%X", ProtocolMacrodyne, ErrInvalidFrame, buf[start+1]&0x0F)
	}
	return h, err
}

func (c *MacrodyneCodec) ParseCells(buf []byte, start int, state *ParsingState) ([]Cell, int, error) {
	cfg, err := requireConfig(ProtocolMacrodyne, state)
	if err != nil {
		return nil, 0, err
	}
	if _, err := c.dataLength(cfg); err != nil {
		return nil, 0, err
	}
	cc := cfg.Cells[0]
	cell, n, err := layoutFor(ProtocolMacrodyne, cc).decode(buf, start, cc)
	if err != nil {
		return nil, 0, err
	}
	return []Cell{cell}, n, nil
}

func (c *MacrodyneCodec) Unpack(buf []byte, state *ParsingState) (*Frame, error) {
	if state == nil {
		state = &ParsingState{}
	}
	h, err := c.ParseHeader(buf, 0, state)
	if err != nil {
		return nil, err
	}
	if len(buf) < h.FrameLength {
		return nil, &SizeError{Protocol: ProtocolMacrodyne, Declared: h.FrameLength, Actual: len(buf)}
	}

	image := buf[:h.FrameLength]
	stored, computed, ok := c.sum.Verify(image)
	if !ok {
		return nil, &ChecksumError{Protocol: ProtocolMacrodyne, Expected: stored, Computed: computed}
	}

	f := &Frame{Header: h, Checksum: stored}
	body := image[:len(image)-checksum.Size]
	switch h.Type {
	case FrameTypeData:
		state.Header = h
		cells, _, err := c.ParseCells(body, macrodyneHeaderLength, state)
		if err != nil {
			return nil, err
		}
		f.Config = state.Config
		f.Cells = cells
	case FrameTypeHeader:
		f.Info = string(body[macrodyneHeaderLength+2:])
	}
	return f, nil
}

func (c *MacrodyneCodec) Pack(f *Frame) ([]byte, error) {
	h := &f.Header
	var kind byte
	switch h.Type {
	case FrameTypeData:
		kind = MacrodyneTypeData
	case FrameTypeHeader:
		kind = MacrodyneTypeHeader
	default:
		return nil, fmt.Errorf("%s: %w: %s frames are not defined", ProtocolMacrodyne, ErrInvalidParameter, h.Type)
	}

	be := endian.Big
	buf := make([]byte, 0, 64)
	buf = append(buf, macrodyneSync, byte(h.Sync)&0xF0|kind)
	buf = be.AppendUint32(buf, h.SOC)
	buf = be.AppendUint16(buf, h.SampleNumber)
	buf = be.AppendUint16(buf, h.Flags)

	var err error
	switch h.Type {
	case FrameTypeData:
		if len(f.Cells) != 1 || f.Cells[0].Config == nil {
			return nil, fmt.Errorf("%s: %w: data frames carry exactly one configured device", ProtocolMacrodyne, ErrInvalidParameter)
		}
		if buf, err = layoutFor(ProtocolMacrodyne, f.Cells[0].Config).encode(buf, &f.Cells[0]); err != nil {
			return nil, err
		}
		h.CellCount = 1
	case FrameTypeHeader:
		if len(f.Info) > 0xFFFF {
			return nil, fmt.Errorf("%s: %w: header text of %d bytes", ProtocolMacrodyne, ErrInvalidSize, len(f.Info))
		}
		buf = be.AppendUint16(buf, uint16(len(f.Info)))
		buf = append(buf, f.Info...)
	}

	buf, sum := c.sum.Append(buf)
	h.Protocol = ProtocolMacrodyne
	h.Sync = be.Uint16(buf, 0)
	h.FrameLength = len(buf)
	f.Checksum = sum
	return buf, nil
}
