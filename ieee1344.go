package phasorstream

import (
	"fmt"

	"github.com/JSchlarb/phasorstream/checksum"
	"github.com/JSchlarb/phasorstream/endian"
)

// IEEE 1344 frame types, bits 15-13 of the sample count word
const (
	IEEE1344FrameData    = 0x0000
	IEEE1344FrameConfig  = 0x4000
	IEEE1344FrameHeader  = 0x6000
	IEEE1344FrameCommand = 0x8000

	ieee1344TypeMask   = 0xE000
	ieee1344SampleMask = 0x1FFF
)

const (
	ieee1344HeaderLength = 6
	// IDCODE(8) STN(16) PHNMR(2) DGNMR(2) after the common header
	ieee1344ConfigFixed = ieee1344HeaderLength + 28
)

// IEEE1344Codec implements IEEE 1344-1995 frames. Every data frame carries exactly one
// device with rectangular integer phasors and no analog values.
type IEEE1344Codec struct {
	crc *checksum.Checksum
}

func NewIEEE1344Codec() *IEEE1344Codec {
	return &IEEE1344Codec{crc: checksum.NewCRCCCITT()}
}

func (c *IEEE1344Codec) Protocol() Protocol {
	return ProtocolIEEE1344
}

func (c *IEEE1344Codec) syncless() {}

// SourceID is not available; IEEE 1344 frames do not name their source
func (c *IEEE1344Codec) SourceID([]byte) (uint64, bool) {
	return 0, false
}

func (c *IEEE1344Codec) FrameLength(buf []byte, state *ParsingState) (int, error) {
	if len(buf) < ieee1344HeaderLength {
		return 0, nil
	}
	switch endian.Big.Uint16(buf, 4) & ieee1344TypeMask {
	case IEEE1344FrameData:
		cfg, err := requireConfig(ProtocolIEEE1344, state)
		if err != nil {
			return 0, err
		}
		return c.dataLength(cfg)
	case IEEE1344FrameConfig:
		if len(buf) < ieee1344ConfigFixed {
			return 0, nil
		}
		phnmr := int(endian.Big.Uint16(buf, ieee1344ConfigFixed-4))
		dgnmr := int(endian.Big.Uint16(buf, ieee1344ConfigFixed-2))
		return configLength1344(phnmr, dgnmr), nil
	case IEEE1344FrameCommand:
		return ieee1344HeaderLength + 2 + checksum.Size, nil
	case IEEE1344FrameHeader:
		return 0, fmt.Errorf("%s: %w: header frames carry no length and need message boundaries",
			ProtocolIEEE1344, ErrNotImpl)
	default:
		return 0, fmt.Errorf("%s: %w: frame type bits 0x%04X", ProtocolIEEE1344, ErrInvalidFrame,
			endian.Big.Uint16(buf, 4)&ieee1344TypeMask)
	}
}

func configLength1344(phnmr, dgnmr int) int {
	return ieee1344ConfigFixed + 16*(phnmr+16*dgnmr) + 4*(phnmr+dgnmr) + 4 + checksum.Size
}

func (c *IEEE1344Codec) dataLength(cfg *Configuration) (int, error) {
	if len(cfg.Cells) != 1 {
		return 0, &ProtocolMismatchError{Protocol: ProtocolIEEE1344, Source: cfg.IDCode,
			Field: "device count", Stream: 1, Configured: len(cfg.Cells)}
	}
	cc := cfg.Cells[0]
	return ieee1344HeaderLength + layoutFor(ProtocolIEEE1344, cc).length(cc) + checksum.Size, nil
}

func (c *IEEE1344Codec) ParseHeader(buf []byte, start int, state *ParsingState) (FrameHeader, error) {
	if err := needBytes(ProtocolIEEE1344, buf, start, ieee1344HeaderLength); err != nil {
		return FrameHeader{}, err
	}
	be := endian.Big
	word := be.Uint16(buf, start+4)
	h := FrameHeader{
		Protocol:     ProtocolIEEE1344,
		SOC:          be.Uint32(buf, start),
		SampleNumber: word & ieee1344SampleMask,
	}

	var err error
	switch word & ieee1344TypeMask {
	case IEEE1344FrameData:
		h.Type = FrameTypeData
		cfg, cerr := requireConfig(ProtocolIEEE1344, state)
		if cerr != nil {
			return h, cerr
		}
		h.CellCount = 1
		h.IDCode = cfg.IDCode
		h.FrameLength, err = c.dataLength(cfg)
	case IEEE1344FrameConfig:
		h.Type = FrameTypeConfiguration
		h.FrameLength, err = c.FrameLength(buf[start:], state)
		if err == nil && h.FrameLength == 0 {
			err = needBytes(ProtocolIEEE1344, buf, start, ieee1344ConfigFixed)
		}
	case IEEE1344FrameHeader:
		h.Type = FrameTypeHeader
	case IEEE1344FrameCommand:
		h.Type = FrameTypeCommand
		h.FrameLength = ieee1344HeaderLength + 2 + checksum.Size
	default:
		err = fmt.Errorf("%s: %w: frame type bits 0x%04X", ProtocolIEEE1344, ErrInvalidFrame, word&ieee1344TypeMask)
	}
	return h, err
}

func (c *IEEE1344Codec) ParseCells(buf []byte, start int, state *ParsingState) ([]Cell, int, error) {
	cfg, err := requireConfig(ProtocolIEEE1344, state)
	if err != nil {
		return nil, 0, err
	}
	if _, err := c.dataLength(cfg); err != nil {
		return nil, 0, err
	}
	cc := cfg.Cells[0]
	cell, n, err := layoutFor(ProtocolIEEE1344, cc).decode(buf, start, cc)
	if err != nil {
		return nil, 0, err
	}
	return []Cell{cell}, n, nil
}

// Unpack decodes one frame. Header frames have no length field; the whole of buf is taken as the frame.
func (c *IEEE1344Codec) Unpack(buf []byte, state *ParsingState) (*Frame, error) {
	if state == nil {
		state = &ParsingState{}
	}
	h, err := c.ParseHeader(buf, 0, state)
	if err != nil {
		return nil, err
	}
	if h.Type == FrameTypeHeader {
		h.FrameLength = len(buf)
		if h.FrameLength < ieee1344HeaderLength+checksum.Size {
			return nil, &SizeError{Protocol: ProtocolIEEE1344, Declared: h.FrameLength, Actual: ieee1344HeaderLength + checksum.Size}
		}
	}
	if len(buf) < h.FrameLength {
		return nil, &SizeError{Protocol: ProtocolIEEE1344, Declared: h.FrameLength, Actual: len(buf)}
	}

	image := buf[:h.FrameLength]
	stored, computed, ok := c.crc.Verify(image)
	if !ok {
		return nil, &ChecksumError{Protocol: ProtocolIEEE1344, Expected: stored, Computed: computed}
	}

	f := &Frame{Header: h, Checksum: stored}
	body := image[:len(image)-checksum.Size]

	switch h.Type {
	case FrameTypeData:
		state.Header = h
		cells, _, err := c.ParseCells(body, ieee1344HeaderLength, state)
		if err != nil {
			return nil, err
		}
		f.Config = state.Config
		f.Cells = cells
	case FrameTypeHeader:
		f.Info = string(body[ieee1344HeaderLength:])
	case FrameTypeCommand:
		f.Command = endian.Big.Uint16(body, ieee1344HeaderLength)
	case FrameTypeConfiguration:
		f.Config = c.unpackConfig(body)
		f.Header.IDCode = f.Config.IDCode
	}
	return f, nil
}

func (c *IEEE1344Codec) unpackConfig(body []byte) *Configuration {
	be := endian.Big
	p := ieee1344HeaderLength
	cfg := NewConfiguration(ProtocolIEEE1344, be.Uint64(body, p))
	cc := &CellConfig{
		StationName: trimName(body[p+8 : p+24]),
		IDCode:      uint16(cfg.IDCode),
	}
	phnmr := int(be.Uint16(body, p+24))
	dgnmr := int(be.Uint16(body, p+26))
	p = ieee1344ConfigFixed

	phNames := readNames(body, p, phnmr)
	p += 16 * phnmr
	dgNames := readNames(body, p, 16*dgnmr)
	p += 16 * 16 * dgnmr

	cc.Analogs = make([]AnalogDefinition, 0)
	phasors := make([]PhasorDefinition, phnmr)
	for j, name := range phNames {
		unit := be.Uint32(body, p)
		phasors[j] = PhasorDefinition{Name: name, Type: uint8(unit >> 24), Factor: unit & 0x00FFFFFF}
		p += 4
	}
	cc.Phasors = phasors
	cc.Digitals = make([]DigitalDefinition, dgnmr)
	for j := range cc.Digitals {
		unit := be.Uint32(body, p)
		cc.Digitals[j] = DigitalDefinition{Names: dgNames[16*j : 16*j+16], NormalMask: uint16(unit >> 16), ValidMask: uint16(unit)}
		p += 4
	}

	cc.Fnom = be.Uint16(body, p) & FreqNom50Hz
	cfg.DataRate = be.Int16(body, p+2)
	cfg.AddCell(cc)
	return cfg
}

func (c *IEEE1344Codec) Pack(f *Frame) ([]byte, error) {
	h := &f.Header
	var kind uint16
	switch h.Type {
	case FrameTypeData:
		kind = IEEE1344FrameData
	case FrameTypeConfiguration:
		kind = IEEE1344FrameConfig
	case FrameTypeHeader:
		kind = IEEE1344FrameHeader
	case FrameTypeCommand:
		kind = IEEE1344FrameCommand
	default:
		return nil, fmt.Errorf("%s: %w: frame type %s", ProtocolIEEE1344, ErrInvalidParameter, h.Type)
	}

	be := endian.Big
	buf := make([]byte, 0, 64)
	buf = be.AppendUint32(buf, h.SOC)
	buf = be.AppendUint16(buf, kind|h.SampleNumber&ieee1344SampleMask)

	var err error
	switch h.Type {
	case FrameTypeData:
		if len(f.Cells) != 1 {
			return nil, fmt.Errorf("%s: %w: data frames carry exactly one device, got %d",
				ProtocolIEEE1344, ErrInvalidParameter, len(f.Cells))
		}
		cell := &f.Cells[0]
		if cell.Config == nil {
			return nil, fmt.Errorf("%s: %w: cell has no configuration", ProtocolIEEE1344, ErrInvalidParameter)
		}
		if len(cell.Config.Analogs) > 0 {
			return nil, fmt.Errorf("%s: %w: analog values are not supported", ProtocolIEEE1344, ErrInvalidParameter)
		}
		if buf, err = layoutFor(ProtocolIEEE1344, cell.Config).encode(buf, cell); err != nil {
			return nil, err
		}
		h.CellCount = 1
		if f.Config != nil {
			h.IDCode = f.Config.IDCode
		}
	case FrameTypeHeader:
		buf = append(buf, f.Info...)
	case FrameTypeCommand:
		buf = be.AppendUint16(buf, f.Command)
	case FrameTypeConfiguration:
		if buf, err = c.appendConfig(buf, f.Config); err != nil {
			return nil, err
		}
		h.IDCode = f.Config.IDCode
	}

	buf, sum := c.crc.Append(buf)
	h.Protocol = ProtocolIEEE1344
	h.FrameLength = len(buf)
	f.Checksum = sum
	return buf, nil
}

func (c *IEEE1344Codec) appendConfig(buf []byte, cfg *Configuration) ([]byte, error) {
	if cfg == nil || len(cfg.Cells) != 1 {
		return nil, fmt.Errorf("%s: %w: configuration must describe exactly one device", ProtocolIEEE1344, ErrInvalidParameter)
	}
	cc := cfg.Cells[0]
	if len(cc.Analogs) > 0 {
		return nil, fmt.Errorf("%s: %w: analog channels are not supported", ProtocolIEEE1344, ErrInvalidParameter)
	}
	be := endian.Big
	buf = be.AppendUint64(buf, cfg.IDCode)
	buf = appendNames(buf, cc.StationName)
	buf = be.AppendUint16(buf, uint16(len(cc.Phasors)))
	buf = be.AppendUint16(buf, uint16(len(cc.Digitals)))
	for _, ph := range cc.Phasors {
		buf = appendNames(buf, ph.Name)
	}
	for _, dg := range cc.Digitals {
		buf = appendNames(buf, digitalNames(dg)...)
	}
	buf = appendUnits(buf, cc)
	buf = be.AppendUint16(buf, cc.Fnom&FreqNom50Hz)
	return be.AppendInt16(buf, cfg.DataRate), nil
}
