package phasorstream

import (
	"fmt"

	"github.com/JSchlarb/phasorstream/checksum"
	"github.com/JSchlarb/phasorstream/endian"
)

// Sync byte constants
const (
	SyncAA   = 0xAA
	SyncData = 0x01
	SyncHdr  = 0x11
	SyncCfg1 = 0x21
	SyncCfg2 = 0x31
	SyncCmd  = 0x41
	SyncCfg3 = 0x51
)

// Command codes
const (
	CmdStop   = 0x01
	CmdStart  = 0x02
	CmdHeader = 0x03
	CmdCfg1   = 0x04
	CmdCfg2   = 0x05
	CmdCfg3   = 0x06
	CmdExt    = 0x08
)

// C37.118 frame type codes, bits 6-4 of the second sync byte
const (
	c37118TypeData   = 0
	c37118TypeHeader = 1
	c37118TypeCfg1   = 2
	c37118TypeCfg2   = 3
	c37118TypeCmd    = 4
	c37118TypeCfg3   = 5
)

const (
	c37118HeaderLength  = 14
	c37118StationFixed  = 30
	c37118MaxStations   = 1000
	c37118MaxFrameBytes = 0xFFFF
)

// C37118Codec implements IEEE C37.118-2005/2011 data, header, configuration (CFG-1, CFG-2) and command frames
type C37118Codec struct {
	crc *checksum.Checksum
}

func NewC37118Codec() *C37118Codec {
	return &C37118Codec{crc: checksum.NewCRCCCITT()}
}

func (c *C37118Codec) Protocol() Protocol {
	return ProtocolIEEEC37118
}

func (c *C37118Codec) FrameLength(buf []byte, _ *ParsingState) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if buf[0] != SyncAA {
		return 0, fmt.Errorf("%s: %w: sync byte 0x%02X", ProtocolIEEEC37118, ErrInvalidFrame, buf[0])
	}
	if len(buf) < 4 {
		return 0, nil
	}
	size := int(endian.Big.Uint16(buf, 2))
	if size < c37118HeaderLength+checksum.Size {
		return 0, &SizeError{Protocol: ProtocolIEEEC37118, Declared: size, Actual: c37118HeaderLength + checksum.Size}
	}
	return size, nil
}

func (c *C37118Codec) SourceID(buf []byte) (uint64, bool) {
	if len(buf) < 6 || buf[0] != SyncAA {
		return 0, false
	}
	return uint64(endian.Big.Uint16(buf, 4)), true
}

// GetFrameType extracts the C37.118 frame type code from byte data
func GetFrameType(data []byte) (int, error) {
	if len(data) < 2 {
		return -1, ErrInvalidSize
	}
	if data[0] != SyncAA {
		return -1, ErrInvalidFrame
	}
	return int(data[1]>>4) & 0x07, nil
}

func (c *C37118Codec) ParseHeader(buf []byte, start int, state *ParsingState) (FrameHeader, error) {
	if err := needBytes(ProtocolIEEEC37118, buf, start, c37118HeaderLength); err != nil {
		return FrameHeader{}, err
	}
	code, err := GetFrameType(buf[start:])
	if err != nil {
		return FrameHeader{}, fmt.Errorf("%s: %w", ProtocolIEEEC37118, err)
	}

	be := endian.Big
	h := FrameHeader{
		Protocol:    ProtocolIEEEC37118,
		Sync:        be.Uint16(buf, start),
		Version:     buf[start+1] & 0x0F,
		FrameLength: int(be.Uint16(buf, start+2)),
		IDCode:      uint64(be.Uint16(buf, start+4)),
		SOC:         be.Uint32(buf, start+6),
		FracSec:     be.Uint32(buf, start+10),
	}

	switch code {
	case c37118TypeData:
		h.Type = FrameTypeData
		if state != nil && state.Config != nil {
			h.CellCount = len(state.Config.Cells)
		}
	case c37118TypeHeader:
		h.Type = FrameTypeHeader
	case c37118TypeCfg1, c37118TypeCfg2:
		h.Type = FrameTypeConfiguration
	case c37118TypeCmd:
		h.Type = FrameTypeCommand
	case c37118TypeCfg3:
		return h, fmt.Errorf("%s: %w: CFG-3 frames", ProtocolIEEEC37118, ErrNotImpl)
	default:
		return h, fmt.Errorf("%s: %w: frame type code %d", ProtocolIEEEC37118, ErrInvalidFrame, code)
	}

	if h.FrameLength < c37118HeaderLength+checksum.Size {
		return h, &SizeError{Protocol: ProtocolIEEEC37118, Declared: h.FrameLength, Actual: c37118HeaderLength + checksum.Size}
	}
	return h, nil
}

func (c *C37118Codec) ParseCells(buf []byte, start int, state *ParsingState) ([]Cell, int, error) {
	cfg, err := requireConfig(ProtocolIEEEC37118, state)
	if err != nil {
		return nil, 0, err
	}
	cells := make([]Cell, 0, len(cfg.Cells))
	p := start
	for _, cc := range cfg.Cells {
		cell, n, err := layoutFor(ProtocolIEEEC37118, cc).decode(buf, p, cc)
		if err != nil {
			return nil, 0, err
		}
		cells = append(cells, cell)
		p += n
	}
	return cells, p - start, nil
}

func (c *C37118Codec) Unpack(buf []byte, state *ParsingState) (*Frame, error) {
	if state == nil {
		state = &ParsingState{}
	}
	h, err := c.ParseHeader(buf, 0, state)
	if err != nil {
		return nil, err
	}
	if len(buf) < h.FrameLength {
		return nil, &SizeError{Protocol: ProtocolIEEEC37118, Declared: h.FrameLength, Actual: len(buf)}
	}

	image := buf[:h.FrameLength]
	stored, computed, ok := c.crc.Verify(image)
	if !ok {
		return nil, &ChecksumError{Protocol: ProtocolIEEEC37118, Expected: stored, Computed: computed}
	}

	f := &Frame{Header: h, Checksum: stored}
	body := image[:len(image)-checksum.Size]

	switch h.Type {
	case FrameTypeData:
		state.Header = h
		cells, n, err := c.ParseCells(body, c37118HeaderLength, state)
		if err != nil {
			return nil, err
		}
		if parsed := c37118HeaderLength + n + checksum.Size; parsed != h.FrameLength {
			return nil, &SizeError{Protocol: ProtocolIEEEC37118, Declared: h.FrameLength, Actual: parsed}
		}
		f.Config = state.Config
		f.Cells = cells

	case FrameTypeHeader:
		f.Info = string(body[c37118HeaderLength:])

	case FrameTypeCommand:
		if err := needBytes(ProtocolIEEEC37118, body, c37118HeaderLength, 2); err != nil {
			return nil, err
		}
		f.Command = endian.Big.Uint16(body, c37118HeaderLength)
		if ext := body[c37118HeaderLength+2:]; len(ext) > 0 {
			f.Extended = append([]byte(nil), ext...)
		}

	case FrameTypeConfiguration:
		cfg, err := c.unpackConfig(body, h)
		if err != nil {
			return nil, err
		}
		f.Config = cfg
	}
	return f, nil
}

func (c *C37118Codec) unpackConfig(body []byte, h FrameHeader) (*Configuration, error) {
	if err := needBytes(ProtocolIEEEC37118, body, c37118HeaderLength, 6); err != nil {
		return nil, err
	}
	be := endian.Big
	p := c37118HeaderLength

	cfg := NewConfiguration(ProtocolIEEEC37118, h.IDCode)
	cfg.TimeBase = be.Uint32(body, p)
	numPMU := int(be.Uint16(body, p+4))
	p += 6

	if numPMU > c37118MaxStations {
		return nil, fmt.Errorf("%s: %w: %d stations", ProtocolIEEEC37118, ErrInvalidSize, numPMU)
	}
	cfg.Revision = 2
	if int(h.Sync&0x70)>>4 == c37118TypeCfg1 {
		cfg.Revision = 1
	}

	for i := 0; i < numPMU; i++ {
		cc, n, err := c.unpackStation(body, p)
		if err != nil {
			return nil, err
		}
		cfg.AddCell(cc)
		p += n
	}

	if err := needBytes(ProtocolIEEEC37118, body, p, 2); err != nil {
		return nil, err
	}
	cfg.DataRate = be.Int16(body, p)
	p += 2
	if parsed := p + checksum.Size; parsed != h.FrameLength {
		return nil, &SizeError{Protocol: ProtocolIEEEC37118, Declared: h.FrameLength, Actual: parsed}
	}
	return cfg, nil
}

// unpackStation reads a single PMU station starting at off and returns its encoded length
func (c *C37118Codec) unpackStation(buf []byte, off int) (*CellConfig, int, error) {
	if err := needBytes(ProtocolIEEEC37118, buf, off, 26); err != nil {
		return nil, 0, err
	}
	be := endian.Big
	cc := &CellConfig{
		StationName: trimName(buf[off : off+16]),
		IDCode:      be.Uint16(buf, off+16),
		Format:      be.Uint16(buf, off+18),
	}
	phnmr := int(be.Uint16(buf, off+20))
	annmr := int(be.Uint16(buf, off+22))
	dgnmr := int(be.Uint16(buf, off+24))

	if phnmr > 1000 || annmr > 1000 || dgnmr > 100 {
		return nil, 0, fmt.Errorf("%s: %w: station %q declares %d/%d/%d channels",
			ProtocolIEEEC37118, ErrInvalidSize, cc.StationName, phnmr, annmr, dgnmr)
	}

	n := c37118StationFixed + 16*(phnmr+annmr+16*dgnmr) + 4*(phnmr+annmr+dgnmr)
	if err := needBytes(ProtocolIEEEC37118, buf, off, n); err != nil {
		return nil, 0, err
	}

	p := off + 26
	phNames := readNames(buf, p, phnmr)
	p += 16 * phnmr
	anNames := readNames(buf, p, annmr)
	p += 16 * annmr
	dgNames := readNames(buf, p, 16*dgnmr)
	p += 16 * 16 * dgnmr

	p = readUnits(buf, p, cc, phNames, anNames, dgNames)

	cc.Fnom = be.Uint16(buf, p)
	cc.CfgCnt = be.Uint16(buf, p+2)
	return cc, n, nil
}

// readUnits reads PHUNIT, ANUNIT and DGUNIT words into cc and returns the offset past them
func readUnits(buf []byte, p int, cc *CellConfig, phNames, anNames, dgNames []string) int {
	be := endian.Big
	cc.Phasors = make([]PhasorDefinition, len(phNames))
	for j, name := range phNames {
		unit := be.Uint32(buf, p)
		cc.Phasors[j] = PhasorDefinition{Name: name, Type: uint8(unit >> 24), Factor: unit & 0x00FFFFFF}
		p += 4
	}
	cc.Analogs = make([]AnalogDefinition, len(anNames))
	for j, name := range anNames {
		unit := be.Uint32(buf, p)
		cc.Analogs[j] = AnalogDefinition{Name: name, Type: uint8(unit >> 24), Factor: unit & 0x00FFFFFF}
		p += 4
	}
	cc.Digitals = make([]DigitalDefinition, len(dgNames)/16)
	for j := range cc.Digitals {
		unit := be.Uint32(buf, p)
		cc.Digitals[j] = DigitalDefinition{
			Names:      dgNames[16*j : 16*j+16],
			NormalMask: uint16(unit >> 16),
			ValidMask:  uint16(unit),
		}
		p += 4
	}
	return p
}

// appendUnits writes PHUNIT, ANUNIT and DGUNIT words of cc
func appendUnits(dst []byte, cc *CellConfig) []byte {
	be := endian.Big
	for _, ph := range cc.Phasors {
		dst = be.AppendUint32(dst, ph.Unit())
	}
	for _, an := range cc.Analogs {
		dst = be.AppendUint32(dst, an.Unit())
	}
	for _, dg := range cc.Digitals {
		dst = be.AppendUint32(dst, dg.Unit())
	}
	return dst
}

func (c *C37118Codec) defaultSync(f *Frame) uint16 {
	switch f.Header.Type {
	case FrameTypeHeader:
		return SyncAA<<8 | SyncHdr
	case FrameTypeCommand:
		return SyncAA<<8 | SyncCmd
	case FrameTypeConfiguration:
		if f.Config != nil && f.Config.Revision == 1 {
			return SyncAA<<8 | SyncCfg1
		}
		return SyncAA<<8 | SyncCfg2
	default:
		return SyncAA<<8 | SyncData
	}
}

func (c *C37118Codec) Pack(f *Frame) ([]byte, error) {
	h := &f.Header
	sync := h.Sync
	if sync>>8 != SyncAA || (sync>>4)&0x07 != c.defaultSync(f)>>4&0x07 {
		sync = c.defaultSync(f)
	}

	be := endian.Big
	buf := make([]byte, 0, 64)
	buf = be.AppendUint16(buf, sync)
	buf = be.AppendUint16(buf, 0) // size, patched below
	buf = be.AppendUint16(buf, uint16(h.IDCode))
	buf = be.AppendUint32(buf, h.SOC)
	buf = be.AppendUint32(buf, h.FracSec)

	var err error
	switch h.Type {
	case FrameTypeData:
		for i := range f.Cells {
			cell := &f.Cells[i]
			if cell.Config == nil {
				return nil, fmt.Errorf("%s: %w: cell %d has no configuration", ProtocolIEEEC37118, ErrInvalidParameter, i)
			}
			if buf, err = layoutFor(ProtocolIEEEC37118, cell.Config).encode(buf, cell); err != nil {
				return nil, err
			}
		}
		h.CellCount = len(f.Cells)
	case FrameTypeHeader:
		buf = append(buf, f.Info...)
	case FrameTypeCommand:
		buf = be.AppendUint16(buf, f.Command)
		buf = append(buf, f.Extended...)
	case FrameTypeConfiguration:
		if f.Config == nil {
			return nil, fmt.Errorf("%s: %w: configuration frame without configuration", ProtocolIEEEC37118, ErrInvalidParameter)
		}
		buf = c.appendConfig(buf, f.Config)
	default:
		return nil, fmt.Errorf("%s: %w: frame type %s", ProtocolIEEEC37118, ErrInvalidParameter, h.Type)
	}

	size := len(buf) + checksum.Size
	if size > c37118MaxFrameBytes {
		return nil, fmt.Errorf("%s: %w: frame of %d bytes", ProtocolIEEEC37118, ErrInvalidSize, size)
	}
	be.PutUint16(buf, 2, uint16(size))

	buf, sum := c.crc.Append(buf)
	h.Protocol = ProtocolIEEEC37118
	h.Sync = sync
	h.Version = uint8(sync & 0x0F)
	h.FrameLength = size
	f.Checksum = sum
	return buf, nil
}

func (c *C37118Codec) appendConfig(buf []byte, cfg *Configuration) []byte {
	be := endian.Big
	buf = be.AppendUint32(buf, cfg.TimeBase)
	buf = be.AppendUint16(buf, uint16(len(cfg.Cells)))

	for _, cc := range cfg.Cells {
		buf = appendNames(buf, cc.StationName)
		buf = be.AppendUint16(buf, cc.IDCode)
		buf = be.AppendUint16(buf, cc.Format)
		buf = be.AppendUint16(buf, uint16(len(cc.Phasors)))
		buf = be.AppendUint16(buf, uint16(len(cc.Analogs)))
		buf = be.AppendUint16(buf, uint16(len(cc.Digitals)))

		for _, ph := range cc.Phasors {
			buf = appendNames(buf, ph.Name)
		}
		for _, an := range cc.Analogs {
			buf = appendNames(buf, an.Name)
		}
		// Digital: 16 names per digital word
		for _, dg := range cc.Digitals {
			buf = appendNames(buf, digitalNames(dg)...)
		}

		buf = appendUnits(buf, cc)
		buf = be.AppendUint16(buf, cc.Fnom)
		buf = be.AppendUint16(buf, cc.CfgCnt)
	}

	return be.AppendInt16(buf, cfg.DataRate)
}

// NewCommandFrame returns a C37.118 command frame addressed to idCode
func NewCommandFrame(idCode uint16, cmd uint16) *Frame {
	f := &Frame{Command: cmd}
	f.Header = FrameHeader{
		Protocol: ProtocolIEEEC37118,
		Type:     FrameTypeCommand,
		Sync:     SyncAA<<8 | SyncCmd,
		IDCode:   uint64(idCode),
	}
	f.Header.SetTime(nil, nil)
	return f
}

// NewHeaderFrame returns a C37.118 header frame carrying info
func NewHeaderFrame(idCode uint16, info string) *Frame {
	f := &Frame{Info: info}
	f.Header = FrameHeader{
		Protocol: ProtocolIEEEC37118,
		Type:     FrameTypeHeader,
		Sync:     SyncAA<<8 | SyncHdr,
		IDCode:   uint64(idCode),
	}
	return f
}
