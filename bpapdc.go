package phasorstream

import (
	"fmt"

	"github.com/JSchlarb/phasorstream/checksum"
	"github.com/JSchlarb/phasorstream/endian"
)

// Channel flags, the first byte of every BPA PDCstream cell
const (
	BPAChannelInvalid     = 0x80
	BPATransmissionErrors = 0x40
	BPAPMUSynchronized    = 0x20
	BPASortedByArrival    = 0x10
	BPASortedByTimestamp  = 0x08
	BPAPDCExchangeFormat  = 0x04
	BPAMacrodyneFormat    = 0x02
	BPATimestampIncluded  = 0x01
)

// BPA PDCstream stream revisions; only the legacy revision carries a label table in data frames
const (
	BPARevisionLegacy = 0
	BPARevision1      = 1
	BPARevision2      = 2
)

const (
	bpaSync                   = 0xAA
	bpaPacketDescriptor       = 0x00
	bpaDataHeaderLength       = 12
	bpaLabelEntryLength       = 8
	bpaLabelLength            = 4
	bpaDescriptorHeaderLength = 14
	bpaDescriptorCellLength   = 18
	bpaBlockHeaderLength      = 4
)

// BPACodec implements BPA PDCstream descriptor (configuration) and data frames,
// including legacy label tables and PDC-exchange blocks.
type BPACodec struct {
	xor *checksum.Checksum
}

func NewBPACodec() *BPACodec {
	return &BPACodec{xor: checksum.NewXOR16()}
}

func (c *BPACodec) Protocol() Protocol {
	return ProtocolBPAPDCStream
}

// SourceID is not available; a BPA PDCstream connection carries a single source
func (c *BPACodec) SourceID([]byte) (uint64, bool) {
	return 0, false
}

func (c *BPACodec) FrameLength(buf []byte, _ *ParsingState) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if buf[0] != bpaSync {
		return 0, fmt.Errorf("%s: %w: sync byte 0x%02X", ProtocolBPAPDCStream, ErrInvalidFrame, buf[0])
	}
	if len(buf) < 4 {
		return 0, nil
	}
	size := 2 * int(endian.Big.Uint16(buf, 2))
	if size < bpaDataHeaderLength+checksum.Size {
		return 0, &SizeError{Protocol: ProtocolBPAPDCStream, Declared: size, Actual: bpaDataHeaderLength + checksum.Size}
	}
	return size, nil
}

func (c *BPACodec) ParseHeader(buf []byte, start int, state *ParsingState) (FrameHeader, error) {
	if err := needBytes(ProtocolBPAPDCStream, buf, start, 4); err != nil {
		return FrameHeader{}, err
	}
	if buf[start] != bpaSync {
		return FrameHeader{}, fmt.Errorf("%s: %w: sync byte 0x%02X", ProtocolBPAPDCStream, ErrInvalidFrame, buf[start])
	}

	be := endian.Big
	h := FrameHeader{
		Protocol:    ProtocolBPAPDCStream,
		Sync:        be.Uint16(buf, start),
		FrameLength: 2 * int(be.Uint16(buf, start+2)),
	}
	if buf[start+1] == bpaPacketDescriptor {
		h.Type = FrameTypeConfiguration
		return h, nil
	}

	h.Type = FrameTypeData
	if err := needBytes(ProtocolBPAPDCStream, buf, start, bpaDataHeaderLength); err != nil {
		return h, err
	}
	h.SOC = be.Uint32(buf, start+4)
	h.SampleNumber = be.Uint16(buf, start+8)
	h.CellCount = int(be.Uint16(buf, start+10))

	cfg, err := requireConfig(ProtocolBPAPDCStream, state)
	if err != nil {
		return h, err
	}
	if h.CellCount > len(cfg.Cells) {
		return h, &ProtocolMismatchError{Protocol: ProtocolBPAPDCStream, Source: state.Source,
			Field: "PMU count", Stream: h.CellCount, Configured: len(cfg.Cells)}
	}

	if cfg.Revision == BPARevisionLegacy {
		p := start + bpaDataHeaderLength
		if err := needBytes(ProtocolBPAPDCStream, buf, p, h.CellCount*bpaLabelEntryLength); err != nil {
			return h, err
		}
		h.Labels = make([]CellLabel, h.CellCount)
		for i := range h.Labels {
			h.Labels[i] = CellLabel{
				Label:    trimName(buf[p : p+bpaLabelLength]),
				Reserved: be.Uint16(buf, p+4),
				Offset:   be.Uint16(buf, p+6),
			}
			p += bpaLabelEntryLength
		}
	}
	return h, nil
}

func headerLengthBPA(h *FrameHeader) int {
	return bpaDataHeaderLength + bpaLabelEntryLength*len(h.Labels)
}

// ParseCells decodes state.Header.CellCount nominal cells. A nominal cell that is a
// PDC-exchange block expands into one cell per device it carries.
func (c *BPACodec) ParseCells(buf []byte, start int, state *ParsingState) ([]Cell, int, error) {
	cfg, err := requireConfig(ProtocolBPAPDCStream, state)
	if err != nil {
		return nil, 0, err
	}

	target := state.Header.CellCount
	cells := make([]Cell, 0, target)
	p := start

	for index := 0; index < target; {
		if err := needBytes(ProtocolBPAPDCStream, buf, p, 1); err != nil {
			return nil, 0, err
		}

		if buf[p]&BPAPDCExchangeFormat != 0 {
			block, sub, err := c.parseExchangeBlock(buf, p, index, cfg, state.Source)
			if err != nil {
				return nil, 0, err
			}
			cells = append(cells, sub...)
			p += block.Length
			index += block.Count
			target += block.Count - 1
			continue
		}

		if index >= len(cfg.Cells) {
			return nil, 0, &ProtocolMismatchError{Protocol: ProtocolBPAPDCStream, Source: state.Source,
				Field: "PMU count", Stream: index + 1, Configured: len(cfg.Cells)}
		}
		cc := cfg.Cells[index]
		cell, n, err := layoutFor(ProtocolBPAPDCStream, cc).decode(buf, p, cc)
		if err != nil {
			return nil, 0, err
		}
		cells = append(cells, cell)
		p += n
		index++
	}
	return cells, p - start, nil
}

func (c *BPACodec) parseExchangeBlock(buf []byte, p, index int, cfg *Configuration, source uint64) (*ExchangeBlock, []Cell, error) {
	if err := needBytes(ProtocolBPAPDCStream, buf, p, bpaBlockHeaderLength); err != nil {
		return nil, nil, err
	}
	block := &ExchangeBlock{
		Flags:  buf[p],
		Count:  int(buf[p+1]),
		Length: int(endian.Big.Uint16(buf, p+2)),
	}
	if block.Count == 0 {
		return nil, nil, &MalformedFramingError{Protocol: ProtocolBPAPDCStream, Offset: p,
			Reason: "PDC exchange block declares no devices"}
	}
	if block.Length < bpaBlockHeaderLength || block.Length > len(buf)-p {
		return nil, nil, &MalformedFramingError{Protocol: ProtocolBPAPDCStream, Offset: p,
			Reason: fmt.Sprintf("PDC exchange block length %d exceeds the %d bytes remaining", block.Length, len(buf)-p)}
	}
	if index+block.Count > len(cfg.Cells) {
		return nil, nil, &ProtocolMismatchError{Protocol: ProtocolBPAPDCStream, Source: source,
			Field: "PMU count", Stream: index + block.Count, Configured: len(cfg.Cells)}
	}

	end := p + block.Length
	cells := make([]Cell, 0, block.Count)
	q := p + bpaBlockHeaderLength
	for j := 0; j < block.Count; j++ {
		if q < end && buf[q]&BPAPDCExchangeFormat != 0 {
			return nil, nil, &MalformedFramingError{Protocol: ProtocolBPAPDCStream, Offset: q,
				Reason: "nested PDC exchange block"}
		}
		cc := cfg.Cells[index+j]
		cell, n, err := layoutFor(ProtocolBPAPDCStream, cc).decode(buf[:end], q, cc)
		if err != nil {
			return nil, nil, &MalformedFramingError{Protocol: ProtocolBPAPDCStream, Offset: q,
				Reason: fmt.Sprintf("device %d of %d overruns its PDC exchange block", j+1, block.Count)}
		}
		cell.Block = block
		cells = append(cells, cell)
		q += n
	}
	if q < end {
		block.Padding = append([]byte(nil), buf[q:end]...)
	}
	return block, cells, nil
}

func (c *BPACodec) Unpack(buf []byte, state *ParsingState) (*Frame, error) {
	if state == nil {
		state = &ParsingState{}
	}
	h, err := c.ParseHeader(buf, 0, state)
	if err != nil {
		return nil, err
	}

	minimum := bpaDescriptorHeaderLength + checksum.Size
	if h.Type == FrameTypeData {
		minimum = headerLengthBPA(&h) + checksum.Size
	}
	if h.FrameLength < minimum {
		return nil, &SizeError{Protocol: ProtocolBPAPDCStream, Declared: h.FrameLength, Actual: minimum}
	}
	if len(buf) < h.FrameLength {
		return nil, &SizeError{Protocol: ProtocolBPAPDCStream, Declared: h.FrameLength, Actual: len(buf)}
	}

	image := buf[:h.FrameLength]
	stored, computed, ok := c.xor.Verify(image)
	if !ok {
		return nil, &ChecksumError{Protocol: ProtocolBPAPDCStream, Expected: stored, Computed: computed}
	}

	f := &Frame{Header: h, Checksum: stored}
	body := image[:len(image)-checksum.Size]

	if h.Type == FrameTypeConfiguration {
		cfg, err := c.unpackDescriptor(body, &f.Header)
		if err != nil {
			return nil, err
		}
		f.Config = cfg
		return f, nil
	}

	state.Header = h
	hl := headerLengthBPA(&h)
	cells, n, err := c.ParseCells(body, hl, state)
	if err != nil {
		return nil, err
	}
	if parsed := hl + n + checksum.Size; parsed != h.FrameLength {
		return nil, &SizeError{Protocol: ProtocolBPAPDCStream, Declared: h.FrameLength, Actual: parsed}
	}
	f.Config = state.Config
	f.Cells = cells
	return f, nil
}

func (c *BPACodec) unpackDescriptor(body []byte, h *FrameHeader) (*Configuration, error) {
	be := endian.Big
	cfg := NewConfiguration(ProtocolBPAPDCStream, 0)
	cfg.StreamType = body[4]
	cfg.Revision = body[5]
	cfg.DataRate = be.Int16(body, 6)
	h.SOC = be.Uint32(body, 8)
	h.CellCount = int(be.Uint16(body, 12))

	p := bpaDescriptorHeaderLength
	for i := 0; i < h.CellCount; i++ {
		if err := needBytes(ProtocolBPAPDCStream, body, p, bpaDescriptorCellLength); err != nil {
			return nil, err
		}
		cc := &CellConfig{
			IDLabel: trimName(body[p : p+bpaLabelLength]),
			Format:  be.Uint16(body, p+8),
			Fnom:    be.Uint16(body, p+16),
		}
		phnmr := int(be.Uint16(body, p+10))
		annmr := int(be.Uint16(body, p+12))
		dgnmr := int(be.Uint16(body, p+14))
		p += bpaDescriptorCellLength

		if err := needBytes(ProtocolBPAPDCStream, body, p, 4*(phnmr+annmr+dgnmr)); err != nil {
			return nil, err
		}
		p = readUnits(body, p, cc, make([]string, phnmr), make([]string, annmr), make([]string, 16*dgnmr))
		cfg.AddCell(cc)
	}

	if p != len(body) {
		return nil, &SizeError{Protocol: ProtocolBPAPDCStream, Declared: h.FrameLength, Actual: p + checksum.Size}
	}
	return cfg, nil
}

func (c *BPACodec) Pack(f *Frame) ([]byte, error) {
	switch f.Header.Type {
	case FrameTypeConfiguration:
		return c.packDescriptor(f)
	case FrameTypeData:
		return c.packData(f)
	default:
		return nil, fmt.Errorf("%s: %w: %s frames are not defined", ProtocolBPAPDCStream, ErrInvalidParameter, f.Header.Type)
	}
}

func (c *BPACodec) packDescriptor(f *Frame) ([]byte, error) {
	cfg := f.Config
	if cfg == nil {
		return nil, fmt.Errorf("%s: %w: descriptor without configuration", ProtocolBPAPDCStream, ErrInvalidParameter)
	}

	be := endian.Big
	buf := make([]byte, 0, 128)
	buf = append(buf, bpaSync, bpaPacketDescriptor, 0, 0, cfg.StreamType, cfg.Revision)
	buf = be.AppendInt16(buf, cfg.DataRate)
	buf = be.AppendUint32(buf, f.Header.SOC)
	buf = be.AppendUint16(buf, uint16(len(cfg.Cells)))

	offset := 0
	for _, cc := range cfg.Cells {
		buf = append(buf, padTo(cc.IDLabel, bpaLabelLength)...)
		buf = be.AppendUint16(buf, 0)
		buf = be.AppendUint16(buf, uint16(offset))
		buf = be.AppendUint16(buf, cc.Format)
		buf = be.AppendUint16(buf, uint16(len(cc.Phasors)))
		buf = be.AppendUint16(buf, uint16(len(cc.Analogs)))
		buf = be.AppendUint16(buf, uint16(len(cc.Digitals)))
		buf = be.AppendUint16(buf, cc.Fnom)
		buf = appendUnits(buf, cc)
		offset += layoutFor(ProtocolBPAPDCStream, cc).length(cc)
	}

	return c.finish(f, buf, len(cfg.Cells))
}

// nominal is one entry of a data frame's cell table: a single device or a whole exchange block
type nominal struct {
	label  string
	offset int
}

func (c *BPACodec) packData(f *Frame) ([]byte, error) {
	if f.Config == nil {
		return nil, fmt.Errorf("%s: %w: data frame without configuration", ProtocolBPAPDCStream, ErrInvalidParameter)
	}

	var (
		body    = make([]byte, 0, 256)
		entries = make([]nominal, 0, len(f.Cells))
		err     error
	)
	for i := 0; i < len(f.Cells); {
		cell := &f.Cells[i]
		if cell.Config == nil {
			return nil, fmt.Errorf("%s: %w: cell %d has no configuration", ProtocolBPAPDCStream, ErrInvalidParameter, i)
		}
		entries = append(entries, nominal{label: cell.Config.IDLabel, offset: len(body)})

		if cell.Block == nil {
			if byte(cell.Flags>>8)&BPAPDCExchangeFormat != 0 {
				return nil, fmt.Errorf("%s: %w: cell %d flags a PDC exchange block it is not part of",
					ProtocolBPAPDCStream, ErrInvalidParameter, i)
			}
			if body, err = layoutFor(ProtocolBPAPDCStream, cell.Config).encode(body, cell); err != nil {
				return nil, err
			}
			i++
			continue
		}

		block := cell.Block
		j := i
		for j < len(f.Cells) && f.Cells[j].Block == block {
			j++
		}
		if body, err = c.appendBlock(body, block, f.Cells[i:j]); err != nil {
			return nil, err
		}
		i = j
	}

	legacy := f.Config.Revision == BPARevisionLegacy
	be := endian.Big
	buf := make([]byte, 0, bpaDataHeaderLength+len(entries)*bpaLabelEntryLength+len(body)+checksum.Size)
	packet := byte(f.Header.Sync)
	if packet == bpaPacketDescriptor {
		packet = 1
	}
	buf = append(buf, bpaSync, packet, 0, 0)
	buf = be.AppendUint32(buf, f.Header.SOC)
	buf = be.AppendUint16(buf, f.Header.SampleNumber)
	buf = be.AppendUint16(buf, uint16(len(entries)))

	var labels []CellLabel
	if legacy {
		labels = f.Header.Labels
		if len(labels) != len(entries) {
			labels = make([]CellLabel, len(entries))
			for i, e := range entries {
				labels[i] = CellLabel{Label: e.label, Offset: uint16(e.offset)}
			}
		}
		for _, l := range labels {
			buf = append(buf, padTo(l.Label, bpaLabelLength)...)
			buf = be.AppendUint16(buf, l.Reserved)
			buf = be.AppendUint16(buf, l.Offset)
		}
	}
	f.Header.Labels = labels

	buf = append(buf, body...)
	return c.finish(f, buf, len(entries))
}

// appendBlock encodes cells as one PDC exchange block. block is only read: its
// length and padding are honored, count and flags are derived from cells.
func (c *BPACodec) appendBlock(body []byte, block *ExchangeBlock, cells []Cell) ([]byte, error) {
	if len(cells) > 0xFF {
		return nil, fmt.Errorf("%s: %w: PDC exchange block of %d devices", ProtocolBPAPDCStream, ErrInvalidParameter, len(cells))
	}
	start := len(body)
	body = append(body, block.Flags|BPAPDCExchangeFormat, byte(len(cells)), 0, 0)

	var err error
	for k := range cells {
		cell := &cells[k]
		if cell.Config == nil || byte(cell.Flags>>8)&BPAPDCExchangeFormat != 0 {
			return nil, fmt.Errorf("%s: %w: device %d of a PDC exchange block is not a plain cell",
				ProtocolBPAPDCStream, ErrInvalidParameter, k)
		}
		if body, err = layoutFor(ProtocolBPAPDCStream, cell.Config).encode(body, cell); err != nil {
			return nil, err
		}
	}

	length := len(body) - start
	if pad := block.Length - length; pad > 0 {
		if len(block.Padding) == pad {
			body = append(body, block.Padding...)
		} else {
			body = append(body, make([]byte, pad)...)
		}
		length = block.Length
	}
	if length > 0xFFFF {
		return nil, fmt.Errorf("%s: %w: PDC exchange block of %d bytes", ProtocolBPAPDCStream, ErrInvalidSize, length)
	}
	endian.Big.PutUint16(body, start+2, uint16(length))
	return body, nil
}

// finish patches the word count, appends the checksum and fills in the derived header fields
func (c *BPACodec) finish(f *Frame, buf []byte, cells int) ([]byte, error) {
	size := len(buf) + checksum.Size
	if size%2 != 0 || size/2 > 0xFFFF {
		return nil, fmt.Errorf("%s: %w: frame of %d bytes is not a whole number of words", ProtocolBPAPDCStream, ErrInvalidSize, size)
	}
	endian.Big.PutUint16(buf, 2, uint16(size/2))
	buf, sum := c.xor.Append(buf)

	h := &f.Header
	h.Protocol = ProtocolBPAPDCStream
	h.Sync = endian.Big.Uint16(buf, 0)
	h.FrameLength = size
	h.CellCount = cells
	f.Checksum = sum
	return buf, nil
}
