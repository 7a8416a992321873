package phasorstream

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	fnetStartByte      = 0x01
	fnetEndByte        = 0x00
	fnetElementCount   = 8
	fnetTimeLayout     = "010206150405" // MMDDYY HHMMSS
	fnetMaxFrameLength = 256
)

// FNETCodec implements the Virginia Tech FNET ASCII frame: a start byte, eight
// space separated elements and a terminating NUL. FNET frames carry no checksum.
//
//	unit date(MMDDYY) time(HHMMSS) sample analog frequency voltage angle
type FNETCodec struct{}

func NewFNETCodec() *FNETCodec {
	return &FNETCodec{}
}

func (c *FNETCodec) Protocol() Protocol {
	return ProtocolFNET
}

func (c *FNETCodec) FrameLength(buf []byte, _ *ParsingState) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if buf[0] != fnetStartByte {
		return 0, fmt.Errorf("%s: %w: start byte 0x%02X", ProtocolFNET, ErrInvalidFrame, buf[0])
	}
	end := bytes.IndexByte(buf, fnetEndByte)
	if end < 0 {
		if len(buf) > fnetMaxFrameLength {
			return 0, &MalformedFramingError{Protocol: ProtocolFNET, Offset: 0,
				Reason: fmt.Sprintf("no terminator within %d bytes", fnetMaxFrameLength)}
		}
		return 0, nil
	}
	return end + 1, nil
}

func (c *FNETCodec) SourceID(buf []byte) (uint64, bool) {
	fields, err := c.elements(buf, 0)
	if err != nil {
		return 0, false
	}
	unit, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return unit, true
}

// elements returns the text elements of the frame starting at start
func (c *FNETCodec) elements(buf []byte, start int) ([]string, error) {
	if start >= len(buf) || buf[start] != fnetStartByte {
		return nil, fmt.Errorf("%s: %w: missing start byte", ProtocolFNET, ErrInvalidFrame)
	}
	end := bytes.IndexByte(buf[start:], fnetEndByte)
	if end < 0 {
		return nil, fmt.Errorf("%s: %w: missing terminator", ProtocolFNET, ErrInvalidSize)
	}
	fields := strings.Fields(string(buf[start+1 : start+end]))
	if len(fields) != fnetElementCount {
		return nil, &MalformedFramingError{Protocol: ProtocolFNET, Offset: start,
			Reason: fmt.Sprintf("expected %d elements, got %d", fnetElementCount, len(fields))}
	}
	return fields, nil
}

func (c *FNETCodec) ParseHeader(buf []byte, start int, _ *ParsingState) (FrameHeader, error) {
	fields, err := c.elements(buf, start)
	if err != nil {
		return FrameHeader{}, err
	}
	unit, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return FrameHeader{}, fmt.Errorf("%s: %w: unit id %q", ProtocolFNET, ErrInvalidFrame, fields[0])
	}
	ts, err := time.ParseInLocation(fnetTimeLayout, fields[1]+fields[2], time.UTC)
	if err != nil {
		return FrameHeader{}, fmt.Errorf("%s: %w: timestamp %s %s", ProtocolFNET, ErrInvalidFrame, fields[1], fields[2])
	}
	sample, err := strconv.ParseUint(fields[3], 10, 16)
	if err != nil {
		return FrameHeader{}, fmt.Errorf("%s: %w: sample index %q", ProtocolFNET, ErrInvalidFrame, fields[3])
	}

	return FrameHeader{
		Protocol:     ProtocolFNET,
		Type:         FrameTypeData,
		IDCode:       unit,
		SOC:          uint32(ts.Unix()),
		SampleNumber: uint16(sample),
		FrameLength:  bytes.IndexByte(buf[start:], fnetEndByte) + 1,
		CellCount:    1,
	}, nil
}

// values parses the analog, frequency, voltage and angle elements
func (c *FNETCodec) values(fields []string) ([4]float64, error) {
	var values [4]float64
	for i := range values {
		v, err := strconv.ParseFloat(fields[4+i], 64)
		if err != nil {
			return values, fmt.Errorf("%s: %w: element %d %q", ProtocolFNET, ErrInvalidFrame, 5+i, fields[4+i])
		}
		values[i] = v
	}
	return values, nil
}

// ParseCells decodes the single cell of the frame starting at start
func (c *FNETCodec) ParseCells(buf []byte, start int, state *ParsingState) ([]Cell, int, error) {
	cfg, err := requireConfig(ProtocolFNET, state)
	if err != nil {
		return nil, 0, err
	}
	if len(cfg.Cells) != 1 || len(cfg.Cells[0].Phasors) == 0 || len(cfg.Cells[0].Analogs) == 0 {
		return nil, 0, &ProtocolMismatchError{Protocol: ProtocolFNET, Source: cfg.IDCode,
			Field: "device count", Stream: 1, Configured: len(cfg.Cells)}
	}
	fields, err := c.elements(buf, start)
	if err != nil {
		return nil, 0, err
	}
	values, err := c.values(fields)
	if err != nil {
		return nil, 0, err
	}

	cell := NewCell(cfg.Cells[0])
	cell.Analogs[0] = values[0]
	cell.Frequency = values[1]
	cell.Phasors[0] = PhasorValue{A: values[2], B: values[3]}
	return []Cell{cell}, bytes.IndexByte(buf[start:], fnetEndByte) + 1, nil
}

func (c *FNETCodec) Unpack(buf []byte, state *ParsingState) (*Frame, error) {
	if state == nil {
		state = &ParsingState{}
	}
	h, err := c.ParseHeader(buf, 0, state)
	if err != nil {
		return nil, err
	}
	state.Header = h
	cells, _, err := c.ParseCells(buf, 0, state)
	if err != nil {
		return nil, err
	}
	image := append([]byte(nil), buf[:h.FrameLength]...)
	return &Frame{Header: h, Config: state.Config, Cells: cells, Image: image}, nil
}

func formatFNET(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// unchanged reports whether image still encodes the header and values of f
func (c *FNETCodec) unchanged(f *Frame, image []byte) bool {
	h, err := c.ParseHeader(image, 0, nil)
	if err != nil || h.FrameLength != len(image) {
		return false
	}
	if h.IDCode != f.Header.IDCode || h.SOC != f.Header.SOC || h.SampleNumber != f.Header.SampleNumber {
		return false
	}
	fields, err := c.elements(image, 0)
	if err != nil {
		return false
	}
	values, err := c.values(fields)
	if err != nil {
		return false
	}
	cell := &f.Cells[0]
	return values == [4]float64{cell.Analogs[0], cell.Frequency, cell.Phasors[0].A, cell.Phasors[0].B}
}

// Pack returns the image a frame was parsed from while its values are unchanged, so
// padding and trailing zeros survive; otherwise it writes the canonical text form.
func (c *FNETCodec) Pack(f *Frame) ([]byte, error) {
	if f.Header.Type != FrameTypeData || len(f.Cells) != 1 {
		return nil, fmt.Errorf("%s: %w: FNET frames carry exactly one data cell", ProtocolFNET, ErrInvalidParameter)
	}
	cell := &f.Cells[0]
	if len(cell.Phasors) == 0 || len(cell.Analogs) == 0 {
		return nil, fmt.Errorf("%s: %w: cell needs one phasor and one analog value", ProtocolFNET, ErrInvalidParameter)
	}

	var buf []byte
	if len(f.Image) > 0 && c.unchanged(f, f.Image) {
		buf = append([]byte(nil), f.Image...)
	} else {
		ts := time.Unix(int64(f.Header.SOC), 0).UTC()
		stamp := ts.Format(fnetTimeLayout)
		text := strings.Join([]string{
			strconv.FormatUint(f.Header.IDCode, 10),
			stamp[:6],
			stamp[6:],
			strconv.Itoa(int(f.Header.SampleNumber)),
			formatFNET(cell.Analogs[0]),
			formatFNET(cell.Frequency),
			formatFNET(cell.Phasors[0].A),
			formatFNET(cell.Phasors[0].B),
		}, " ")

		buf = make([]byte, 0, len(text)+2)
		buf = append(buf, fnetStartByte)
		buf = append(buf, text...)
		buf = append(buf, fnetEndByte)
	}

	f.Header.Protocol = ProtocolFNET
	f.Header.FrameLength = len(buf)
	f.Header.CellCount = 1
	f.Image = append([]byte(nil), buf...)
	return buf, nil
}
