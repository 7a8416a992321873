package phasorstream

import (
	"fmt"
	"math"
	"math/cmplx"
	"strconv"
	"time"
)

// CellLabel is one entry of the BPA PDCstream legacy label table
type CellLabel struct {
	Label    string
	Reserved uint16
	Offset   uint16
}

// FrameHeader holds the common fields every protocol header maps onto
type FrameHeader struct {
	Protocol     Protocol
	Type         FrameType
	Sync         uint16
	Version      uint8
	IDCode       uint64
	SOC          uint32
	FracSec      uint32
	SampleNumber uint16
	Flags        uint16
	FrameLength  int
	CellCount    int
	Labels       []CellLabel
}

// SetTime sets SOC and FracSec, calculating them if not provided
func (h *FrameHeader) SetTime(soc *uint32, fracSec *uint32) {
	now := time.Now()

	if soc != nil {
		h.SOC = *soc
	} else {
		h.SOC = uint32(now.Unix())
	}

	if fracSec != nil {
		h.FracSec = *fracSec
	} else {
		fraction := uint32(now.Nanosecond() / 1000)
		h.FracSec = 0x80000000 | (fraction & 0x00FFFFFF)
	}
}

// SetTimeWithQuality sets SOC and a C37.118 FRACSEC carrying leap second and time quality bits
func (h *FrameHeader) SetTimeWithQuality(
	soc uint32, frSeconds uint32, leapDir string, leapOcc bool, leapPen bool, timeQuality uint8) {
	h.SOC = soc

	var q uint32
	// Bit 6: Leap second direction
	if leapDir == "-" {
		q |= 0x40
	}
	// Bit 5: Leap second occurred
	if leapOcc {
		q |= 0x20
	}
	// Bit 4: Leap second pending
	if leapPen {
		q |= 0x10
	}
	q |= uint32(timeQuality & 0x0F)

	h.FracSec = q<<24 | frSeconds&0x00FFFFFF
}

// ExchangeBlock describes a BPA PDC-exchange block: Count devices packed
// back to back in Length bytes, block header included. Padding holds the
// bytes between the last device and the declared end.
type ExchangeBlock struct {
	Flags   uint8
	Count   int
	Length  int
	Padding []byte
}

// PhasorValue is one phasor as carried on the wire, scaled to engineering units:
// magnitude and angle in radians for polar streams, real and imaginary otherwise.
type PhasorValue struct {
	A float64
	B float64
}

// Complex converts the phasor to a complex number
func (p PhasorValue) Complex(polar bool) complex128 {
	if polar {
		return cmplx.Rect(p.A, p.B)
	}
	return complex(p.A, p.B)
}

// PhasorFromComplex converts v to the given coordinate system
func PhasorFromComplex(v complex128, polar bool) PhasorValue {
	if polar {
		return PhasorValue{A: cmplx.Abs(v), B: cmplx.Phase(v)}
	}
	return PhasorValue{A: real(v), B: imag(v)}
}

// Cell is one device's measurements within a data frame
type Cell struct {
	Config    *CellConfig
	Flags     uint16
	Status    uint16
	Phasors   []PhasorValue
	Frequency float64
	DfDt      float64
	Analogs   []float64
	Digitals  []uint16
	Block     *ExchangeBlock
}

// NewCell returns a zero valued cell shaped by cc
func NewCell(cc *CellConfig) Cell {
	return Cell{
		Config:    cc,
		Phasors:   make([]PhasorValue, len(cc.Phasors)),
		Frequency: float64(cc.GetNominalFrequency()),
		Analogs:   make([]float64, len(cc.Analogs)),
		Digitals:  make([]uint16, len(cc.Digitals)),
	}
}

// DigitalBit reports bit of digital word
func (c *Cell) DigitalBit(word, bit int) bool {
	if word >= len(c.Digitals) || bit > 15 {
		return false
	}
	return c.Digitals[word]&(1<<uint(bit)) != 0
}

// Frame is a parsed frame of any protocol.
// Cells and Config are set for data frames, Config alone for configuration
// frames, Info for header frames and Command/Extended for command frames.
type Frame struct {
	Header   FrameHeader
	Config   *Configuration
	Cells    []Cell
	Command  uint16
	Extended []byte
	Info     string
	Checksum uint16
	// Image is the text frame as received, kept by codecs whose text form has more
	// than one spelling; Pack reuses it while the values still match
	Image []byte
}

func (f *Frame) polar(cc *CellConfig) bool {
	switch f.Header.Protocol {
	case ProtocolIEEEC37118, ProtocolBPAPDCStream:
		return cc != nil && cc.FormatCoord()
	case ProtocolFNET, ProtocolSELFastMessage:
		return true
	default:
		return false
	}
}

// Phasor returns phasor j of cell i as a complex number
func (f *Frame) Phasor(i, j int) complex128 {
	c := &f.Cells[i]
	return c.Phasors[j].Complex(f.polar(c.Config))
}

// Timestamp returns the measurement time of the frame
func (f *Frame) Timestamp() time.Time {
	sec := time.Unix(int64(f.Header.SOC), 0).UTC()
	switch f.Header.Protocol {
	case ProtocolIEEEC37118:
		base := uint32(1000000)
		if f.Config != nil && f.Config.TimeBase != 0 {
			base = f.Config.TimeBase
		}
		frac := float64(f.Header.FracSec&0x00FFFFFF) / float64(base)
		return sec.Add(time.Duration(frac * float64(time.Second)))
	case ProtocolSELFastMessage:
		return sec.Add(time.Duration(f.Header.FracSec) * time.Microsecond)
	default:
		if f.Config == nil || f.Config.DataRate <= 0 {
			return sec
		}
		frac := float64(f.Header.SampleNumber) / float64(f.Config.DataRate)
		return sec.Add(time.Duration(frac * float64(time.Second)))
	}
}

// CellValid reports whether cell i carries valid data according to its protocol's status bits
func (f *Frame) CellValid(i int) bool {
	if i < 0 || i >= len(f.Cells) {
		return false
	}
	c := &f.Cells[i]
	switch f.Header.Protocol {
	case ProtocolBPAPDCStream:
		return byte(c.Flags>>8)&BPAChannelInvalid == 0
	case ProtocolMacrodyne:
		return f.Header.Flags&MacrodyneDataInvalid == 0
	case ProtocolFNET:
		return true
	default:
		return c.Status&0xC000 == 0
	}
}

// Attributes returns a flat, human readable view of the frame for logging and inspection
func (f *Frame) Attributes() map[string]string {
	h := &f.Header
	attrs := map[string]string{
		"Protocol":      h.Protocol.String(),
		"Frame Type":    h.Type.String(),
		"ID Code":       strconv.FormatUint(h.IDCode, 10),
		"SOC":           strconv.FormatUint(uint64(h.SOC), 10),
		"Fraction":      fmt.Sprintf("0x%08X", h.FracSec),
		"Sample Number": strconv.Itoa(int(h.SampleNumber)),
		"Frame Length":  strconv.Itoa(h.FrameLength),
		"Cell Count":    strconv.Itoa(h.CellCount),
		"Checksum":      fmt.Sprintf("0x%04X", f.Checksum),
		"Timestamp":     f.Timestamp().Format(time.RFC3339Nano),
	}
	if h.Flags != 0 {
		attrs["Flags"] = fmt.Sprintf("0x%04X", h.Flags)
	}
	if len(h.Labels) > 0 {
		attrs["Label Table Entries"] = strconv.Itoa(len(h.Labels))
	}
	switch h.Type {
	case FrameTypeCommand:
		attrs["Command"] = fmt.Sprintf("0x%04X", f.Command)
	case FrameTypeHeader:
		attrs["Info"] = f.Info
	case FrameTypeConfiguration:
		if f.Config != nil {
			attrs["Configured Cells"] = strconv.Itoa(len(f.Config.Cells))
			attrs["Data Rate"] = strconv.Itoa(int(f.Config.DataRate))
		}
	}
	for i := range f.Cells {
		c := &f.Cells[i]
		prefix := fmt.Sprintf("Cell[%d] ", i)
		if c.Config != nil {
			attrs[prefix+"Station"] = c.Config.StationName
		}
		attrs[prefix+"Valid"] = strconv.FormatBool(f.CellValid(i))
		attrs[prefix+"Frequency"] = strconv.FormatFloat(c.Frequency, 'f', 3, 64)
		if c.Block != nil {
			attrs[prefix+"Exchange Block"] = fmt.Sprintf("%d devices, %d bytes", c.Block.Count, c.Block.Length)
		}
	}
	return attrs
}

// Measurements returns the measurements in a structured format
func (f *Frame) Measurements() map[string]interface{} {
	measurements := make([]map[string]interface{}, 0, len(f.Cells))

	for i := range f.Cells {
		c := &f.Cells[i]
		phasors := make([]complex128, len(c.Phasors))
		for j := range c.Phasors {
			phasors[j] = f.Phasor(i, j)
		}
		measurement := map[string]interface{}{
			"stat":      c.Status,
			"valid":     f.CellValid(i),
			"phasors":   phasors,
			"analog":    c.Analogs,
			"digital":   c.Digitals,
			"frequency": c.Frequency,
			"rocof":     c.DfDt,
		}
		if c.Config != nil {
			measurement["stream_id"] = c.Config.IDCode
			measurement["station"] = c.Config.StationName
		}
		measurements = append(measurements, measurement)
	}

	ts := f.Timestamp()
	return map[string]interface{}{
		"pmu_id":       f.Header.IDCode,
		"time":         float64(ts.UnixNano()) / float64(time.Second),
		"measurements": measurements,
	}
}

func toInt16(v float64) int16 {
	r := math.Round(v)
	switch {
	case r > math.MaxInt16:
		return math.MaxInt16
	case r < math.MinInt16:
		return math.MinInt16
	}
	return int16(r)
}

func toUint16(v float64) uint16 {
	r := math.Round(v)
	switch {
	case r > math.MaxUint16:
		return math.MaxUint16
	case r < 0:
		return 0
	}
	return uint16(r)
}
