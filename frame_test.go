package phasorstream

import (
	"math"
	"testing"
	"time"

	"github.com/JSchlarb/phasorstream/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetTimeWithQuality(t *testing.T) {
	var h FrameHeader
	h.SetTimeWithQuality(1700000000, 500000, "-", true, false, 5)

	assert.Equal(t, uint32(1700000000), h.SOC)
	assert.Equal(t, uint32(0x6507A120), h.FracSec)

	h.SetTimeWithQuality(1, 0x01FFFFFF, "+", false, true, 0xFF)
	assert.Equal(t, uint32(0x1FFFFFFF), h.FracSec)
}

func TestSetTimeDefaults(t *testing.T) {
	var h FrameHeader
	before := uint32(time.Now().Unix())
	h.SetTime(nil, nil)

	assert.GreaterOrEqual(t, h.SOC, before)
	assert.Equal(t, uint32(0x80000000), h.FracSec&0xFF000000)

	soc, frac := uint32(10), uint32(20)
	h.SetTime(&soc, &frac)
	assert.Equal(t, uint32(10), h.SOC)
	assert.Equal(t, uint32(20), h.FracSec)
}

func TestFrameTimestamp(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()

	cfg := NewConfiguration(ProtocolIEEEC37118, 1)
	f := &Frame{Header: FrameHeader{Protocol: ProtocolIEEEC37118, SOC: 1700000000, FracSec: 0x65000000 | 250000}, Config: cfg}
	assert.True(t, base.Add(250*time.Millisecond).Equal(f.Timestamp()), "quality bits are ignored")

	cfg.TimeBase = 1000
	f.Header.FracSec = 750
	assert.True(t, base.Add(750*time.Millisecond).Equal(f.Timestamp()))

	sel := &Frame{Header: FrameHeader{Protocol: ProtocolSELFastMessage, SOC: 1700000000, FracSec: 1500}}
	assert.True(t, base.Add(1500*time.Microsecond).Equal(sel.Timestamp()))

	bpa := NewConfiguration(ProtocolBPAPDCStream, 0)
	bpa.DataRate = 30
	f = &Frame{Header: FrameHeader{Protocol: ProtocolBPAPDCStream, SOC: 1700000000, SampleNumber: 15}, Config: bpa}
	assert.True(t, base.Add(500*time.Millisecond).Equal(f.Timestamp()))

	f.Config = nil
	assert.True(t, base.Equal(f.Timestamp()))
}

func TestPhasorConversions(t *testing.T) {
	v := PhasorValue{A: 2, B: math.Pi / 2}.Complex(true)
	assert.InDelta(t, 0, real(v), 1e-12)
	assert.InDelta(t, 2, imag(v), 1e-12)

	assert.Equal(t, complex(3, -4), PhasorValue{A: 3, B: -4}.Complex(false))

	p := PhasorFromComplex(complex(3, 4), true)
	assert.InDelta(t, 5, p.A, 1e-12)
	assert.InDelta(t, math.Atan2(4, 3), p.B, 1e-12)
	assert.Equal(t, PhasorValue{A: 3, B: 4}, PhasorFromComplex(complex(3, 4), false))
}

func TestFramePhasorUsesCellFormat(t *testing.T) {
	cfg := testC37118Config()
	f := testC37118DataFrame(cfg)

	polar := f.Phasor(0, 0)
	assert.InDelta(t, 30000, math.Hypot(real(polar), imag(polar)), 1e-9)

	rect := f.Phasor(1, 0)
	assert.Equal(t, f.Cells[1].Phasors[0].A, real(rect))
	assert.Equal(t, f.Cells[1].Phasors[0].B, imag(rect))
}

func TestCellDigitalBit(t *testing.T) {
	cfg := testC37118Config()
	c := NewCell(cfg.Cells[0])
	c.Digitals[0] = 0x8003

	assert.True(t, c.DigitalBit(0, 0))
	assert.True(t, c.DigitalBit(0, 1))
	assert.False(t, c.DigitalBit(0, 2))
	assert.True(t, c.DigitalBit(0, 15))
	assert.False(t, c.DigitalBit(0, 16))
	assert.False(t, c.DigitalBit(1, 0))
}

func TestNewCellShape(t *testing.T) {
	cfg := testC37118Config()
	c := NewCell(cfg.Cells[1])

	assert.Same(t, cfg.Cells[1], c.Config)
	assert.Len(t, c.Phasors, 1)
	assert.Len(t, c.Analogs, 1)
	assert.Empty(t, c.Digitals)
	assert.Equal(t, 50.0, c.Frequency)
}

func TestFrameAttributes(t *testing.T) {
	cfg := testC37118Config()
	f := testC37118DataFrame(cfg)
	_, err := NewC37118Codec().Pack(f)
	require.NoError(t, err)

	attrs := f.Attributes()
	assert.Equal(t, "ieee-c37.118", attrs["Protocol"])
	assert.Equal(t, "data", attrs["Frame Type"])
	assert.Equal(t, "7", attrs["ID Code"])
	assert.Equal(t, "2", attrs["Cell Count"])
	assert.Equal(t, "STATION A", attrs["Cell[0] Station"])
	assert.Equal(t, "true", attrs["Cell[0] Valid"])
	assert.Equal(t, "false", attrs["Cell[1] Valid"])
	assert.Equal(t, "60.125", attrs["Cell[0] Frequency"])
	assert.Equal(t, "2023-11-14T22:13:20.5Z", attrs["Timestamp"])

	hdr := NewHeaderFrame(7, "hello").Attributes()
	assert.Equal(t, "hello", hdr["Info"])

	cfgFrame := (&Frame{Header: FrameHeader{Type: FrameTypeConfiguration}, Config: cfg}).Attributes()
	assert.Equal(t, "2", cfgFrame["Configured Cells"])
	assert.Equal(t, "30", cfgFrame["Data Rate"])
}

func TestFrameMeasurements(t *testing.T) {
	cfg := testC37118Config()
	f := testC37118DataFrame(cfg)

	m := f.Measurements()
	assert.Equal(t, uint64(7), m["pmu_id"])
	assert.InDelta(t, 1700000000.5, m["time"], 1e-3)

	cells, ok := m["measurements"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, cells, 2)
	assert.Equal(t, "STATION A", cells[0]["station"])
	assert.Equal(t, uint16(7), cells[0]["stream_id"])
	assert.Equal(t, 60.125, cells[0]["frequency"])
	assert.Equal(t, 0.25, cells[0]["rocof"])
	assert.Equal(t, []uint16{0x0003}, cells[0]["digital"])
	assert.Equal(t, false, cells[1]["valid"])
	assert.Len(t, cells[1]["phasors"], 1)
}

func TestScaledIntegerClamping(t *testing.T) {
	assert.Equal(t, int16(math.MaxInt16), toInt16(1e9))
	assert.Equal(t, int16(math.MinInt16), toInt16(-1e9))
	assert.Equal(t, int16(-3), toInt16(-2.6))
	assert.Equal(t, uint16(0), toUint16(-5))
	assert.Equal(t, uint16(math.MaxUint16), toUint16(1e6))
	assert.Equal(t, uint16(42), toUint16(41.5))
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		kind ErrorKind
		name string
	}{
		{&ChecksumError{Protocol: ProtocolFNET, Expected: 1, Computed: 2}, KindChecksum, "checksum"},
		{&ProtocolMismatchError{Field: "PHNMR"}, KindProtocolMismatch, "protocol_mismatch"},
		{&UnknownSourceError{Source: 3}, KindUnknownSource, "unknown_source"},
		{&MalformedFramingError{Reason: "nested"}, KindMalformedFraming, "malformed_framing"},
		{&framing.MalformedError{Declared: 9, Limit: 8, Reason: "payload exceeds limit"}, KindMalformedFraming, "malformed_framing"},
		{&SizeError{Declared: 10, Actual: 8}, KindInvalidFrame, "invalid_frame"},
		{ErrInvalidParameter, KindInvalidArgument, "invalid_argument"},
		{ErrInvalidFrame, KindInvalidFrame, "invalid_frame"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.name, KindOf(tt.err).String())
		})
	}
}

func TestErrorMessages(t *testing.T) {
	err := &ChecksumError{Protocol: ProtocolSELFastMessage, Expected: 0x1234, Computed: 0xABCD}
	assert.Equal(t, "sel-fast-message: checksum check failed: frame carries 0x1234, computed 0xABCD", err.Error())

	mismatch := &ProtocolMismatchError{Protocol: ProtocolBPAPDCStream, Source: 4, Field: "cell count", Stream: 5, Configured: 3}
	assert.Equal(t,
		"bpa-pdcstream: stream/configuration mismatch for source 4: cell count (5) in stream does not match defined count in configuration (3)",
		mismatch.Error())

	size := &SizeError{Protocol: ProtocolIEEEC37118, Declared: 60, Actual: 52}
	assert.ErrorIs(t, size, ErrInvalidSize)
	assert.Contains(t, size.Error(), "declared 60 bytes, parsed 52")
}
