package phasorstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleCellConfig(p Protocol, id uint64, name string) *Configuration {
	cfg := NewConfiguration(p, id)
	cfg.DataRate = 60
	cc := NewCellConfig(name, uint16(id), false, false, false, false)
	cc.AddPhasor("VA", 915527, PhunitVoltage)
	cc.AddPhasor("VB", 915527, PhunitVoltage)
	cc.AddDigital([]string{"TRIP"}, 0x0000, 0x0001)
	cfg.AddCell(cc)
	return cfg
}

func TestCodecTable(t *testing.T) {
	codecs := NewCodecs()
	assert.Len(t, codecs, 6)
	for p, codec := range codecs {
		assert.Equal(t, p, codec.Protocol())

		parsed, err := ParseProtocol(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}

	_, err := codecs.Get(Protocol(99))
	assert.ErrorIs(t, err, ErrNotImpl)

	_, err = ParseProtocol("dnp3")
	assert.ErrorIs(t, err, ErrInvalidParameter)

	p, err := ParseProtocol("BPA-PDCstream")
	require.NoError(t, err)
	assert.Equal(t, ProtocolBPAPDCStream, p)
	assert.True(t, ProtocolIEEEC37118.CarriesIDCode())
	assert.False(t, ProtocolMacrodyne.CarriesIDCode())
}

func TestIEEE1344ConfigRoundTrip(t *testing.T) {
	codec := NewIEEE1344Codec()
	cfg := singleCellConfig(ProtocolIEEE1344, 0x0102030405060708, "SUB 1344")
	cfg.Cells[0].IDCode = 0x0708
	cfg.Cells[0].Fnom = FreqNom50Hz

	f := &Frame{Header: FrameHeader{Type: FrameTypeConfiguration, SOC: 1700000000, SampleNumber: 2}, Config: cfg}
	data, err := codec.Pack(f)
	require.NoError(t, err)

	n, err := codec.FrameLength(data, nil)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	parsed, err := codec.Unpack(data, nil)
	require.NoError(t, err)
	assert.Equal(t, f.Header, parsed.Header)
	assert.Equal(t, cfg, parsed.Config)
	assert.Equal(t, uint64(0x0102030405060708), parsed.Header.IDCode)

	again, err := codec.Pack(parsed)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestIEEE1344DataRoundTrip(t *testing.T) {
	codec := NewIEEE1344Codec()
	cfg := singleCellConfig(ProtocolIEEE1344, 1344, "SUB 1344")

	f := &Frame{Header: FrameHeader{Type: FrameTypeData, SOC: 1700000000, SampleNumber: 17}, Config: cfg, Cells: []Cell{NewCell(cfg.Cells[0])}}
	cell := &f.Cells[0]
	cell.Phasors[0] = PhasorValue{A: 100 * 9.15527, B: 50 * 9.15527}
	cell.Phasors[1] = PhasorValue{A: -75 * 9.15527, B: 0}
	cell.Frequency = 59.99
	cell.DfDt = 0.02
	cell.Digitals[0] = 0x0001

	data, err := codec.Pack(f)
	require.NoError(t, err)

	n, err := codec.FrameLength(data, &ParsingState{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	parsed, err := codec.Unpack(data, &ParsingState{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, f.Header, parsed.Header)
	assert.Equal(t, uint64(1344), parsed.Header.IDCode)
	require.Len(t, parsed.Cells, 1)
	assert.InDelta(t, 59.99, parsed.Cells[0].Frequency, 1e-9)
	assert.InDelta(t, cell.Phasors[1].A, parsed.Cells[0].Phasors[1].A, 1e-6)
	assert.Equal(t, cell.Digitals, parsed.Cells[0].Digitals)

	again, err := codec.Pack(parsed)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	_, err = codec.FrameLength(data, nil)
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestIEEE1344RejectsSeveralDevices(t *testing.T) {
	codec := NewIEEE1344Codec()
	cfg := singleCellConfig(ProtocolIEEE1344, 1, "A")
	cfg.AddCell(NewCellConfig("B", 2, false, false, false, false))

	_, err := codec.FrameLength([]byte{0, 0, 0, 0, 0, 0}, &ParsingState{Config: cfg})
	var mismatch *ProtocolMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 2, mismatch.Configured)
}

func TestIEEE1344HeaderAndCommand(t *testing.T) {
	codec := NewIEEE1344Codec()

	header := &Frame{Header: FrameHeader{Type: FrameTypeHeader, SOC: 1700000000}, Info: "IEEE 1344 test unit"}
	data, err := codec.Pack(header)
	require.NoError(t, err)

	_, err = codec.FrameLength(data, nil)
	assert.ErrorIs(t, err, ErrNotImpl)

	parsed, err := codec.Unpack(data, nil)
	require.NoError(t, err)
	assert.Equal(t, "IEEE 1344 test unit", parsed.Info)
	assert.Equal(t, header.Header, parsed.Header)

	cmd := &Frame{Header: FrameHeader{Type: FrameTypeCommand, SOC: 1700000000}, Command: CmdStart}
	data, err = codec.Pack(cmd)
	require.NoError(t, err)
	assert.Len(t, data, 10)

	parsed, err = codec.Unpack(data, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(CmdStart), parsed.Command)
	assert.Equal(t, cmd.Header, parsed.Header)
}

func TestFNETRoundTrip(t *testing.T) {
	codec := NewFNETCodec()
	cfg := NewConfiguration(ProtocolFNET, 42)
	cfg.DataRate = 10
	cc := NewCellConfig("FDR 42", 42, true, true, true, true)
	cc.AddPhasor("V", 0, PhunitVoltage)
	cc.AddAnalog("ANALOG", 0, AnunitRMS)
	cfg.AddCell(cc)

	f := &Frame{Header: FrameHeader{Type: FrameTypeData, IDCode: 42, SOC: 1700000000, SampleNumber: 5}, Config: cfg, Cells: []Cell{NewCell(cc)}}
	f.Cells[0].Analogs[0] = 1.5
	f.Cells[0].Frequency = 60.0012
	f.Cells[0].Phasors[0] = PhasorValue{A: 121.875, B: 1.2345}

	data, err := codec.Pack(f)
	require.NoError(t, err)
	assert.Equal(t, "\x0142 111423 221320 5 1.5 60.0012 121.875 1.2345\x00", string(data))

	id, ok := codec.SourceID(data)
	require.True(t, ok)
	assert.Equal(t, uint64(42), id)

	parsed, err := codec.Unpack(data, &ParsingState{Source: id, Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, f, parsed)
	assert.True(t, parsed.CellValid(0))
	assert.True(t, time.Date(2023, 11, 14, 22, 13, 20, 500_000_000, time.UTC).Equal(parsed.Timestamp()))
}

func TestFNETParsesPaddedElements(t *testing.T) {
	codec := NewFNETCodec()
	cfg := NewConfiguration(ProtocolFNET, 7)
	cc := NewCellConfig("FDR 7", 7, true, true, true, true)
	cc.AddPhasor("V", 0, PhunitVoltage)
	cc.AddAnalog("ANALOG", 0, AnunitRMS)
	cfg.AddCell(cc)

	frame := []byte("\x017  111423  221320 0 0.000 59.9980  120.00 -0.50\x00junk")
	n, err := codec.FrameLength(frame, nil)
	require.NoError(t, err)
	assert.Equal(t, len(frame)-4, n)

	parsed, err := codec.Unpack(frame[:n], &ParsingState{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, 59.998, parsed.Cells[0].Frequency)
	assert.Equal(t, PhasorValue{A: 120, B: -0.5}, parsed.Cells[0].Phasors[0])

	again, err := codec.Pack(parsed)
	require.NoError(t, err)
	assert.Equal(t, frame[:n], again)

	parsed.Cells[0].Frequency = 60.002
	changed, err := codec.Pack(parsed)
	require.NoError(t, err)
	assert.Equal(t, "\x017 111423 221320 0 0 60.002 120 -0.5\x00", string(changed))
	assert.Equal(t, changed, parsed.Image)

	_, err = codec.Unpack([]byte("\x017 111423 221320\x00"), &ParsingState{Config: cfg})
	assert.ErrorIs(t, err, ErrMalformedFraming)
}

func TestSELRoundTrip(t *testing.T) {
	codec := NewSELCodec()
	cfg := NewConfiguration(ProtocolSELFastMessage, 311)
	cc := NewCellConfig("SEL-351", 311, true, true, true, true)
	cc.AddPhasor("VA", 0, PhunitVoltage)
	cc.AddPhasor("IA", 0, PhunitCurrent)
	cfg.AddCell(cc)

	f := &Frame{
		Header: FrameHeader{Type: FrameTypeData, IDCode: 311, SOC: 1700000000, FracSec: 250000, Flags: 0x40, SampleNumber: 9},
		Config: cfg,
		Cells:  []Cell{NewCell(cc)},
	}
	f.Cells[0].Phasors[0] = PhasorValue{A: 66400, B: 0.5}
	f.Cells[0].Phasors[1] = PhasorValue{A: 412.5, B: -0.25}
	f.Cells[0].Frequency = 60.03125

	data, err := codec.Pack(f)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA5, 0x46}, data[:2])
	assert.Equal(t, byte(len(data)), data[2])

	parsed, err := codec.Unpack(data, &ParsingState{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, f, parsed)
	assert.True(t, time.Unix(1700000000, 250_000_000).Equal(parsed.Timestamp()))

	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-3] ^= 0xFF
	_, err = codec.Unpack(tampered, &ParsingState{Config: cfg})
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestSELCommand(t *testing.T) {
	codec := NewSELCodec()
	f := &Frame{Header: FrameHeader{Type: FrameTypeCommand, SOC: 1700000000}, Command: 0x0102, Extended: []byte("ID")}

	data, err := codec.Pack(f)
	require.NoError(t, err)
	parsed, err := codec.Unpack(data, nil)
	require.NoError(t, err)
	assert.Equal(t, f, parsed)
}

func TestMacrodyneRoundTrip(t *testing.T) {
	codec := NewMacrodyneCodec()
	cfg := singleCellConfig(ProtocolMacrodyne, 1690, "MACRODYNE")

	f := &Frame{
		Header: FrameHeader{Type: FrameTypeData, IDCode: 1690, SOC: 1700000000, SampleNumber: 30, Flags: MacrodyneDataInvalid},
		Config: cfg,
		Cells:  []Cell{NewCell(cfg.Cells[0])},
	}
	f.Cells[0].Phasors[0] = PhasorValue{A: 3000 * 9.15527, B: -10 * 9.15527}
	f.Cells[0].Frequency = 60.5
	f.Cells[0].DfDt = 1.5

	data, err := codec.Pack(f)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xAA01), f.Header.Sync)

	parsed, err := codec.Unpack(data, &ParsingState{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, f.Header, parsed.Header)
	assert.InDelta(t, 60.5, parsed.Cells[0].Frequency, 1e-9)
	assert.InDelta(t, 1.5, parsed.Cells[0].DfDt, 1e-9)
	assert.False(t, parsed.CellValid(0))
	assert.True(t, time.Unix(1700000000, 500_000_000).Equal(parsed.Timestamp()))

	again, err := codec.Pack(parsed)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestMacrodyneHeaderFrame(t *testing.T) {
	codec := NewMacrodyneCodec()
	f := &Frame{Header: FrameHeader{Type: FrameTypeHeader, SOC: 1700000000}, Info: "Macrodyne 1690 unit 4"}

	data, err := codec.Pack(f)
	require.NoError(t, err)

	n, err := codec.FrameLength(data, nil)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	parsed, err := codec.Unpack(data, nil)
	require.NoError(t, err)
	assert.Equal(t, f, parsed)

	tampered := append([]byte(nil), data...)
	tampered[12] ^= 0x20
	_, err = codec.Unpack(tampered, nil)
	assert.ErrorIs(t, err, ErrChecksum)
}
