package phasorstream

import (
	"errors"
	"io"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recordingHandler struct {
	frames []*Frame
	kinds  []ErrorKind
}

func (h *recordingHandler) OnFrameParsed(f *Frame) {
	h.frames = append(h.frames, f)
}

func (h *recordingHandler) OnParseError(kind ErrorKind, _ error) {
	h.kinds = append(h.kinds, kind)
}

// c37118Stream returns a CFG-2 frame followed by n data frames
func c37118Stream(t *testing.T, n int) []byte {
	t.Helper()
	codec := NewC37118Codec()
	cfg := testC37118Config()

	stream, err := codec.Pack(&Frame{Header: FrameHeader{Type: FrameTypeConfiguration, IDCode: cfg.IDCode}, Config: cfg})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		f := testC37118DataFrame(cfg)
		f.Header.SOC += uint32(i)
		data, err := codec.Pack(f)
		require.NoError(t, err)
		stream = append(stream, data...)
	}
	return stream
}

func TestEngineChunkedStream(t *testing.T) {
	stream := c37118Stream(t, 3)

	for size := 1; size <= len(stream); size++ {
		registry := NewRegistry()
		e := NewEngine(NewC37118Codec(), registry, WithLogger(quietLogger()))

		var frames []*Frame
		for off := 0; off < len(stream); off += size {
			got, err := e.Feed(stream[off:min(off+size, len(stream))])
			require.NoError(t, err, "chunk size %d", size)
			frames = append(frames, got...)
		}

		require.Len(t, frames, 4, "chunk size %d", size)
		assert.Equal(t, FrameTypeConfiguration, frames[0].Header.Type)
		for i, f := range frames[1:] {
			assert.Equal(t, FrameTypeData, f.Header.Type)
			assert.Equal(t, uint32(1700000000+i), f.Header.SOC)
			assert.Len(t, f.Cells, 2)
			assert.Equal(t, uint64(1), f.Config.Version)
		}
		assert.Zero(t, e.Buffered())

		cfg, err := registry.Configuration(7)
		require.NoError(t, err)
		assert.Len(t, cfg.Cells, 2)
	}
}

func TestEngineResynchronizes(t *testing.T) {
	codec := NewC37118Codec()
	start, err := codec.Pack(NewCommandFrame(3, CmdStart))
	require.NoError(t, err)

	handler := &recordingHandler{}
	e := NewEngine(codec, nil, WithHandler(handler))

	input := append([]byte{0x00, 0x01, 0x02}, start...)
	frames, err := e.Feed(input)
	require.Len(t, frames, 1)
	assert.Equal(t, uint16(CmdStart), frames[0].Command)
	assert.ErrorIs(t, err, ErrInvalidFrame)
	assert.Contains(t, err.Error(), "skipped 3 bytes")

	assert.Equal(t, []ErrorKind{KindInvalidFrame}, handler.kinds)
	assert.Len(t, handler.frames, 1)
}

func TestEngineDropsCorruptFrame(t *testing.T) {
	codec := NewC37118Codec()
	command := func(cmd uint16) []byte {
		f := NewCommandFrame(3, cmd)
		f.Header.SOC, f.Header.FracSec = 1700000000, 0
		data, err := codec.Pack(f)
		require.NoError(t, err)
		return data
	}
	bad := command(CmdStop)
	bad[10] ^= 0xFF
	good := command(CmdCfg2)

	handler := &recordingHandler{}
	e := NewEngine(codec, nil, WithHandler(handler))
	frames, err := e.Feed(append(bad, good...))

	require.Len(t, frames, 1)
	assert.Equal(t, uint16(CmdCfg2), frames[0].Command)
	assert.ErrorIs(t, err, ErrChecksum)
	assert.Equal(t, []ErrorKind{KindChecksum}, handler.kinds)
	assert.Zero(t, e.Buffered())
}

func TestEngineFalseSyncInJunk(t *testing.T) {
	stream := c37118Stream(t, 10)
	registry := NewRegistry()
	handler := &recordingHandler{}
	e := NewEngine(NewC37118Codec(), registry, WithHandler(handler), WithLogger(quietLogger()))

	// 0xAA 0x01 reads as a data frame of 256 bytes that swallows the configuration
	input := append([]byte{0xAA, 0x01, 0x01, 0x00}, stream...)
	frames, err := e.Feed(input)

	require.Len(t, frames, 11)
	assert.Equal(t, FrameTypeConfiguration, frames[0].Header.Type)
	for _, f := range frames[1:] {
		assert.Equal(t, FrameTypeData, f.Header.Type)
		assert.Len(t, f.Cells, 2)
	}
	assert.ErrorIs(t, err, ErrChecksum)
	assert.Equal(t, []ErrorKind{KindChecksum}, handler.kinds)
	assert.Zero(t, e.Buffered())

	_, err = registry.Configuration(7)
	require.NoError(t, err)
}

func TestEngineRescansAfterUnknownSource(t *testing.T) {
	codec := NewMacrodyneCodec()
	header, err := codec.Pack(&Frame{Header: FrameHeader{Type: FrameTypeHeader, SOC: 1700000000}, Info: "Macrodyne 1690 unit 4"})
	require.NoError(t, err)

	// data frame of a device without configuration, its length is unknown
	data := []byte{0xAA, 0x01, 0x65, 0x53, 0xF1, 0x00, 0x00, 0x1E, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	handler := &recordingHandler{}
	e := NewEngine(codec, nil, WithHandler(handler), WithLogger(quietLogger()))
	frames, err := e.Feed(append(data, header...))

	assert.ErrorIs(t, err, ErrUnknownSource)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameTypeHeader, frames[0].Header.Type)
	assert.Equal(t, "Macrodyne 1690 unit 4", frames[0].Info)
	assert.Equal(t, []ErrorKind{KindUnknownSource}, handler.kinds)
	assert.Zero(t, e.Buffered())
}

func TestEngineUnknownSource(t *testing.T) {
	codec := NewC37118Codec()
	data, err := codec.Pack(testC37118DataFrame(testC37118Config()))
	require.NoError(t, err)

	handler := &recordingHandler{}
	e := NewEngine(codec, NewRegistry(), WithHandler(handler))
	frames, err := e.Feed(data)

	assert.Empty(t, frames)
	var unknown *UnknownSourceError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, uint64(7), unknown.Source)
	assert.Equal(t, ProtocolIEEEC37118, unknown.Protocol)
	assert.Equal(t, []ErrorKind{KindUnknownSource}, handler.kinds)
}

func TestEngineUnknownSourceWithoutLength(t *testing.T) {
	codec := NewIEEE1344Codec()
	cfg := singleCellConfig(ProtocolIEEE1344, 1344, "SUB")
	f := &Frame{Header: FrameHeader{Type: FrameTypeData}, Config: cfg, Cells: []Cell{NewCell(cfg.Cells[0])}}
	data, err := codec.Pack(f)
	require.NoError(t, err)

	e := NewEngine(codec, nil, WithSourceID(1344))
	_, err = e.Feed(data)
	assert.ErrorIs(t, err, ErrUnknownSource)
	assert.Zero(t, e.Buffered())

	registry := NewRegistry()
	registry.Update(1344, cfg)
	e = NewEngine(codec, registry, WithSourceID(1344))
	frames, err := e.Feed(data)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(1344), frames[0].Header.IDCode)
}

func TestEngineFrameLengthLimit(t *testing.T) {
	e := NewEngine(NewC37118Codec(), nil, WithMaxFrameLength(100))
	frames, err := e.Feed([]byte{0xAA, 0x31, 0x04, 0x00})

	assert.Empty(t, frames)
	assert.ErrorIs(t, err, ErrMalformedFraming)
	assert.ErrorIs(t, err, ErrInvalidFrame)
	assert.Zero(t, e.Buffered())
}

func TestEngineKeepsPartialFrame(t *testing.T) {
	stream := c37118Stream(t, 1)
	e := NewEngine(NewC37118Codec(), nil)

	frames, err := e.Feed(stream[:len(stream)-5])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.NotZero(t, e.Buffered())

	e.Reset()
	assert.Zero(t, e.Buffered())
}

func TestEngineConfigurationSnapshots(t *testing.T) {
	codec := NewBPACodec()
	registry := NewRegistry()
	e := NewEngine(codec, registry)

	cfg := testBPAConfig(BPARevision2)
	descriptor, err := codec.Pack(&Frame{Header: FrameHeader{Type: FrameTypeConfiguration}, Config: cfg})
	require.NoError(t, err)
	data, err := codec.Pack(&Frame{Header: FrameHeader{Type: FrameTypeData, SampleNumber: 1}, Config: cfg, Cells: testBPACells(cfg)})
	require.NoError(t, err)

	frames, err := e.Feed(append(append([]byte(nil), descriptor...), data...))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	first := frames[1]
	assert.Equal(t, uint64(1), first.Config.Version)
	assert.Len(t, first.Cells, 3)

	frames, err = e.Feed(descriptor)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(2), frames[0].Config.Version)

	current, err := registry.Configuration(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), current.Version)
	assert.Equal(t, uint64(1), first.Config.Version, "frames keep the snapshot they were parsed with")
}

func TestEngineFeedFrame(t *testing.T) {
	codec := NewIEEE1344Codec()
	data, err := codec.Pack(&Frame{Header: FrameHeader{Type: FrameTypeHeader}, Info: "unit 12"})
	require.NoError(t, err)

	var got []*Frame
	e := NewEngine(codec, nil, WithHandler(HandlerFuncs{Frame: func(f *Frame) { got = append(got, f) }}))
	f, err := e.FeedFrame(data)
	require.NoError(t, err)
	assert.Equal(t, "unit 12", f.Info)
	assert.Len(t, got, 1)

	var kinds []ErrorKind
	e = NewEngine(codec, nil, WithHandler(HandlerFuncs{Error: func(k ErrorKind, _ error) { kinds = append(kinds, k) }}))
	data[len(data)-1] ^= 0xFF
	_, err = e.FeedFrame(data)
	assert.True(t, errors.Is(err, ErrChecksum))
	assert.Equal(t, []ErrorKind{KindChecksum}, kinds)
}
