package phasorstream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/JSchlarb/phasorstream/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenUDP(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func receiveFrame(t *testing.T, frames <-chan *Frame) *Frame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no frame received")
		return nil
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	key := make([]byte, framing.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	packager, err := framing.NewPackager(framing.Options{Compress: true, Key: key})
	require.NoError(t, err)

	serverConn := listenUDP(t)
	clientConn := listenUDP(t)

	frames := make(chan *Frame, 8)
	listener := NewDatagramListener(serverConn, NewC37118Codec(), NewRegistry(), packager,
		WithHandler(HandlerFuncs{Frame: func(f *Frame) { frames <- f }}))
	listener.SetLogger(quietLogger())
	listener.SetHandshake(framing.Handshake{
		Version:   framing.HandshakeVersion,
		Identity:  "pdc-east",
		Protocols: []string{"ieee-c37.118", "fnet"},
		Compress:  true,
		Encrypt:   true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- listener.Serve(ctx) }()

	writer := NewDatagramWriter(clientConn, serverConn.LocalAddr(), NewC37118Codec(), packager)
	writer.MaxDatagram = 16

	hctx, hcancel := context.WithTimeout(ctx, 5*time.Second)
	defer hcancel()
	agreed, err := writer.Handshake(hctx, framing.Handshake{
		Version:   framing.HandshakeVersion,
		Identity:  "pmu-7",
		Protocols: []string{"ieee-c37.118"},
		Compress:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, "pdc-east", agreed.Identity)
	assert.Equal(t, []string{"ieee-c37.118"}, agreed.Protocols)
	assert.True(t, agreed.Compress)
	assert.False(t, agreed.Encrypt)

	cfg := testC37118Config()
	n, err := writer.WriteFrame(&Frame{Header: FrameHeader{Type: FrameTypeConfiguration, IDCode: cfg.IDCode}, Config: cfg})
	require.NoError(t, err)
	assert.Greater(t, n, 16)

	got := receiveFrame(t, frames)
	assert.Equal(t, FrameTypeConfiguration, got.Header.Type)
	assert.Equal(t, uint64(1), got.Config.Version)

	_, err = writer.WriteFrame(testC37118DataFrame(cfg))
	require.NoError(t, err)

	got = receiveFrame(t, frames)
	assert.Equal(t, FrameTypeData, got.Header.Type)
	require.Len(t, got.Cells, 2)
	assert.Equal(t, 60.125, got.Cells[0].Frequency)
	assert.Equal(t, uint64(1), got.Config.Version)

	cancel()
	require.NoError(t, <-done)

	hs, ok := listener.PeerHandshake(clientConn.LocalAddr())
	require.True(t, ok)
	assert.Equal(t, "pdc-east", hs.Identity)
}

func TestDatagramPlainPayload(t *testing.T) {
	serverConn := listenUDP(t)
	clientConn := listenUDP(t)

	frames := make(chan *Frame, 1)
	listener := NewDatagramListener(serverConn, NewIEEE1344Codec(), nil, nil,
		WithHandler(HandlerFuncs{Frame: func(f *Frame) { frames <- f }}))
	listener.SetLogger(quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Serve(ctx) }()

	writer := NewDatagramWriter(clientConn, serverConn.LocalAddr(), NewIEEE1344Codec(), nil)
	assert.Contains(t, writer.String(), "ieee-1344 datagram writer to 127.0.0.1:")

	_, err := writer.WriteFrame(&Frame{Header: FrameHeader{Type: FrameTypeHeader}, Info: "feeder 9"})
	require.NoError(t, err)

	got := receiveFrame(t, frames)
	assert.Equal(t, FrameTypeHeader, got.Header.Type)
	assert.Equal(t, "feeder 9", got.Info)

	cancel()
	require.NoError(t, <-done)

	_, ok := listener.PeerHandshake(clientConn.LocalAddr())
	assert.False(t, ok)
}

func TestDatagramListenerReportsFramingErrors(t *testing.T) {
	var (
		kinds []ErrorKind
		errs  []error
	)
	handler := HandlerFuncs{Error: func(kind ErrorKind, err error) {
		kinds = append(kinds, kind)
		errs = append(errs, err)
	}}
	l := NewDatagramListener(nil, NewC37118Codec(), nil, nil, WithHandler(handler), WithLogger(quietLogger()))
	l.SetLogger(quietLogger())
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4713}

	l.receive(addr, append(framing.Marker[:], 0x7F, 0xFF, 0xFF, 0xFF))
	require.Equal(t, []ErrorKind{KindMalformedFraming}, kinds)
	var malformed *framing.MalformedError
	assert.ErrorAs(t, errs[0], &malformed)
	assert.ErrorIs(t, errs[0], ErrMalformedFraming)

	// compressed flag over bytes that are not s2 data
	l.receive(addr, framing.AddHeader([]byte{framing.FlagCompressed, 0xFF, 0xFF, 0xFF}))
	require.Equal(t, []ErrorKind{KindMalformedFraming, KindMalformedFraming}, kinds)
	assert.ErrorIs(t, errs[1], framing.ErrMalformed)

	// payload sealed with a key this listener does not have
	sealer, err := framing.NewPackager(framing.Options{Key: make([]byte, 32)})
	require.NoError(t, err)
	sealed, err := sealer.Seal([]byte{0xAA, 0x41})
	require.NoError(t, err)
	l.receive(addr, sealed)
	require.Len(t, kinds, 3)
	assert.Equal(t, KindMalformedFraming, kinds[2])
	assert.ErrorIs(t, errs[2], framing.ErrUnsupported)
}
