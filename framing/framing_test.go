package framing

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddHeaderLayout(t *testing.T) {
	framed := AddHeader([]byte("abc"))

	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x00, 0x00, 0x00, 0x03, 'a', 'b', 'c'}, framed)
	assert.Equal(t, 3, GetSize(framed))

	payload, ok := Retrieve(framed)
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), payload)
}

func TestGetSizeIncomplete(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"marker only", Marker[:]},
		{"partial length", append(Marker[:], 0x00, 0x00)},
		{"wrong marker", []byte{0xAA, 0xBB, 0xCC, 0xDE, 0, 0, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, -1, GetSize(tt.buf))
			_, ok := Retrieve(tt.buf)
			assert.False(t, ok)
		})
	}
}

func TestRetrieveWaitsForBody(t *testing.T) {
	framed := AddHeader([]byte("hello"))
	_, ok := Retrieve(framed[:len(framed)-1])
	assert.False(t, ok)
}

func TestReassemblerMarkerOnlyIsIncomplete(t *testing.T) {
	r := NewReassembler(0)

	payloads, err := r.Feed(Marker[:])
	require.NoError(t, err)
	assert.Empty(t, payloads)
	assert.Equal(t, AwaitingHeader, r.State())
}

func TestReassemblerChunking(t *testing.T) {
	msg := bytes.Repeat([]byte("synchrophasor"), 9)
	framed := AddHeader(msg)

	for chunk := 1; chunk <= len(framed); chunk++ {
		r := NewReassembler(0)
		var got [][]byte
		for off := 0; off < len(framed); off += chunk {
			end := min(off+chunk, len(framed))
			payloads, err := r.Feed(framed[off:end])
			require.NoError(t, err, "chunk size %d", chunk)
			got = append(got, payloads...)
		}
		require.Len(t, got, 1, "chunk size %d", chunk)
		assert.Equal(t, msg, got[0], "chunk size %d", chunk)
		assert.Equal(t, AwaitingHeader, r.State(), "chunk size %d", chunk)
	}
}

func TestReassemblerBackToBack(t *testing.T) {
	var stream []byte
	stream = append(stream, 0x01, 0x02, 0xAA) // junk, including a partial marker byte
	stream = append(stream, AddHeader([]byte("first"))...)
	stream = append(stream, AddHeader(nil)...)
	stream = append(stream, AddHeader([]byte("third"))...)

	r := NewReassembler(0)
	payloads, err := r.Feed(stream)
	require.NoError(t, err)
	require.Len(t, payloads, 3)
	assert.Equal(t, []byte("first"), payloads[0])
	assert.Empty(t, payloads[1])
	assert.Equal(t, []byte("third"), payloads[2])
}

func TestReassemblerSplitMarker(t *testing.T) {
	framed := AddHeader([]byte("split"))
	r := NewReassembler(0)

	payloads, err := r.Feed(append([]byte{0x55}, framed[:2]...))
	require.NoError(t, err)
	assert.Empty(t, payloads)

	payloads, err = r.Feed(framed[2:])
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, []byte("split"), payloads[0])
}

func TestReassemblerOversizeRecovers(t *testing.T) {
	r := NewReassembler(16)

	bad := append(Marker[:0:0], Marker[:]...)
	bad = append(bad, 0x00, 0x01, 0x00, 0x00)
	stream := append(bad, AddHeader([]byte("ok"))...)

	payloads, err := r.Feed(stream)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))

	var malformed *MalformedError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, 65536, malformed.Declared)
	assert.Equal(t, 16, malformed.Limit)

	require.Len(t, payloads, 1)
	assert.Equal(t, []byte("ok"), payloads[0])
}

func TestReadWritePayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePayload(&buf, []byte("one")))
	require.NoError(t, WritePayload(&buf, []byte("two")))

	p, err := ReadPayload(&buf, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), p)
	p, err = ReadPayload(&buf, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), p)
}

func TestReadPayloadLimits(t *testing.T) {
	_, err := ReadPayload(bytes.NewReader(AddHeader(make([]byte, 32))), 16)
	assert.ErrorIs(t, err, ErrMalformed)

	framed := AddHeader([]byte("truncated"))
	_, err = ReadPayload(bytes.NewReader(framed[:len(framed)-2]), 64)
	assert.ErrorIs(t, err, ErrIncomplete)
}
