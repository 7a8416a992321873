package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var checkInput = []byte("123456789")

func TestKnownValues(t *testing.T) {
	tests := []struct {
		name string
		c    *Checksum
		want uint16
	}{
		{"crc-ccitt", NewCRCCCITT(), 0x29B1},
		{"crc-16", NewCRC16(), 0xBB3D},
		{"sum-16", NewSum16(), 0x01DD},
		{"xor-16", NewXOR16(), 0x3132 ^ 0x3334 ^ 0x3536 ^ 0x3738 ^ 0x3900},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.c.Name())
			assert.Equal(t, tt.want, tt.c.Compute(checkInput, 0, len(checkInput)))
			assert.True(t, tt.c.Validate(checkInput, 0, len(checkInput), tt.want))
		})
	}
}

func TestXOR16StoredLittleEndian(t *testing.T) {
	c := NewXOR16()
	frame, v := c.Append([]byte{0x12, 0x34, 0x56, 0x78})

	assert.Equal(t, uint16(0x444C), v)
	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0x78, 0x4C, 0x44}, frame)
}

func TestCRCStoredBigEndian(t *testing.T) {
	c := NewCRCCCITT()
	frame, v := c.Append(append([]byte(nil), checkInput...))

	assert.Equal(t, uint16(0x29B1), v)
	assert.Equal(t, []byte{0x29, 0xB1}, frame[len(frame)-2:])
}

func TestComputeHonoursOffsetAndLength(t *testing.T) {
	c := NewCRCCCITT()
	buf := append([]byte{0xFF, 0xEE}, checkInput...)
	buf = append(buf, 0x00)

	assert.Equal(t, uint16(0x29B1), c.Compute(buf, 2, len(checkInput)))
}

func TestTamperedByteFailsValidation(t *testing.T) {
	for _, c := range []*Checksum{NewCRCCCITT(), NewCRC16(), NewXOR16(), NewSum16()} {
		t.Run(c.Name(), func(t *testing.T) {
			frame, _ := c.Append([]byte{0xAA, 0x01, 0x00, 0x10, 0x00, 0x07, 0x5E, 0x2F, 0x11, 0x22})
			_, _, ok := c.Verify(frame)
			require.True(t, ok)

			for i := 0; i < len(frame)-Size; i++ {
				tampered := append([]byte(nil), frame...)
				tampered[i] ^= 0x5A
				_, _, ok := c.Verify(tampered)
				assert.False(t, ok, "byte %d", i)
				assert.False(t, c.Validate(tampered, 0, len(tampered)-Size, c.Read(frame, len(frame)-Size)))
			}
		})
	}
}

func TestVerifyShortFrame(t *testing.T) {
	_, _, ok := NewSum16().Verify([]byte{0x01})
	assert.False(t, ok)
}
