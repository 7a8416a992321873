// Package endian reads and writes fixed-width values at byte offsets in either byte order.
//
// Values are assembled from individual bytes, so results never depend on the host byte order.
package endian

import (
	"encoding/binary"
	"math"
)

// Codec reads and writes values in one byte order.
type Codec struct {
	order binary.AppendByteOrder
	get   binary.ByteOrder
}

var (
	// Big is network (most significant byte first) order.
	Big = Codec{order: binary.BigEndian, get: binary.BigEndian}
	// Little is least significant byte first order.
	Little = Codec{order: binary.LittleEndian, get: binary.LittleEndian}
)

// String returns the byte order name
func (c Codec) String() string {
	return c.get.String()
}

func (c Codec) Uint16(b []byte, off int) uint16 {
	return c.get.Uint16(b[off:])
}

func (c Codec) Int16(b []byte, off int) int16 {
	return int16(c.get.Uint16(b[off:]))
}

func (c Codec) Uint32(b []byte, off int) uint32 {
	return c.get.Uint32(b[off:])
}

func (c Codec) Int32(b []byte, off int) int32 {
	return int32(c.get.Uint32(b[off:]))
}

func (c Codec) Uint64(b []byte, off int) uint64 {
	return c.get.Uint64(b[off:])
}

func (c Codec) Float32(b []byte, off int) float32 {
	return math.Float32frombits(c.get.Uint32(b[off:]))
}

func (c Codec) PutUint16(b []byte, off int, v uint16) {
	c.get.PutUint16(b[off:], v)
}

func (c Codec) PutInt16(b []byte, off int, v int16) {
	c.get.PutUint16(b[off:], uint16(v))
}

func (c Codec) PutUint32(b []byte, off int, v uint32) {
	c.get.PutUint32(b[off:], v)
}

func (c Codec) PutInt32(b []byte, off int, v int32) {
	c.get.PutUint32(b[off:], uint32(v))
}

func (c Codec) PutUint64(b []byte, off int, v uint64) {
	c.get.PutUint64(b[off:], v)
}

func (c Codec) PutFloat32(b []byte, off int, v float32) {
	c.get.PutUint32(b[off:], math.Float32bits(v))
}

// AppendUint16 appends v to dst and returns the extended slice
func (c Codec) AppendUint16(dst []byte, v uint16) []byte {
	return c.order.AppendUint16(dst, v)
}

func (c Codec) AppendInt16(dst []byte, v int16) []byte {
	return c.order.AppendUint16(dst, uint16(v))
}

func (c Codec) AppendUint32(dst []byte, v uint32) []byte {
	return c.order.AppendUint32(dst, v)
}

func (c Codec) AppendInt32(dst []byte, v int32) []byte {
	return c.order.AppendUint32(dst, uint32(v))
}

func (c Codec) AppendUint64(dst []byte, v uint64) []byte {
	return c.order.AppendUint64(dst, v)
}

func (c Codec) AppendFloat32(dst []byte, v float32) []byte {
	return c.order.AppendUint32(dst, math.Float32bits(v))
}
