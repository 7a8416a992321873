package phasorstream

import (
	"fmt"

	"github.com/JSchlarb/phasorstream/endian"
)

// cellLayout is the binary shape of one cell for a protocol and cell configuration
type cellLayout struct {
	protocol    Protocol
	flags       bool
	status      bool
	phasorFloat bool
	polar       bool
	freqFloat   bool
	dfdt        bool
	analogs     bool
	analogFloat bool
}

func layoutFor(p Protocol, cc *CellConfig) cellLayout {
	l := cellLayout{protocol: p, status: true, dfdt: true}
	switch p {
	case ProtocolIEEEC37118, ProtocolBPAPDCStream:
		l.flags = p == ProtocolBPAPDCStream
		l.phasorFloat = cc.FormatPhasorType()
		l.polar = cc.FormatCoord()
		l.freqFloat = cc.FormatFreqType()
		l.analogs = true
		l.analogFloat = cc.FormatAnalogType()
	case ProtocolSELFastMessage:
		l.phasorFloat = true
		l.polar = true
		l.freqFloat = true
		l.dfdt = false
	case ProtocolMacrodyne:
		l.status = false
	}
	return l
}

func (l cellLayout) length(cc *CellConfig) int {
	n := 0
	if l.flags {
		n += 2
	}
	if l.status {
		n += 2
	}
	if l.phasorFloat {
		n += 8 * len(cc.Phasors)
	} else {
		n += 4 * len(cc.Phasors)
	}
	freq := 2
	if l.freqFloat {
		freq = 4
	}
	n += freq
	if l.dfdt {
		n += freq
	}
	if l.analogs {
		if l.analogFloat {
			n += 4 * len(cc.Analogs)
		} else {
			n += 2 * len(cc.Analogs)
		}
	}
	return n + 2*len(cc.Digitals)
}

func (l cellLayout) decode(buf []byte, off int, cc *CellConfig) (Cell, int, error) {
	n := l.length(cc)
	if err := needBytes(l.protocol, buf, off, n); err != nil {
		return Cell{}, 0, err
	}

	be := endian.Big
	c := Cell{Config: cc}
	p := off

	if l.flags {
		c.Flags = be.Uint16(buf, p)
		p += 2
	}
	if l.status {
		c.Status = be.Uint16(buf, p)
		p += 2
	}

	c.Phasors = make([]PhasorValue, len(cc.Phasors))
	for j := range c.Phasors {
		if l.phasorFloat {
			c.Phasors[j] = PhasorValue{A: float64(be.Float32(buf, p)), B: float64(be.Float32(buf, p+4))}
			p += 8
			continue
		}
		factor := float64(cc.GetPhasorFactor(j))
		if l.polar {
			c.Phasors[j] = PhasorValue{
				A: float64(be.Uint16(buf, p)) * factor / 1e5,
				B: float64(be.Int16(buf, p+2)) / 1e4,
			}
		} else {
			c.Phasors[j] = PhasorValue{
				A: float64(be.Int16(buf, p)) * factor / 1e5,
				B: float64(be.Int16(buf, p+2)) * factor / 1e5,
			}
		}
		p += 4
	}

	if l.freqFloat {
		c.Frequency = float64(be.Float32(buf, p))
		p += 4
		if l.dfdt {
			c.DfDt = float64(be.Float32(buf, p))
			p += 4
		}
	} else {
		c.Frequency = float64(cc.GetNominalFrequency()) + float64(be.Int16(buf, p))/1000
		p += 2
		if l.dfdt {
			c.DfDt = float64(be.Int16(buf, p)) / 100
			p += 2
		}
	}

	if l.analogs {
		c.Analogs = make([]float64, len(cc.Analogs))
		for j := range c.Analogs {
			if l.analogFloat {
				c.Analogs[j] = float64(be.Float32(buf, p))
				p += 4
			} else {
				c.Analogs[j] = float64(be.Int16(buf, p))
				p += 2
			}
		}
	} else {
		c.Analogs = make([]float64, 0)
	}

	c.Digitals = make([]uint16, len(cc.Digitals))
	for j := range c.Digitals {
		c.Digitals[j] = be.Uint16(buf, p)
		p += 2
	}

	return c, n, nil
}

func (l cellLayout) encode(dst []byte, c *Cell) ([]byte, error) {
	cc := c.Config
	if cc == nil {
		return nil, fmt.Errorf("%s: %w: cell without configuration", l.protocol, ErrInvalidParameter)
	}
	if len(c.Phasors) != len(cc.Phasors) || len(c.Digitals) != len(cc.Digitals) ||
		(l.analogs && len(c.Analogs) != len(cc.Analogs)) {
		return nil, fmt.Errorf("%s: %w: values of cell %q do not match its configuration",
			l.protocol, ErrInvalidParameter, cc.StationName)
	}

	be := endian.Big
	if l.flags {
		dst = be.AppendUint16(dst, c.Flags)
	}
	if l.status {
		dst = be.AppendUint16(dst, c.Status)
	}

	for j, ph := range c.Phasors {
		if l.phasorFloat {
			dst = be.AppendFloat32(dst, float32(ph.A))
			dst = be.AppendFloat32(dst, float32(ph.B))
			continue
		}
		factor := float64(cc.GetPhasorFactor(j))
		if l.polar {
			dst = be.AppendUint16(dst, toUint16(ph.A*1e5/factor))
			dst = be.AppendInt16(dst, toInt16(ph.B*1e4))
		} else {
			dst = be.AppendInt16(dst, toInt16(ph.A*1e5/factor))
			dst = be.AppendInt16(dst, toInt16(ph.B*1e5/factor))
		}
	}

	if l.freqFloat {
		dst = be.AppendFloat32(dst, float32(c.Frequency))
		if l.dfdt {
			dst = be.AppendFloat32(dst, float32(c.DfDt))
		}
	} else {
		dst = be.AppendInt16(dst, toInt16((c.Frequency-float64(cc.GetNominalFrequency()))*1000))
		if l.dfdt {
			dst = be.AppendInt16(dst, toInt16(c.DfDt*100))
		}
	}

	if l.analogs {
		for _, v := range c.Analogs {
			if l.analogFloat {
				dst = be.AppendFloat32(dst, float32(v))
			} else {
				dst = be.AppendInt16(dst, toInt16(v))
			}
		}
	}

	for _, d := range c.Digitals {
		dst = be.AppendUint16(dst, d)
	}
	return dst, nil
}
