package phasorstream

// Nominal frequency constants
const (
	FreqNom60Hz = 0
	FreqNom50Hz = 1
)

// Phasor unit types
const (
	PhunitVoltage = 0
	PhunitCurrent = 1
)

// Analog unit types
const (
	AnunitPow  = 0
	AnunitRMS  = 1
	AnunitPeak = 2
)

// Format word bits (IEEE C37.118 FORMAT field, reused by BPA PDCstream)
const (
	FormatPolar       = 0x0001
	FormatPhasorFloat = 0x0002
	FormatAnalogFloat = 0x0004
	FormatFreqFloat   = 0x0008
)

// PhasorDefinition describes one phasor channel
type PhasorDefinition struct {
	Name   string
	Type   uint8
	Factor uint32
}

// Unit returns the PHUNIT word: type in the top byte, scale factor in the lower 24 bits
func (d PhasorDefinition) Unit() uint32 {
	return uint32(d.Type)<<24 | d.Factor&0x00FFFFFF
}

// AnalogDefinition describes one analog channel
type AnalogDefinition struct {
	Name   string
	Type   uint8
	Factor uint32
}

func (d AnalogDefinition) Unit() uint32 {
	return uint32(d.Type)<<24 | d.Factor&0x00FFFFFF
}

// DigitalDefinition describes one 16-bit digital status word
type DigitalDefinition struct {
	Names      []string
	NormalMask uint16
	ValidMask  uint16
}

func (d DigitalDefinition) Unit() uint32 {
	return uint32(d.NormalMask)<<16 | uint32(d.ValidMask)
}

// CellConfig describes the measurements one device contributes to every data frame
type CellConfig struct {
	StationName string
	IDCode      uint16
	IDLabel     string
	Format      uint16
	Phasors     []PhasorDefinition
	Analogs     []AnalogDefinition
	Digitals    []DigitalDefinition
	Fnom        uint16
	CfgCnt      uint16
}

// NewCellConfig creates a new cell configuration with given parameters
func NewCellConfig(name string, idCode uint16, freqType, analogType, phasorType, coordType bool) *CellConfig {
	cc := &CellConfig{
		StationName: name,
		IDCode:      idCode,
		Phasors:     make([]PhasorDefinition, 0),
		Analogs:     make([]AnalogDefinition, 0),
		Digitals:    make([]DigitalDefinition, 0),
	}
	cc.SetFormat(freqType, analogType, phasorType, coordType)
	return cc
}

// SetFormat sets the format word
func (c *CellConfig) SetFormat(freqType, analogType, phasorType, coordType bool) {
	c.Format = 0
	if coordType {
		c.Format |= FormatPolar
	}
	if phasorType {
		c.Format |= FormatPhasorFloat
	}
	if analogType {
		c.Format |= FormatAnalogFloat
	}
	if freqType {
		c.Format |= FormatFreqFloat
	}
}

// FormatCoord returns true if phasor format is polar
func (c *CellConfig) FormatCoord() bool {
	return c.Format&FormatPolar != 0
}

// FormatPhasorType returns true if phasor format is float
func (c *CellConfig) FormatPhasorType() bool {
	return c.Format&FormatPhasorFloat != 0
}

// FormatAnalogType returns true if analog format is float
func (c *CellConfig) FormatAnalogType() bool {
	return c.Format&FormatAnalogFloat != 0
}

// FormatFreqType returns true if freq/dfreq format is float
func (c *CellConfig) FormatFreqType() bool {
	return c.Format&FormatFreqFloat != 0
}

// AddPhasor adds a phasor channel
func (c *CellConfig) AddPhasor(name string, factor uint32, phType uint8) {
	c.Phasors = append(c.Phasors, PhasorDefinition{Name: name, Type: phType, Factor: factor & 0x00FFFFFF})
}

// AddAnalog adds an analog channel
func (c *CellConfig) AddAnalog(name string, factor uint32, anType uint8) {
	c.Analogs = append(c.Analogs, AnalogDefinition{Name: name, Type: anType, Factor: factor & 0x00FFFFFF})
}

// AddDigital adds a digital word; names beyond 16 are dropped, missing ones left empty
func (c *CellConfig) AddDigital(names []string, normal, valid uint16) {
	padded := make([]string, 16)
	copy(padded, names)
	c.Digitals = append(c.Digitals, DigitalDefinition{Names: padded, NormalMask: normal, ValidMask: valid})
}

// GetPhasorFactor returns the scale factor for a phasor channel, 1 when undefined
func (c *CellConfig) GetPhasorFactor(index int) uint32 {
	if index >= len(c.Phasors) || c.Phasors[index].Factor == 0 {
		return 1
	}
	return c.Phasors[index].Factor
}

// GetNominalFrequency returns the nominal frequency based on Fnom setting
func (c *CellConfig) GetNominalFrequency() float32 {
	if c.Fnom&FreqNom50Hz != 0 {
		return 50.0
	}
	return 60.0
}

func (c *CellConfig) clone() *CellConfig {
	cp := *c
	cp.Phasors = append([]PhasorDefinition(nil), c.Phasors...)
	cp.Analogs = append([]AnalogDefinition(nil), c.Analogs...)
	cp.Digitals = make([]DigitalDefinition, len(c.Digitals))
	for i, d := range c.Digitals {
		d.Names = append([]string(nil), d.Names...)
		cp.Digitals[i] = d
	}
	return &cp
}

// Configuration describes the shape of every cell a source sends.
// Once published through a Registry a Configuration is never mutated;
// replacing it publishes a new snapshot.
type Configuration struct {
	Protocol   Protocol
	IDCode     uint64
	TimeBase   uint32
	DataRate   int16
	Revision   uint8
	StreamType uint8
	Cells      []*CellConfig
	Version    uint64
}

// NewConfiguration creates an empty configuration for a source
func NewConfiguration(protocol Protocol, idCode uint64) *Configuration {
	return &Configuration{
		Protocol: protocol,
		IDCode:   idCode,
		TimeBase: 1000000,
		Cells:    make([]*CellConfig, 0),
	}
}

// AddCell appends a cell configuration
func (c *Configuration) AddCell(cc *CellConfig) {
	c.Cells = append(c.Cells, cc)
}

// CellByIDCode returns the cell configuration by ID code
func (c *Configuration) CellByIDCode(idCode uint16) *CellConfig {
	for _, cc := range c.Cells {
		if cc.IDCode == idCode {
			return cc
		}
	}
	return nil
}

// CellByLabel returns the cell configuration by its 4 character label
func (c *Configuration) CellByLabel(label string) *CellConfig {
	for _, cc := range c.Cells {
		if cc.IDLabel == label {
			return cc
		}
	}
	return nil
}

// Clone returns a deep copy
func (c *Configuration) Clone() *Configuration {
	cp := *c
	cp.Cells = make([]*CellConfig, len(c.Cells))
	for i, cc := range c.Cells {
		cp.Cells[i] = cc.clone()
	}
	return &cp
}
