package phasorstream

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ConfigSource resolves the configuration bound to a source
type ConfigSource interface {
	// Configuration returns the current snapshot for id or an *UnknownSourceError.
	Configuration(id uint64) (*Configuration, error)
}

// ConfigStore is a ConfigSource that accepts configurations received in-band
type ConfigStore interface {
	ConfigSource
	Update(id uint64, cfg *Configuration) *Configuration
}

// Registry holds one configuration snapshot per source.
// Update publishes a new snapshot; frames parsed earlier keep the one they were parsed with.
type Registry struct {
	mu      sync.RWMutex
	configs map[uint64]*Configuration
}

func NewRegistry() *Registry {
	return &Registry{configs: make(map[uint64]*Configuration)}
}

func (r *Registry) Configuration(id uint64) (*Configuration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	if !ok {
		return nil, &UnknownSourceError{Source: id}
	}
	return cfg, nil
}

// Update stores a copy of cfg for id and returns the published snapshot
func (r *Registry) Update(id uint64, cfg *Configuration) *Configuration {
	snapshot := cfg.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot.Version = 1
	if prev, ok := r.configs[id]; ok {
		snapshot.Version = prev.Version + 1
	}
	r.configs[id] = snapshot
	return snapshot
}

func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	delete(r.configs, id)
	r.mu.Unlock()
}

// Sources returns the registered source ids in ascending order
func (r *Registry) Sources() []uint64 {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SourcesFile is the on-disk form of a set of source definitions, YAML or TOML
type SourcesFile struct {
	Sources []SourceDefinition `yaml:"sources" toml:"sources"`
}

// SourceDefinition describes one source
type SourceDefinition struct {
	ID         uint64           `yaml:"id" toml:"id"`
	Protocol   string           `yaml:"protocol" toml:"protocol"`
	DataRate   int16            `yaml:"data_rate" toml:"data_rate"`
	TimeBase   uint32           `yaml:"time_base" toml:"time_base"`
	Revision   uint8            `yaml:"revision" toml:"revision"`
	StreamType uint8            `yaml:"stream_type" toml:"stream_type"`
	Cells      []CellDefinition `yaml:"cells" toml:"cells"`
}

// CellDefinition describes one device of a source
type CellDefinition struct {
	Station          string              `yaml:"station" toml:"station"`
	IDCode           uint16              `yaml:"id_code" toml:"id_code"`
	Label            string              `yaml:"label" toml:"label"`
	Polar            bool                `yaml:"polar" toml:"polar"`
	FloatPhasors     bool                `yaml:"float_phasors" toml:"float_phasors"`
	FloatAnalogs     bool                `yaml:"float_analogs" toml:"float_analogs"`
	FloatFrequency   bool                `yaml:"float_frequency" toml:"float_frequency"`
	NominalFrequency int                 `yaml:"nominal_frequency" toml:"nominal_frequency"`
	Phasors          []ChannelDefinition `yaml:"phasors" toml:"phasors"`
	Analogs          []ChannelDefinition `yaml:"analogs" toml:"analogs"`
	Digitals         []DigitalChannels   `yaml:"digitals" toml:"digitals"`
}

// ChannelDefinition describes a phasor or analog channel
type ChannelDefinition struct {
	Name   string `yaml:"name" toml:"name"`
	Unit   string `yaml:"unit" toml:"unit"`
	Factor uint32 `yaml:"factor" toml:"factor"`
}

// DigitalChannels describes one digital status word
type DigitalChannels struct {
	Names  []string `yaml:"names" toml:"names"`
	Normal uint16   `yaml:"normal" toml:"normal"`
	Valid  uint16   `yaml:"valid" toml:"valid"`
}

var phasorUnits = map[string]uint8{"": PhunitVoltage, "voltage": PhunitVoltage, "current": PhunitCurrent}
var analogUnits = map[string]uint8{"": AnunitPow, "pow": AnunitPow, "rms": AnunitRMS, "peak": AnunitPeak}

// Configuration builds the configuration described by d
func (d SourceDefinition) Configuration() (*Configuration, error) {
	protocol, err := ParseProtocol(d.Protocol)
	if err != nil {
		return nil, fmt.Errorf("source %d: %w", d.ID, err)
	}
	cfg := NewConfiguration(protocol, d.ID)
	if d.TimeBase != 0 {
		cfg.TimeBase = d.TimeBase
	}
	cfg.DataRate = d.DataRate
	cfg.Revision = d.Revision
	cfg.StreamType = d.StreamType

	for i, c := range d.Cells {
		cc := NewCellConfig(c.Station, c.IDCode, c.FloatFrequency, c.FloatAnalogs, c.FloatPhasors, c.Polar)
		cc.IDLabel = c.Label
		switch c.NominalFrequency {
		case 0, 60:
			cc.Fnom = FreqNom60Hz
		case 50:
			cc.Fnom = FreqNom50Hz
		default:
			return nil, fmt.Errorf("source %d cell %d: %w: nominal frequency %d", d.ID, i, ErrInvalidParameter, c.NominalFrequency)
		}
		for _, ph := range c.Phasors {
			unit, ok := phasorUnits[strings.ToLower(ph.Unit)]
			if !ok {
				return nil, fmt.Errorf("source %d cell %d: %w: phasor unit %q", d.ID, i, ErrInvalidParameter, ph.Unit)
			}
			cc.AddPhasor(ph.Name, ph.Factor, unit)
		}
		for _, an := range c.Analogs {
			unit, ok := analogUnits[strings.ToLower(an.Unit)]
			if !ok {
				return nil, fmt.Errorf("source %d cell %d: %w: analog unit %q", d.ID, i, ErrInvalidParameter, an.Unit)
			}
			cc.AddAnalog(an.Name, an.Factor, unit)
		}
		for _, dg := range c.Digitals {
			cc.AddDigital(dg.Names, dg.Normal, dg.Valid)
		}
		cfg.AddCell(cc)
	}
	return cfg, nil
}

// LoadRegistryFile reads source definitions from a .yaml, .yml or .toml file
func LoadRegistryFile(path string) (*Registry, error) {
	r := NewRegistry()
	if err := r.LoadFile(path); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadFile adds or replaces the sources defined in path
func (r *Registry) LoadFile(path string) error {
	var file SourcesFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read sources file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to parse sources file %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return fmt.Errorf("failed to parse sources file %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported sources file extension %q", ErrInvalidParameter, filepath.Ext(path))
	}

	for _, def := range file.Sources {
		cfg, err := def.Configuration()
		if err != nil {
			return err
		}
		r.Update(def.ID, cfg)
	}
	return nil
}
