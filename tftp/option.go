// Package tftp implements TFTP transfer option negotiation (RFC 2347, 2348, 2349).
package tftp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidArgument reports a contract violation when building or negotiating options
var ErrInvalidArgument = errors.New("tftp: invalid argument")

// Well-known option names
const (
	OptionBlockSize    = "blksize"
	OptionTimeout      = "timeout"
	OptionTransferSize = "tsize"
)

// Limits of the well-known options
const (
	MinBlockSize = 8
	MaxBlockSize = 65464
	MinTimeout   = 1
	MaxTimeout   = 255
)

// TransferOption is one name/value pair of a request or acknowledgment.
// The name keeps the case it was created with; lookups ignore case.
type TransferOption struct {
	name         string
	value        string
	acknowledged bool
}

// NewTransferOption creates an option; the name must be non-empty and neither part may contain NUL
func NewTransferOption(name, value string) (*TransferOption, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: option name is empty", ErrInvalidArgument)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return nil, fmt.Errorf("%w: option name %q contains NUL", ErrInvalidArgument, name)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return nil, fmt.Errorf("%w: value of option %q contains NUL", ErrInvalidArgument, name)
	}
	return &TransferOption{name: name, value: value}, nil
}

func (o *TransferOption) Name() string {
	return o.name
}

func (o *TransferOption) Value() string {
	return o.value
}

// SetValue replaces the value
func (o *TransferOption) SetValue(value string) error {
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%w: value of option %q contains NUL", ErrInvalidArgument, o.name)
	}
	o.value = value
	return nil
}

func (o *TransferOption) IsAcknowledged() bool {
	return o.acknowledged
}

// Acknowledge records the value the peer accepted; an acknowledged option stays acknowledged
func (o *TransferOption) Acknowledge(value string) error {
	if err := o.SetValue(value); err != nil {
		return err
	}
	o.acknowledged = true
	return nil
}

// Int returns the value as a decimal integer
func (o *TransferOption) Int() (int, error) {
	n, err := strconv.Atoi(o.value)
	if err != nil {
		return 0, fmt.Errorf("%w: option %s=%q is not a number", ErrInvalidArgument, o.name, o.value)
	}
	return n, nil
}

func (o *TransferOption) String() string {
	return o.name + "=" + o.value
}

// Options is an ordered option list
type Options []*TransferOption

// Find returns the option named name, ignoring case
func (opts Options) Find(name string) *TransferOption {
	for _, o := range opts {
		if strings.EqualFold(o.name, name) {
			return o
		}
	}
	return nil
}

// Set replaces the value of an existing option or appends a new one
func (opts *Options) Set(name, value string) error {
	if o := opts.Find(name); o != nil {
		return o.SetValue(value)
	}
	o, err := NewTransferOption(name, value)
	if err != nil {
		return err
	}
	*opts = append(*opts, o)
	return nil
}

func (opts Options) String() string {
	parts := make([]string, len(opts))
	for i, o := range opts {
		parts[i] = o.String()
	}
	return strings.Join(parts, " ")
}

// MarshalBinary encodes the options as NUL terminated name and value strings
func (opts Options) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	for _, o := range opts {
		buf.WriteString(o.name)
		buf.WriteByte(0)
		buf.WriteString(o.value)
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

// ParseOptions decodes the option section of a request or OACK packet
func ParseOptions(data []byte) (Options, error) {
	if len(data) == 0 {
		return Options{}, nil
	}
	if data[len(data)-1] != 0 {
		return nil, fmt.Errorf("%w: option list is not NUL terminated", ErrInvalidArgument)
	}
	fields := strings.Split(string(data[:len(data)-1]), "\x00")
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("%w: option %q has no value", ErrInvalidArgument, fields[len(fields)-1])
	}

	opts := make(Options, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		if opts.Find(fields[i]) != nil {
			return nil, fmt.Errorf("%w: duplicate option %q", ErrInvalidArgument, fields[i])
		}
		o, err := NewTransferOption(fields[i], fields[i+1])
		if err != nil {
			return nil, err
		}
		opts = append(opts, o)
	}
	return opts, nil
}

// Acknowledge applies a peer's OACK to the requested options. Every acknowledged
// option must have been requested; requested options missing from the OACK stay unacknowledged.
// The whole OACK is checked before any option changes, so a rejected OACK leaves opts as they were.
func (opts Options) Acknowledge(oack Options) error {
	targets := make([]*TransferOption, len(oack))
	for i, ack := range oack {
		o := opts.Find(ack.name)
		if o == nil {
			return fmt.Errorf("%w: peer acknowledged unrequested option %q", ErrInvalidArgument, ack.name)
		}
		if err := validate(o.name, ack.value); err != nil {
			return err
		}
		if strings.IndexByte(ack.value, 0) >= 0 {
			return fmt.Errorf("%w: value of option %q contains NUL", ErrInvalidArgument, ack.name)
		}
		targets[i] = o
	}

	for i, o := range targets {
		if err := o.Acknowledge(oack[i].value); err != nil {
			return err
		}
	}
	return nil
}

// BlockSize returns a blksize option, 8 to 65464 bytes
func BlockSize(n int) (*TransferOption, error) {
	if n < MinBlockSize || n > MaxBlockSize {
		return nil, fmt.Errorf("%w: block size %d outside %d..%d", ErrInvalidArgument, n, MinBlockSize, MaxBlockSize)
	}
	return NewTransferOption(OptionBlockSize, strconv.Itoa(n))
}

// Timeout returns a timeout option in seconds, 1 to 255
func Timeout(seconds int) (*TransferOption, error) {
	if seconds < MinTimeout || seconds > MaxTimeout {
		return nil, fmt.Errorf("%w: timeout %d outside %d..%d", ErrInvalidArgument, seconds, MinTimeout, MaxTimeout)
	}
	return NewTransferOption(OptionTimeout, strconv.Itoa(seconds))
}

// TransferSize returns a tsize option; requests for reading send 0
func TransferSize(size int64) (*TransferOption, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: transfer size %d", ErrInvalidArgument, size)
	}
	return NewTransferOption(OptionTransferSize, strconv.FormatInt(size, 10))
}

// validate checks the acknowledged value of a well-known option
func validate(name, value string) error {
	var lo, hi int
	switch strings.ToLower(name) {
	case OptionBlockSize:
		lo, hi = MinBlockSize, MaxBlockSize
	case OptionTimeout:
		lo, hi = MinTimeout, MaxTimeout
	case OptionTransferSize:
		if n, err := strconv.ParseInt(value, 10, 64); err != nil || n < 0 {
			return fmt.Errorf("%w: %s=%q", ErrInvalidArgument, name, value)
		}
		return nil
	default:
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < lo || n > hi {
		return fmt.Errorf("%w: %s=%q outside %d..%d", ErrInvalidArgument, name, value, lo, hi)
	}
	return nil
}
