package phasorstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// pollInterval bounds how long a blocked read waits before checking its context
const pollInterval = 250 * time.Millisecond

// PDC is a C37.118 client for one PMU connection.
// Configuration frames it receives are published to its registry so later data frames decode.
type PDC struct {
	IDCode uint16
	Header string
	Config *Configuration

	conn     net.Conn
	codec    *C37118Codec
	registry *Registry
	engine   *Engine
	pending  []*Frame
	buffer   []byte
	logger   *log.Logger
	metrics  MetricsRecorder
}

// NewPDC creates a PDC that sends commands as idCode
func NewPDC(idCode uint16) *PDC {
	p := &PDC{
		IDCode:   idCode,
		codec:    NewC37118Codec(),
		registry: NewRegistry(),
		buffer:   make([]byte, 65536),
		logger:   log.New(),
		metrics:  nopMetrics{},
	}
	p.resetEngine()
	return p
}

func (p *PDC) SetLogger(logger *log.Logger) {
	p.logger = logger
	p.resetEngine()
}

func (p *PDC) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = nopMetrics{}
	}
	p.metrics = m
	p.resetEngine()
}

func (p *PDC) resetEngine() {
	p.engine = NewEngine(p.codec, p.registry, WithLogger(p.logger), WithMetrics(p.metrics))
	p.pending = nil
}

// Registry returns the configurations learned from the PMU
func (p *PDC) Registry() *Registry {
	return p.registry
}

// Connect connects to a PMU
func (p *PDC) Connect(ctx context.Context, address string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	p.conn = conn
	p.resetEngine()
	p.logger.WithField("address", address).Debug("Connected to PMU")
	return nil
}

// Disconnect closes the connection
func (p *PDC) Disconnect() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// SendCommand sends a command frame to the PMU
func (p *PDC) SendCommand(cmdCode uint16) error {
	if p.conn == nil {
		return fmt.Errorf("%w: not connected", ErrInvalidParameter)
	}
	data, err := p.codec.Pack(NewCommandFrame(p.IDCode, cmdCode))
	if err != nil {
		return err
	}
	if _, err := p.conn.Write(data); err != nil {
		return err
	}
	p.metrics.RecordCommand(commandName(cmdCode))
	return nil
}

// Start requests PMU to start sending data
func (p *PDC) Start() error {
	return p.SendCommand(CmdStart)
}

// Stop requests PMU to stop sending data
func (p *PDC) Stop() error {
	return p.SendCommand(CmdStop)
}

// GetHeader requests the header frame and returns its text
func (p *PDC) GetHeader(ctx context.Context) (string, error) {
	if err := p.SendCommand(CmdHeader); err != nil {
		return "", err
	}
	f, err := p.readFrameOfType(ctx, FrameTypeHeader)
	if err != nil {
		return "", err
	}
	p.Header = f.Info
	return f.Info, nil
}

// GetConfig requests configuration frame 1 or 2; any other version asks for CFG-2
func (p *PDC) GetConfig(ctx context.Context, version int) (*Configuration, error) {
	cmdCode := uint16(CmdCfg2)
	if version == 1 {
		cmdCode = CmdCfg1
	}
	if err := p.SendCommand(cmdCode); err != nil {
		return nil, err
	}
	f, err := p.readFrameOfType(ctx, FrameTypeConfiguration)
	if err != nil {
		return nil, err
	}
	p.Config = f.Config
	return f.Config, nil
}

func (p *PDC) readFrameOfType(ctx context.Context, t FrameType) (*Frame, error) {
	for {
		f, err := p.ReadFrame(ctx)
		if err != nil {
			return nil, err
		}
		if f.Header.Type == t {
			return f, nil
		}
		p.logger.WithFields(log.Fields{
			"expected": t.String(),
			"received": f.Header.Type.String(),
		}).Debug("Skipping frame while waiting for response")
	}
}

// ReadFrame returns the next frame from the PMU, blocking until one arrives or ctx is done.
// Frames that fail to parse are skipped; the last parse error is returned only if
// the connection fails before a good frame arrives.
func (p *PDC) ReadFrame(ctx context.Context) (*Frame, error) {
	if p.conn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrInvalidParameter)
	}

	var parseErr error
	for len(p.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return nil, err
		}

		n, err := p.conn.Read(p.buffer)
		if n > 0 {
			p.metrics.RecordBytesReceived(n)
			frames, ferr := p.engine.Feed(p.buffer[:n])
			p.pending = append(p.pending, frames...)
			if ferr != nil {
				parseErr = ferr
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if len(p.pending) > 0 {
				break
			}
			return nil, errors.Join(err, parseErr)
		}
	}

	f := p.pending[0]
	p.pending = p.pending[1:]
	return f, nil
}
