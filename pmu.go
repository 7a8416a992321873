package phasorstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Sampler fills the cells of the next data frame; counter increases by one per frame
type Sampler func(cfg *Configuration, cells []Cell, counter int)

// DefaultSampler produces a rotating phasor, a frequency swinging around nominal and sine analogs
func DefaultSampler(_ *Configuration, cells []Cell, counter int) {
	angle := float64(counter%360) * math.Pi / 180.0
	for c := range cells {
		cell := &cells[c]
		polar := cell.Config.FormatCoord()
		for i := range cell.Phasors {
			cell.Phasors[i] = PhasorFromComplex(complex(30000*math.Cos(angle), 30000*math.Sin(angle)), polar)
		}

		nominal := float64(cell.Config.GetNominalFrequency())
		cell.Frequency = nominal + 0.5*math.Sin(float64(counter)*0.1)
		cell.DfDt = 0.05 * math.Cos(float64(counter)*0.1)

		for i := range cell.Analogs {
			cell.Analogs[i] = 100.0 * math.Sin(float64(counter)*0.1+float64(i))
		}
	}
}

type pmuClient struct {
	conn    net.Conn
	sending atomic.Bool
	writeMu sync.Mutex
}

func (c *pmuClient) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(data)
	return err
}

// PMU serves a C37.118 stream to any number of PDC clients over TCP.
// Clients receive data frames after sending START and stop receiving them after STOP.
type PMU struct {
	codec    *C37118Codec
	listener net.Listener

	mu      sync.RWMutex
	config  *Configuration
	header  string
	sampler Sampler
	clients map[net.Conn]*pmuClient

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *log.Logger
	metrics MetricsRecorder
}

// NewPMU creates a PMU with an empty configuration for ID code 7 at 15 frames per second
func NewPMU() *PMU {
	cfg := NewConfiguration(ProtocolIEEEC37118, 7)
	cfg.DataRate = 15
	cfg.Revision = 2

	return &PMU{
		codec:   NewC37118Codec(),
		config:  cfg,
		sampler: DefaultSampler,
		clients: make(map[net.Conn]*pmuClient),
		logger:  log.New(),
		metrics: nopMetrics{},
	}
}

// SetLogger replaces the logger; call it before Start
func (p *PMU) SetLogger(logger *log.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// SetMetrics sets the metrics recorder for the PMU
func (p *PMU) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = nopMetrics{}
	}
	p.metrics = m
}

// SetSampler replaces the function producing measurement values
func (p *PMU) SetSampler(s Sampler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sampler = s
}

// SetConfiguration replaces the served configuration; the data frame rate is picked up on the next Start
func (p *PMU) SetConfiguration(cfg *Configuration) {
	snapshot := cfg.Clone()
	snapshot.Protocol = ProtocolIEEEC37118

	p.mu.Lock()
	defer p.mu.Unlock()
	p.config = snapshot
}

// Configuration returns the served configuration
func (p *PMU) Configuration() *Configuration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

func (p *PMU) SetHeader(info string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header = info
}

// Start listens on address and serves clients until ctx is done or Stop is called
func (p *PMU) Start(ctx context.Context, address string) error {
	if p.running.Load() {
		return fmt.Errorf("%w: pmu already running", ErrInvalidParameter)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	p.listener = listener
	p.cancel = cancel
	p.running.Store(true)

	p.logger.WithField("address", listener.Addr().String()).Info("PMU server listening")

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		<-ctx.Done()
		p.shutdown()
	}()
	go func() {
		defer p.wg.Done()
		p.acceptLoop(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.dataSender(ctx)
	}()

	return nil
}

// Addr returns the listening address, or nil before Start
func (p *PMU) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop closes the listener and every client connection and waits for the server goroutines
func (p *PMU) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *PMU) shutdown() {
	if !p.running.Swap(false) {
		return
	}
	_ = p.listener.Close()

	p.mu.Lock()
	for conn := range p.clients {
		_ = conn.Close()
	}
	p.mu.Unlock()

	p.logger.Info("PMU server stopped")
}

func (p *PMU) acceptLoop(ctx context.Context) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if !p.running.Load() {
				return
			}
			p.logger.WithError(err).Error("Error accepting connection")
			continue
		}

		p.logger.WithField("client", conn.RemoteAddr().String()).Info("New PDC client connected")

		client := &pmuClient{conn: conn}
		p.mu.Lock()
		p.clients[conn] = client
		p.mu.Unlock()
		p.metrics.RecordClientConnected()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleClient(ctx, client)
		}()
	}
}

func (p *PMU) handleClient(ctx context.Context, client *pmuClient) {
	conn := client.conn
	clientAddr := conn.RemoteAddr().String()

	defer func() {
		_ = conn.Close()
		p.mu.Lock()
		delete(p.clients, conn)
		p.mu.Unlock()
		p.metrics.RecordClientDisconnected()
		p.logger.WithField("client", clientAddr).Info("PDC client disconnected")
	}()

	engine := NewEngine(p.codec, nil, WithLogger(p.logger), WithMetrics(p.metrics))
	buffer := make([]byte, 65536)

	for ctx.Err() == nil {
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			p.logger.WithField("client", clientAddr).WithError(err).Error("Error setting read deadline")
			return
		}

		n, err := conn.Read(buffer)
		if n > 0 {
			p.metrics.RecordBytesReceived(n)
			frames, _ := engine.Feed(buffer[:n])
			for _, f := range frames {
				if f.Header.Type == FrameTypeCommand {
					p.handleCommand(client, f)
				}
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, io.EOF) && p.running.Load() {
				p.logger.WithFields(log.Fields{
					"client": clientAddr,
					"error":  err,
				}).Error("Error reading from client")
			}
			return
		}
	}
}

func commandName(cmd uint16) string {
	switch cmd {
	case CmdStart:
		return "START"
	case CmdStop:
		return "STOP"
	case CmdHeader:
		return "HEADER"
	case CmdCfg1:
		return "CONFIG1"
	case CmdCfg2:
		return "CONFIG2"
	case CmdCfg3:
		return "CONFIG3"
	case CmdExt:
		return "EXTENDED"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04X)", cmd)
	}
}

func (p *PMU) handleCommand(client *pmuClient, cmd *Frame) {
	clientAddr := client.conn.RemoteAddr().String()
	cmdName := commandName(cmd.Command)
	p.metrics.RecordCommand(cmdName)

	p.logger.WithFields(log.Fields{
		"client":  clientAddr,
		"command": cmdName,
		"cmd_id":  cmd.Header.IDCode,
	}).Debug("Received command")

	var response *Frame
	switch cmd.Command {
	case CmdStart:
		client.sending.Store(true)
		p.logger.WithField("client", clientAddr).Info("Started data transmission")
	case CmdStop:
		client.sending.Store(false)
		p.logger.WithField("client", clientAddr).Info("Stopped data transmission")
	case CmdHeader:
		p.mu.RLock()
		response = NewHeaderFrame(uint16(p.config.IDCode), p.header)
		p.mu.RUnlock()
		response.Header.SetTime(nil, nil)
	case CmdCfg1, CmdCfg2:
		cfg := p.Configuration().Clone()
		cfg.Revision = 2
		if cmd.Command == CmdCfg1 {
			cfg.Revision = 1
		}
		response = &Frame{
			Header: FrameHeader{Protocol: ProtocolIEEEC37118, Type: FrameTypeConfiguration, IDCode: cfg.IDCode},
			Config: cfg,
		}
		response.Header.SetTime(nil, nil)
	default:
		p.logger.WithFields(log.Fields{
			"client":  clientAddr,
			"command": cmdName,
		}).Warn("Unsupported command")
	}

	if response == nil {
		return
	}

	data, err := p.codec.Pack(response)
	if err != nil {
		p.logger.WithFields(log.Fields{
			"client":  clientAddr,
			"command": cmdName,
			"error":   err,
		}).Error("Error packing response")
		p.metrics.RecordFrameError(KindOf(err))
		return
	}
	if err := client.write(data, 0); err != nil {
		p.logger.WithFields(log.Fields{
			"client":  clientAddr,
			"command": cmdName,
			"error":   err,
		}).Error("Error writing response")
		return
	}
	p.metrics.RecordFrameSent(response.Header.Type, len(data))
}

// frameInterval converts a C37.118 DATA_RATE into the period between data frames:
// positive values are frames per second, negative values seconds per frame.
func frameInterval(rate int16) time.Duration {
	switch {
	case rate > 0:
		return time.Second / time.Duration(rate)
	case rate < 0:
		return time.Duration(-int64(rate)) * time.Second
	default:
		return time.Second
	}
}

func (p *PMU) dataSender(ctx context.Context) {
	ticker := time.NewTicker(frameInterval(p.Configuration().DataRate))
	defer ticker.Stop()

	counter := 0
	framesSent := 0
	lastRateUpdate := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.RLock()
		cfg, sampler := p.config, p.sampler
		p.mu.RUnlock()

		df := &Frame{
			Header: FrameHeader{Protocol: ProtocolIEEEC37118, Type: FrameTypeData, IDCode: cfg.IDCode},
			Config: cfg,
			Cells:  make([]Cell, len(cfg.Cells)),
		}
		for i, cc := range cfg.Cells {
			df.Cells[i] = NewCell(cc)
		}
		df.Header.SetTime(nil, nil)
		if sampler != nil {
			sampler(cfg, df.Cells, counter)
		}
		counter++

		data, err := p.codec.Pack(df)
		if err != nil {
			p.logger.WithError(err).Error("Error packing data frame")
			p.metrics.RecordFrameError(KindOf(err))
			continue
		}

		p.mu.RLock()
		active := make([]*pmuClient, 0, len(p.clients))
		for _, client := range p.clients {
			if client.sending.Load() {
				active = append(active, client)
			}
		}
		p.mu.RUnlock()

		for _, client := range active {
			if err := client.write(data, 100*time.Millisecond); err != nil {
				p.logger.WithFields(log.Fields{
					"client": client.conn.RemoteAddr().String(),
					"error":  err,
				}).Debug("Error sending data frame")
			}
		}

		if len(active) > 0 {
			framesSent++
			p.metrics.RecordFrameSent(FrameTypeData, len(data))
		}

		if elapsed := time.Since(lastRateUpdate); elapsed >= time.Second {
			p.metrics.UpdateDataFrameRate(float64(framesSent) / elapsed.Seconds())
			framesSent = 0
			lastRateUpdate = time.Now()
		}
	}
}

// LogConfiguration logs the served configuration, one entry per cell and channel
func (p *PMU) LogConfiguration() {
	cfg := p.Configuration()

	p.logger.WithFields(log.Fields{
		"id_code":   cfg.IDCode,
		"time_base": cfg.TimeBase,
		"data_rate": cfg.DataRate,
		"num_pmu":   len(cfg.Cells),
	}).Info("PMU Configuration")

	for i, station := range cfg.Cells {
		p.logger.WithFields(log.Fields{
			"index":             i,
			"station_name":      station.StationName,
			"station_id":        station.IDCode,
			"nominal_frequency": station.GetNominalFrequency(),
			"config_count":      station.CfgCnt,
			"format": map[string]bool{
				"coord_polar":  station.FormatCoord(),
				"phasor_float": station.FormatPhasorType(),
				"analog_float": station.FormatAnalogType(),
				"freq_float":   station.FormatFreqType(),
			},
			"channels": map[string]int{
				"phasor":  len(station.Phasors),
				"analog":  len(station.Analogs),
				"digital": len(station.Digitals),
			},
		}).Info("PMU Station Configuration")

		for j, ph := range station.Phasors {
			p.logger.WithFields(log.Fields{
				"station":      station.StationName,
				"channel_type": "phasor",
				"index":        j,
				"name":         ph.Name,
				"unit_type":    map[uint8]string{PhunitVoltage: "voltage", PhunitCurrent: "current"}[ph.Type],
				"scale_factor": ph.Factor,
			}).Debug("Phasor channel configuration")
		}

		for j, an := range station.Analogs {
			p.logger.WithFields(log.Fields{
				"station":      station.StationName,
				"channel_type": "analog",
				"index":        j,
				"name":         an.Name,
				"unit_type":    an.Type,
				"scale_factor": an.Factor,
			}).Debug("Analog channel configuration")
		}

		for j, dg := range station.Digitals {
			names := make([]string, 0, len(dg.Names))
			for _, name := range dg.Names {
				if name != "" {
					names = append(names, name)
				}
			}
			p.logger.WithFields(log.Fields{
				"station":      station.StationName,
				"channel_type": "digital",
				"word_index":   j,
				"channels":     names,
				"normal_mask":  fmt.Sprintf("0x%04X", dg.NormalMask),
				"valid_mask":   fmt.Sprintf("0x%04X", dg.ValidMask),
			}).Debug("Digital channel configuration")
		}
	}

	p.mu.RLock()
	header := p.header
	p.mu.RUnlock()
	if header != "" {
		p.logger.WithField("header", header).Info("PMU Header Information")
	}
}
