package phasorstream

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// DefaultMaxFrameLength bounds the frame length the engine waits for before resynchronizing
const DefaultMaxFrameLength = 0xFFFF

// Handler receives the outcome of every frame the engine processes, in arrival order
type Handler interface {
	OnFrameParsed(f *Frame)
	OnParseError(kind ErrorKind, err error)
}

// HandlerFuncs adapts plain functions to Handler; nil fields are ignored
type HandlerFuncs struct {
	Frame func(f *Frame)
	Error func(kind ErrorKind, err error)
}

func (h HandlerFuncs) OnFrameParsed(f *Frame) {
	if h.Frame != nil {
		h.Frame(f)
	}
}

func (h HandlerFuncs) OnParseError(kind ErrorKind, err error) {
	if h.Error != nil {
		h.Error(kind, err)
	}
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithSourceID sets the source used for protocols whose frames do not carry one
func WithSourceID(id uint64) EngineOption {
	return func(e *Engine) { e.sourceID = id }
}

func WithLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(metrics MetricsRecorder) EngineOption {
	return func(e *Engine) { e.metrics = metrics }
}

func WithHandler(h Handler) EngineOption {
	return func(e *Engine) { e.handler = h }
}

func WithMaxFrameLength(n int) EngineOption {
	return func(e *Engine) { e.maxFrame = n }
}

// Engine turns bytes from one connection into frames of one protocol.
// It is not safe for concurrent use; run one Engine per connection.
type Engine struct {
	codec    Codec
	source   ConfigSource
	sourceID uint64
	maxFrame int
	buf      []byte
	rejected bool
	handler  Handler
	logger   *log.Logger
	metrics  MetricsRecorder
}

// NewEngine creates an engine for codec; a nil source gets an empty Registry
func NewEngine(codec Codec, source ConfigSource, opts ...EngineOption) *Engine {
	if source == nil {
		source = NewRegistry()
	}
	e := &Engine{
		codec:    codec,
		source:   source,
		maxFrame: DefaultMaxFrameLength,
		handler:  HandlerFuncs{},
		metrics:  nopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.New()
	}
	return e
}

func (e *Engine) Codec() Codec {
	return e.codec
}

// Buffered returns the number of bytes held back waiting for the rest of a frame
func (e *Engine) Buffered() int {
	return len(e.buf)
}

// Reset drops any partially received frame
func (e *Engine) Reset() {
	e.buf = nil
	e.rejected = false
}

// Feed appends data to the stream and parses every complete frame it now holds.
// Bytes that do not start a frame are skipped until the next sync pattern. A candidate
// that fails its checksum or structure checks is reported and scanning resumes one byte
// after its sync, so frames inside a false candidate are still found; the bytes skipped
// while resynchronizing from a rejected candidate are not reported again.
// The returned error joins every failure of this call.
func (e *Engine) Feed(data []byte) ([]*Frame, error) {
	e.buf = append(e.buf, data...)

	var (
		frames  []*Frame
		errs    []error
		skipped int
		off     int
	)
	flushSkipped := func() {
		if skipped > 0 && !e.rejected {
			errs = append(errs, e.fail(fmt.Errorf("%s: %w: skipped %d bytes to resynchronize",
				e.codec.Protocol(), ErrInvalidFrame, skipped)))
		}
		skipped = 0
	}

	for off < len(e.buf) {
		rest := e.buf[off:]
		n, err := e.codec.FrameLength(rest, e.state(rest))
		if err != nil {
			if errors.Is(err, ErrUnknownSource) || errors.Is(err, ErrProtocolMismatch) || errors.Is(err, ErrNotImpl) {
				flushSkipped()
				errs = append(errs, e.fail(e.annotate(err, rest)))
				if _, ok := e.codec.(syncless); ok {
					off = len(e.buf)
					break
				}
				e.rejected = true
				off++
				continue
			}
			off++
			skipped++
			continue
		}
		if n == 0 {
			break
		}
		if n > e.maxFrame {
			flushSkipped()
			errs = append(errs, e.fail(&MalformedFramingError{Protocol: e.codec.Protocol(), Offset: 0,
				Reason: fmt.Sprintf("frame length %d exceeds limit %d", n, e.maxFrame)}))
			off++
			continue
		}
		if len(rest) < n {
			break
		}

		flushSkipped()
		f, err := e.parse(rest[:n])
		if err != nil {
			errs = append(errs, e.fail(err))
			if rescan(err) {
				e.rejected = true
				off++
			} else {
				off += n
			}
			continue
		}
		e.rejected = false
		off += n
		e.deliver(f)
		frames = append(frames, f)
	}
	flushSkipped()

	if off > 0 {
		e.buf = append([]byte(nil), e.buf[off:]...)
	}
	return frames, errors.Join(errs...)
}

// syncless is implemented by codecs whose frames carry no sync pattern. The engine
// cannot rescan such a stream and drops its buffer when a frame length is unknown.
type syncless interface {
	syncless()
}

// rescan reports whether a failed candidate may not be a frame at all, so its
// declared length cannot be trusted
func rescan(err error) bool {
	return errors.Is(err, ErrChecksum) || errors.Is(err, ErrInvalidSize) || errors.Is(err, ErrInvalidFrame)
}

// FeedFrame parses one complete frame image received with its own message boundary
func (e *Engine) FeedFrame(image []byte) (*Frame, error) {
	f, err := e.parse(image)
	if err != nil {
		return nil, e.fail(err)
	}
	e.deliver(f)
	return f, nil
}

func (e *Engine) state(image []byte) *ParsingState {
	state := &ParsingState{Source: e.sourceID}
	if id, ok := e.codec.SourceID(image); ok {
		state.Source = id
	}
	if cfg, err := e.source.Configuration(state.Source); err == nil {
		state.Config = cfg
	}
	return state
}

func (e *Engine) parse(image []byte) (*Frame, error) {
	state := e.state(image)
	f, err := e.codec.Unpack(image, state)
	if err != nil {
		return nil, e.annotate(err, image)
	}

	if f.Header.Type == FrameTypeConfiguration && f.Config != nil {
		if store, ok := e.source.(ConfigStore); ok {
			f.Config = store.Update(state.Source, f.Config)
			e.logger.WithFields(log.Fields{
				"protocol": e.codec.Protocol().String(),
				"source":   state.Source,
				"cells":    len(f.Config.Cells),
				"version":  f.Config.Version,
			}).Info("Configuration updated")
		}
	}
	return f, nil
}

// annotate fills in the protocol and source of an unknown source error
func (e *Engine) annotate(err error, image []byte) error {
	var unknown *UnknownSourceError
	if errors.As(err, &unknown) {
		unknown.Protocol = e.codec.Protocol()
		unknown.Source = e.state(image).Source
	}
	return err
}

func (e *Engine) deliver(f *Frame) {
	e.metrics.RecordFrameParsed(f.Header.Protocol, f.Header.Type)
	e.logger.WithFields(log.Fields{
		"protocol":   f.Header.Protocol.String(),
		"frame_type": f.Header.Type.String(),
		"id_code":    f.Header.IDCode,
		"size":       f.Header.FrameLength,
	}).Debug("Frame parsed")
	e.handler.OnFrameParsed(f)
}

func (e *Engine) fail(err error) error {
	kind := KindOf(err)
	e.metrics.RecordFrameError(kind)
	e.logger.WithFields(log.Fields{
		"protocol": e.codec.Protocol().String(),
		"kind":     kind.String(),
		"error":    err,
	}).Warn("Frame rejected")
	e.handler.OnParseError(kind, err)
	return err
}
