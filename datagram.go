package phasorstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/JSchlarb/phasorstream/framing"
	log "github.com/sirupsen/logrus"
)

// DefaultDatagramSize is the largest datagram a DatagramWriter sends; longer messages are split
const DefaultDatagramSize = 1400

type datagramPeer struct {
	reassembler *framing.Reassembler
	engine      *Engine
	handshake   *framing.Handshake
}

// DatagramListener receives framed, optionally compressed and encrypted frames on a packet connection.
// Every peer address gets its own Reassembler and Engine; each payload carries one frame image.
type DatagramListener struct {
	conn     net.PacketConn
	codec    Codec
	source   ConfigSource
	packager *framing.Packager
	opts     []EngineOption
	local    *framing.Handshake
	peers    map[string]*datagramPeer
	logger   *log.Logger
}

// NewDatagramListener creates a listener on conn; a nil packager accepts only plain payloads
func NewDatagramListener(conn net.PacketConn, codec Codec, source ConfigSource, packager *framing.Packager, opts ...EngineOption) *DatagramListener {
	if source == nil {
		source = NewRegistry()
	}
	if packager == nil {
		packager, _ = framing.NewPackager(framing.Options{})
	}
	return &DatagramListener{
		conn:     conn,
		codec:    codec,
		source:   source,
		packager: packager,
		opts:     opts,
		peers:    make(map[string]*datagramPeer),
		logger:   log.New(),
	}
}

func (l *DatagramListener) SetLogger(logger *log.Logger) {
	l.logger = logger
}

// SetHandshake makes the listener answer peer handshakes with the negotiated settings
func (l *DatagramListener) SetHandshake(h framing.Handshake) {
	l.local = &h
}

// PeerHandshake returns the settings negotiated with addr, if it sent a handshake
func (l *DatagramListener) PeerHandshake(addr net.Addr) (framing.Handshake, bool) {
	peer, ok := l.peers[addr.String()]
	if !ok || peer.handshake == nil {
		return framing.Handshake{}, false
	}
	return *peer.handshake, true
}

func (l *DatagramListener) peer(addr net.Addr) *datagramPeer {
	key := addr.String()
	peer, ok := l.peers[key]
	if !ok {
		opts := append([]EngineOption{WithLogger(l.logger)}, l.opts...)
		peer = &datagramPeer{
			reassembler: framing.NewReassembler(0),
			engine:      NewEngine(l.codec, l.source, opts...),
		}
		l.peers[key] = peer
		l.logger.WithField("peer", key).Debug("New datagram peer")
	}
	return peer
}

// Serve reads datagrams until ctx is done; parsed frames reach the handler given through WithHandler
func (l *DatagramListener) Serve(ctx context.Context) error {
	buf := make([]byte, 65536)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return err
		}

		n, addr, err := l.conn.ReadFrom(buf)
		if n > 0 {
			l.receive(addr, buf[:n])
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (l *DatagramListener) receive(addr net.Addr, data []byte) {
	peer := l.peer(addr)
	payloads, err := peer.reassembler.Feed(data)
	if err != nil {
		l.logger.WithField("peer", addr.String()).Debug("Dropped malformed datagram payload")
		_ = peer.engine.fail(l.framingError(err))
	}

	for _, msg := range payloads {
		if len(msg) > 0 && msg[0]&framing.FlagHandshake != 0 {
			l.handshake(addr, peer, msg)
			continue
		}
		image, _, err := l.packager.Open(msg)
		if err != nil {
			l.logger.WithField("peer", addr.String()).Debug("Cannot open datagram payload")
			_ = peer.engine.fail(l.framingError(err))
			continue
		}
		_, _ = peer.engine.FeedFrame(image)
	}
}

// framingError reports a payload that never reached the codec
func (l *DatagramListener) framingError(err error) error {
	return &MalformedFramingError{Protocol: l.codec.Protocol(), Reason: err.Error(), Err: err}
}

func (l *DatagramListener) handshake(addr net.Addr, peer *datagramPeer, msg []byte) {
	remote, err := framing.DecodeHandshake(msg)
	if err != nil {
		l.logger.WithField("peer", addr.String()).WithError(err).Warn("Invalid handshake")
		return
	}
	if l.local == nil {
		peer.handshake = &remote
		return
	}

	agreed, err := framing.Negotiate(*l.local, remote)
	if err != nil {
		l.logger.WithFields(log.Fields{
			"peer":     addr.String(),
			"identity": remote.Identity,
			"error":    err,
		}).Warn("Handshake rejected")
		return
	}
	peer.handshake = &agreed

	reply, err := framing.EncodeHandshake(agreed)
	if err != nil {
		l.logger.WithError(err).Error("Error encoding handshake")
		return
	}
	if _, err := l.conn.WriteTo(reply, addr); err != nil {
		l.logger.WithField("peer", addr.String()).WithError(err).Error("Error writing handshake")
		return
	}
	l.logger.WithFields(log.Fields{
		"peer":      addr.String(),
		"identity":  remote.Identity,
		"protocols": agreed.Protocols,
	}).Info("Handshake completed")
}

// DatagramWriter packs frames and sends them to one address, split into datagrams of at most MaxDatagram bytes
type DatagramWriter struct {
	MaxDatagram int

	conn     net.PacketConn
	addr     net.Addr
	codec    Codec
	packager *framing.Packager
}

func NewDatagramWriter(conn net.PacketConn, addr net.Addr, codec Codec, packager *framing.Packager) *DatagramWriter {
	if packager == nil {
		packager, _ = framing.NewPackager(framing.Options{})
	}
	return &DatagramWriter{
		MaxDatagram: DefaultDatagramSize,
		conn:        conn,
		addr:        addr,
		codec:       codec,
		packager:    packager,
	}
}

// WriteFrame packs f and sends it, returning the number of bytes written
func (w *DatagramWriter) WriteFrame(f *Frame) (int, error) {
	image, err := w.codec.Pack(f)
	if err != nil {
		return 0, err
	}
	msg, err := w.packager.Seal(image)
	if err != nil {
		return 0, err
	}
	return w.write(msg)
}

func (w *DatagramWriter) write(msg []byte) (int, error) {
	size := w.MaxDatagram
	if size <= 0 {
		size = DefaultDatagramSize
	}
	written := 0
	for len(msg) > 0 {
		chunk := msg[:min(size, len(msg))]
		n, err := w.conn.WriteTo(chunk, w.addr)
		written += n
		if err != nil {
			return written, err
		}
		msg = msg[len(chunk):]
	}
	return written, nil
}

// Handshake announces local and waits for the negotiated reply from the listener
func (w *DatagramWriter) Handshake(ctx context.Context, local framing.Handshake) (framing.Handshake, error) {
	msg, err := framing.EncodeHandshake(local)
	if err != nil {
		return framing.Handshake{}, err
	}
	if _, err := w.write(msg); err != nil {
		return framing.Handshake{}, err
	}

	r := framing.NewReassembler(0)
	buf := make([]byte, 65536)
	for {
		if err := ctx.Err(); err != nil {
			return framing.Handshake{}, err
		}
		if err := w.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return framing.Handshake{}, err
		}
		n, addr, err := w.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return framing.Handshake{}, err
		}
		if addr.String() != w.addr.String() {
			continue
		}
		payloads, _ := r.Feed(buf[:n])
		for _, p := range payloads {
			if len(p) > 0 && p[0]&framing.FlagHandshake != 0 {
				return framing.DecodeHandshake(p)
			}
		}
	}
}

func (w *DatagramWriter) String() string {
	return fmt.Sprintf("%s datagram writer to %s", w.codec.Protocol(), w.addr)
}
