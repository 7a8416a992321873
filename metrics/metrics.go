// Package metrics exports stream engine and PMU server activity to Prometheus.
package metrics

import (
	"github.com/JSchlarb/phasorstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements phasorstream.MetricsRecorder
type Recorder struct {
	clientsConnected prometheus.Gauge
	connectionsTotal prometheus.Counter
	commandsTotal    *prometheus.CounterVec
	framesSent       *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	bytesReceived    prometheus.Counter
	framesParsed     *prometheus.CounterVec
	frameErrors      *prometheus.CounterVec
	dataFrameRate    prometheus.Gauge
}

var _ phasorstream.MetricsRecorder = (*Recorder)(nil)

// NewRecorder registers the collectors with reg; a nil reg uses the default registerer
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Recorder{
		clientsConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "pmu_clients_connected",
			Help: "Number of connected PDC clients",
		}),
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pmu_client_connections_total",
			Help: "Total number of PDC client connections",
		}),
		commandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pmu_commands_total",
			Help: "Commands received by command name",
		}, []string{"command"}),
		framesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pmu_frames_sent_total",
			Help: "Frames sent by frame type",
		}, []string{"type"}),
		bytesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pmu_bytes_sent_total",
			Help: "Bytes sent by frame type",
		}, []string{"type"}),
		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "pmu_bytes_received_total",
			Help: "Bytes received from clients",
		}),
		framesParsed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phasor_frames_parsed_total",
			Help: "Frames decoded by protocol and frame type",
		}, []string{"protocol", "type"}),
		frameErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phasor_frame_errors_total",
			Help: "Frames rejected by error kind",
		}, []string{"kind"}),
		dataFrameRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "pmu_data_frame_rate_hz",
			Help: "Current data frame transmission rate in Hz",
		}),
	}
}

func (r *Recorder) RecordClientConnected() {
	r.clientsConnected.Inc()
	r.connectionsTotal.Inc()
}

func (r *Recorder) RecordClientDisconnected() {
	r.clientsConnected.Dec()
}

func (r *Recorder) RecordCommand(cmdType string) {
	r.commandsTotal.WithLabelValues(cmdType).Inc()
}

func (r *Recorder) RecordFrameSent(frameType phasorstream.FrameType, size int) {
	r.framesSent.WithLabelValues(frameType.String()).Inc()
	r.bytesSent.WithLabelValues(frameType.String()).Add(float64(size))
}

func (r *Recorder) RecordBytesReceived(size int) {
	r.bytesReceived.Add(float64(size))
}

func (r *Recorder) RecordFrameParsed(protocol phasorstream.Protocol, frameType phasorstream.FrameType) {
	r.framesParsed.WithLabelValues(protocol.String(), frameType.String()).Inc()
}

func (r *Recorder) RecordFrameError(kind phasorstream.ErrorKind) {
	r.frameErrors.WithLabelValues(kind.String()).Inc()
}

// UpdateDataFrameRate sets the measured data frame rate
func (r *Recorder) UpdateDataFrameRate(rate float64) {
	r.dataFrameRate.Set(rate)
}
