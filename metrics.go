package phasorstream

// MetricsRecorder is an interface for tracking various metrics related to client connections and data processing.
// RecordClientConnected logs a new client connection.
// RecordClientDisconnected logs a client disconnection.
// RecordCommand tracks the type of command being processed.
// RecordFrameSent tracks the size of frames sent out, by frame type.
// RecordBytesReceived logs the size of data received.
// RecordFrameParsed counts frames decoded by the engine.
// RecordFrameError tracks the kind of parse failure encountered.
// UpdateDataFrameRate updates the rate of data frame processing.
type MetricsRecorder interface {
	RecordClientConnected()
	RecordClientDisconnected()
	RecordCommand(cmdType string)
	RecordFrameSent(frameType FrameType, size int)
	RecordBytesReceived(size int)
	RecordFrameParsed(protocol Protocol, frameType FrameType)
	RecordFrameError(kind ErrorKind)
	UpdateDataFrameRate(rate float64)
}

type nopMetrics struct{}

func (nopMetrics) RecordClientConnected() {}
func (nopMetrics) RecordClientDisconnected() {}
func (nopMetrics) RecordCommand(string) {}
func (nopMetrics) RecordFrameSent(FrameType, int) {}
func (nopMetrics) RecordBytesReceived(int) {}
func (nopMetrics) RecordFrameParsed(Protocol, FrameType) {}
func (nopMetrics) RecordFrameError(ErrorKind) {}
func (nopMetrics) UpdateDataFrameRate(float64) {}
