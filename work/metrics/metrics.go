package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks the number of sessions currently streaming per channel.
// This metric is a gauge, it goes up when a session is admitted and down when it closes.
var ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "mixreplace_active_sessions",
	Help: "Number of sessions currently streaming",
}, []string{"channel"})

// FramesOffered counts frames handed to the server by producers per channel,
// regardless of how many sessions were subscribed at the time.
var FramesOffered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mixreplace_frames_offered_total",
	Help: "Total frames offered by producers",
}, []string{"channel"})

// FramesSent counts multipart parts written to clients per channel.
var FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mixreplace_frames_sent_total",
	Help: "Total frames written to clients",
}, []string{"channel"})

// FramesDropped counts frames evicted from full session queues before a client read them.
var FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mixreplace_frames_dropped_total",
	Help: "Total frames evicted from full session queues",
}, []string{"channel"})

// BytesTransferred tracks payload bytes per channel. The "direction" label separates
// frames received from producers ("in") and frames written to clients ("out").
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mixreplace_bytes_transferred_total",
	Help: "Total media bytes transferred",
}, []string{"channel", "direction"})

// RejectedConnections counts connections answered with an error status instead of a stream.
// The "reason" label is one of bad_request, capacity, refused or overload.
var RejectedConnections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mixreplace_rejected_connections_total",
	Help: "Connections rejected before streaming",
}, []string{"reason"})

// SessionErrors counts sessions that ended because of a transport failure.
var SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mixreplace_session_errors_total",
	Help: "Sessions terminated by transport errors",
}, []string{"channel", "error_type"})

// ServerRunning is 1 while the media server is listening.
var ServerRunning = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "mixreplace_server_running",
	Help: "Whether the media server is listening",
})

// SourceFrames counts frames produced by each configured frame source.
var SourceFrames = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mixreplace_source_frames_total",
	Help: "Frames produced by configured sources",
}, []string{"source"})

// WatchdogRestarts counts restarts of the media server by the watchdog.
var WatchdogRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mixreplace_watchdog_restarts_total",
	Help: "Media server restarts attempted by the watchdog",
}, []string{"result"})

// ChannelStalled is 1 while a channel has viewers but no recent frame.
var ChannelStalled = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "mixreplace_channel_stalled",
	Help: "Whether a channel with connected viewers has stopped receiving frames",
}, []string{"channel"})
