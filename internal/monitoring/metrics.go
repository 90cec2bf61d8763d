package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reasons for dropped fan-out messages.
const (
	DropReasonSinkFull    = "sink_full"
	DropReasonMailboxFull = "mailbox_full"
)

var (
	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_commands_total",
		Help: "Coordinator commands processed, by command and result",
	}, []string{"command", "result"})

	channelsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quill_channels_active",
		Help: "Current number of channels",
	})

	usersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quill_users_active",
		Help: "Current number of connected users",
	})

	messagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quill_messages_published_total",
		Help: "Messages accepted by channel actors for fan-out",
	})

	messagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quill_messages_delivered_total",
		Help: "Messages delivered to subscriber sinks",
	})

	messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_messages_dropped_total",
		Help: "Messages dropped during fan-out, by reason",
	}, []string{"reason"})

	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quill_ws_connections_total",
		Help: "WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quill_ws_connections_active",
		Help: "Current number of WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_ws_connections_rejected_total",
		Help: "Rejected connection attempts, by reason",
	}, []string{"reason"})

	wsMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quill_ws_messages_sent_total",
		Help: "Frames written to WebSocket clients",
	})

	wsMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quill_ws_messages_received_total",
		Help: "Frames read from WebSocket clients",
	})

	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_rate_limited_total",
		Help: "Rate limiter rejections, by scope",
	}, []string{"scope"})
)

func init() {
	prometheus.MustRegister(
		commandsTotal,
		channelsActive,
		usersActive,
		messagesPublished,
		messagesDelivered,
		messagesDropped,
		connectionsTotal,
		connectionsActive,
		connectionsRejected,
		wsMessagesSent,
		wsMessagesReceived,
		rateLimited,
	)
}

// RecordCommand counts one coordinator command outcome.
func RecordCommand(command string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	commandsTotal.WithLabelValues(command, result).Inc()
}

// SetActiveChannels updates the channel gauge.
func SetActiveChannels(n int) { channelsActive.Set(float64(n)) }

// SetActiveUsers updates the user gauge.
func SetActiveUsers(n int) { usersActive.Set(float64(n)) }

// RecordPublish counts one message accepted for fan-out.
func RecordPublish() { messagesPublished.Inc() }

// RecordDelivery counts one message handed to a subscriber sink.
func RecordDelivery() { messagesDelivered.Inc() }

// RecordDrop counts one dropped fan-out message.
func RecordDrop(reason string) { messagesDropped.WithLabelValues(reason).Inc() }

// RecordConnection counts one established WebSocket connection.
func RecordConnection() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// RecordDisconnection decrements the active-connection gauge.
func RecordDisconnection() { connectionsActive.Dec() }

// RecordConnectionRejected counts one rejected connection attempt.
func RecordConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// RecordFrameSent counts one frame written to a client.
func RecordFrameSent() { wsMessagesSent.Inc() }

// RecordFrameReceived counts one frame read from a client.
func RecordFrameReceived() { wsMessagesReceived.Inc() }

// RecordRateLimited counts one rate limiter rejection.
func RecordRateLimited(scope string) { rateLimited.WithLabelValues(scope).Inc() }

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }
