package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveChannels         = promauto.NewGauge(prometheus.GaugeOpts{Name: "connexions_active_channels", Help: "Open control channels (units)"})
	ActiveConnections      = promauto.NewGauge(prometheus.GaugeOpts{Name: "connexions_active_connections", Help: "Outbound sockets currently open"})
	ConnectionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "connexions_connections_opened_total", Help: "Outbound connections established"})
	ConnectionsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "connexions_connections_failed_total", Help: "Outbound connections torn down by an error"})
	PacketsReceivedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "connexions_packets_received_total", Help: "Packets decoded from clients by type"}, []string{"type"})
	PacketsSentTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "connexions_packets_sent_total", Help: "Packets enqueued to clients by type"}, []string{"type"})
	BytesProxiedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "connexions_bytes_proxied_total", Help: "Payload bytes relayed by direction"}, []string{"direction"})
	NotificationsDropped   = promauto.NewCounter(prometheus.CounterOpts{Name: "connexions_notifications_dropped_total", Help: "Packets that could not be enqueued to a channel"})
	SchedulerQueueDepth    = promauto.NewGauge(prometheus.GaugeOpts{Name: "connexions_scheduler_queue_depth", Help: "Deferred jobs waiting to run"})
	SchedulerJobsTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "connexions_scheduler_jobs_total", Help: "Deferred jobs executed"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "connexions_errors_total", Help: "Errors by type"}, []string{"type"})
	ConnectionDuration     = promauto.NewHistogram(prometheus.HistogramOpts{Name: "connexions_connection_duration_seconds", Help: "Outbound connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
