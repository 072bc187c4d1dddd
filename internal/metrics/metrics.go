package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aclrt"

var (
	HTTPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_responses_total",
		Help:      "The total number of responses served by the metrics endpoint, by path and status code",
	}, []string{"endpoint", "status_code"})

	// Stream command metrics
	CommandsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_submitted_total",
		Help:      "Commands accepted into a stream queue, by command kind",
	}, []string{"kind"})

	CommandsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_completed_total",
		Help:      "Commands that reached a terminal state, by kind and status (completed, failed, dropped, cancelled)",
	}, []string{"kind", "status"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Execution time of dispatched commands",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12), // 1us to ~4s
	}, []string{"kind"})

	StreamsPoisoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "streams_poisoned_total",
		Help:      "Streams that entered the sticky failure state under stop-on-failure",
	})

	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "streams_active",
		Help:      "Streams created and not yet destroyed",
	})

	// Memory metrics
	DeviceMemoryUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_memory_used_bytes",
		Help:      "Device memory reserved by allocations, after page rounding",
	}, []string{"device"})

	HostPinnedUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "host_pinned_used_bytes",
		Help:      "Host pinned memory reserved by all runtimes",
	})

	// IPC metrics
	IPCExportsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ipc_exports_active",
		Help:      "Device memory exports currently open",
	})

	IPCImports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ipc_imports_total",
		Help:      "Import attempts by result (ok, not_found, not_authorized)",
	}, []string{"result"})

	// Host callback metrics
	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "callbacks_total",
		Help:      "Host callbacks run by the callback workers, by result (ok, error, panic)",
	}, []string{"result"})
)
