// Package metrics provides Prometheus metrics for alpd.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "alpd"
)

// Metrics contains all Prometheus metrics for a node. All Record methods
// accept a nil receiver.
type Metrics struct {
	// Command metrics
	CommandsActive    prometheus.Gauge
	CommandsTotal     *prometheus.CounterVec
	CommandsRejected  prometheus.Counter
	CommandsCompleted *prometheus.CounterVec
	DispatchLatency   prometheus.Histogram

	// Action metrics
	Actions      *prometheus.CounterVec
	ActionErrors *prometheus.CounterVec

	// Forwarding metrics
	Forwards           *prometheus.CounterVec
	InterfaceSwitches  *prometheus.CounterVec
	SessionResults     prometheus.Counter
	UnsolicitedDropped prometheus.Counter

	// File store metrics
	FileReads        prometheus.Counter
	FileWrites       prometheus.Counter
	FileBytesRead    prometheus.Counter
	FileBytesWritten prometheus.Counter
	FilesCreated     *prometheus.CounterVec

	// Host link metrics
	HostlinkClients prometheus.Gauge
	HostOutputBytes *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CommandsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_active",
			Help:      "Number of occupied command slots",
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total commands accepted by origin",
		}, []string{"origin"}),
		CommandsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Total commands refused because no slot was free",
		}),
		CommandsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_completed_total",
			Help:      "Total commands completed by result",
		}, []string{"result"}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent interpreting one command locally",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
		}),

		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Total ALP actions interpreted by operation",
		}, []string{"op"}),
		ActionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_errors_total",
			Help:      "Total failed ALP actions by status",
		}, []string{"status"}),

		Forwards: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_total",
			Help:      "Total commands forwarded by interface",
		}, []string{"interface"}),
		InterfaceSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interface_switches_total",
			Help:      "Total radio stack switches by activated stack",
		}, []string{"to"}),
		SessionResults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_results_total",
			Help:      "Total session results received for forwarded commands",
		}),
		UnsolicitedDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsolicited_dropped_total",
			Help:      "Total unsolicited requests dropped",
		}),

		FileReads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_reads_total",
			Help:      "Total file reads",
		}),
		FileWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_writes_total",
			Help:      "Total file writes",
		}),
		FileBytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_bytes_read_total",
			Help:      "Total bytes read from files",
		}),
		FileBytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_bytes_written_total",
			Help:      "Total bytes written to files",
		}),
		FilesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_created_total",
			Help:      "Total files created by backend",
		}, []string{"backend"}),

		HostlinkClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hostlink_clients",
			Help:      "Number of connected host link clients",
		}),
		HostOutputBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_output_bytes_total",
			Help:      "Total bytes emitted to the host by sink",
		}, []string{"sink"}),
	}
}

// Command metrics helpers

// RecordCommandStart records an allocated command slot.
func (m *Metrics) RecordCommandStart(origin string) {
	if m == nil {
		return
	}
	m.CommandsActive.Inc()
	m.CommandsTotal.WithLabelValues(origin).Inc()
}

// RecordCommandFreed records a released command slot.
func (m *Metrics) RecordCommandFreed() {
	if m == nil {
		return
	}
	m.CommandsActive.Dec()
}

// RecordCommandRejected records a command refused for lack of a slot.
func (m *Metrics) RecordCommandRejected() {
	if m == nil {
		return
	}
	m.CommandsRejected.Inc()
}

// RecordCommandCompleted records a command reaching its terminal point.
func (m *Metrics) RecordCommandCompleted(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	m.CommandsCompleted.WithLabelValues(result).Inc()
}

// RecordDispatch records local interpretation time.
func (m *Metrics) RecordDispatch(seconds float64) {
	if m == nil {
		return
	}
	m.DispatchLatency.Observe(seconds)
}

// RecordAction records an interpreted action.
func (m *Metrics) RecordAction(op string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(op).Inc()
}

// RecordActionError records a failed action.
func (m *Metrics) RecordActionError(status string) {
	if m == nil {
		return
	}
	m.ActionErrors.WithLabelValues(status).Inc()
}

// Forwarding metrics helpers

// RecordForward records a command handed to an interface.
func (m *Metrics) RecordForward(itf string) {
	if m == nil {
		return
	}
	m.Forwards.WithLabelValues(itf).Inc()
}

// RecordInterfaceSwitch records activation of a radio stack.
func (m *Metrics) RecordInterfaceSwitch(to string) {
	if m == nil {
		return
	}
	m.InterfaceSwitches.WithLabelValues(to).Inc()
}

// RecordSessionResult records a response received for a forwarded command.
func (m *Metrics) RecordSessionResult() {
	if m == nil {
		return
	}
	m.SessionResults.Inc()
}

// RecordUnsolicitedDropped records an unsolicited request that was dropped.
func (m *Metrics) RecordUnsolicitedDropped() {
	if m == nil {
		return
	}
	m.UnsolicitedDropped.Inc()
}

// File store metrics helpers

// RecordFileRead records a file read of n bytes.
func (m *Metrics) RecordFileRead(n int) {
	if m == nil {
		return
	}
	m.FileReads.Inc()
	m.FileBytesRead.Add(float64(n))
}

// RecordFileWrite records a file write of n bytes.
func (m *Metrics) RecordFileWrite(n int) {
	if m == nil {
		return
	}
	m.FileWrites.Inc()
	m.FileBytesWritten.Add(float64(n))
}

// RecordFileCreated records a created file.
func (m *Metrics) RecordFileCreated(backend string) {
	if m == nil {
		return
	}
	m.FilesCreated.WithLabelValues(backend).Inc()
}

// Host link metrics helpers

// RecordHostlinkConnect records a connected host link client.
func (m *Metrics) RecordHostlinkConnect() {
	if m == nil {
		return
	}
	m.HostlinkClients.Inc()
}

// RecordHostlinkDisconnect records a disconnected host link client.
func (m *Metrics) RecordHostlinkDisconnect() {
	if m == nil {
		return
	}
	m.HostlinkClients.Dec()
}

// RecordHostOutput records bytes written to a host sink.
func (m *Metrics) RecordHostOutput(sink string, n int) {
	if m == nil {
		return
	}
	m.HostOutputBytes.WithLabelValues(sink).Add(float64(n))
}
