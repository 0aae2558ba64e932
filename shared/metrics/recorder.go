// Package metrics exposes build events as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"buildops/shared/message"
	"buildops/shared/model"
)

const namespace = "buildops"

// Recorder counts build status transitions and log lines on its own
// registry.
type Recorder struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	running     prometheus.Gauge
	logLines    prometheus.Counter

	mu     sync.Mutex
	active map[string]bool
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_total",
			Help:      "Counts build status transitions by status",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_running",
			Help:      "Number of builds in the running state",
		}),
		logLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_log_lines_total",
			Help:      "Counts lines written to build logs",
		}),
		active: make(map[string]bool),
	}
	r.registry.MustRegister(r.transitions, r.running, r.logLines)
	return r
}

func (r *Recorder) BuildStatus(msg message.BuildStatusMessage) {
	r.transitions.WithLabelValues(string(msg.Status)).Inc()

	// a run cancelled before it started never entered running
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case msg.Status == model.StatusRunning && !r.active[msg.TargetID]:
		r.active[msg.TargetID] = true
		r.running.Inc()
	case msg.Status.Terminal() && r.active[msg.TargetID]:
		delete(r.active, msg.TargetID)
		r.running.Dec()
	}
}

func (r *Recorder) BuildLog(message.BuildLogMessage) {
	r.logLines.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
