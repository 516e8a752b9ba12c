package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wacall/wacall/internal/engine"
)

// ActiveCallsProvider exposes the number of live call sessions.
type ActiveCallsProvider interface {
	ActiveCount() int
}

// DispositionCounter returns stored call counts grouped by final status.
type DispositionCounter interface {
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers wacall metrics at scrape time.
type Collector struct {
	activeCalls  ActiveCallsProvider
	dispositions DispositionCounter
	startTime    time.Time

	// Metric descriptors.
	activeCallsDesc *prometheus.Desc
	callsTotalDesc  *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(activeCalls ActiveCallsProvider, dispositions DispositionCounter, startTime time.Time) *Collector {
	return &Collector{
		activeCalls:  activeCalls,
		dispositions: dispositions,
		startTime:    startTime,

		activeCallsDesc: prometheus.NewDesc(
			"wacall_active_calls",
			"Number of currently live call sessions (ringing + answered)",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"wacall_calls_total",
			"Total number of stored calls by final status",
			[]string{"status"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"wacall_uptime_seconds",
			"Seconds since the wacall process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCount()),
		)
	}

	if c.dispositions != nil {
		counts, err := c.dispositions.CountByDisposition(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by disposition", "error", err)
		} else {
			for status, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(n), status,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Recorder observes dispatcher events and maintains event-driven series:
// completed call outcomes, failure reasons and answer latency. It is
// subscribed to the engine like any other listener.
type Recorder struct {
	callsEnded *prometheus.CounterVec
	denials    *prometheus.CounterVec
	setupTime  prometheus.Histogram

	mu      sync.Mutex
	ringing map[string]time.Time
}

// NewRecorder creates a recorder and registers its series with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wacall_calls_finished_total",
			Help: "Finished calls by direction and outcome",
		}, []string{"direction", "outcome"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wacall_permission_denials_total",
			Help: "Outbound calls rejected by the permission ledger, by reason",
		}, []string{"reason"}),
		setupTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wacall_call_setup_seconds",
			Help:    "Time from ringing to answer",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		ringing: make(map[string]time.Time),
	}
	reg.MustRegister(r.callsEnded, r.denials, r.setupTime)
	return r
}

// HandleEvent implements engine.Listener.
func (r *Recorder) HandleEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventCallRinging:
		r.mu.Lock()
		r.ringing[ev.CallID] = ev.At
		r.mu.Unlock()

	case engine.EventCallAnswered:
		r.mu.Lock()
		start, ok := r.ringing[ev.CallID]
		delete(r.ringing, ev.CallID)
		r.mu.Unlock()
		if ok {
			r.setupTime.Observe(ev.At.Sub(start).Seconds())
		}

	case engine.EventCallEnded:
		r.forget(ev.CallID)
		r.callsEnded.WithLabelValues(string(ev.Direction), "ended").Inc()

	case engine.EventCallFailed:
		r.forget(ev.CallID)
		outcome := ev.Reason
		if outcome == "" {
			outcome = "failed"
		}
		r.callsEnded.WithLabelValues(string(ev.Direction), outcome).Inc()
		if outcome == engine.ReasonPermissionDenied || outcome == engine.ReasonQuotaExceeded {
			r.denials.WithLabelValues(outcome).Inc()
		}
	}
}

func (r *Recorder) forget(callID string) {
	r.mu.Lock()
	delete(r.ringing, callID)
	r.mu.Unlock()
}
