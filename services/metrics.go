package services

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports completion traffic and controller counts.
type Metrics struct {
	reg         prometheus.Registerer
	completions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taranqi_completions_total",
			Help: "Chat completion calls by caller and outcome.",
		}, []string{"source", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taranqi_completion_duration_seconds",
			Help:    "Chat completion latency.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"source"}),
	}
	reg.MustRegister(m.completions, m.duration)
	return m
}

// Instrument wraps c so every call is counted under source.
func (m *Metrics) Instrument(source string, c Completer) Completer {
	return &instrumentedCompleter{next: c, source: source, m: m}
}

// WatchRegistry exports the number of live controllers.
func (m *Metrics) WatchRegistry(r *Registry) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "taranqi_active_controllers",
		Help: "Visitors with a chat controller in memory.",
	}, func() float64 { return float64(r.Len()) }))
}

type instrumentedCompleter struct {
	next   Completer
	source string
	m      *Metrics
}

func (c *instrumentedCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	start := time.Now()
	reply, err := c.next.Complete(ctx, req)
	c.m.duration.WithLabelValues(c.source).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.m.completions.WithLabelValues(c.source, outcome).Inc()
	return reply, err
}
