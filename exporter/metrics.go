package exporter

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	spans   *prometheus.CounterVec
	batches *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		spans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otlpexport_spans_total",
			Help: "Spans submitted for export, partitioned by outcome.",
		}, []string{"outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otlpexport_batches_total",
			Help: "Export batches, partitioned by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		m.spans = registerOrReuse(reg, m.spans)
		m.batches = registerOrReuse(reg, m.batches)
	}
	return m
}

// registerOrReuse shares one collector between exporters bound to the
// same registry.
func registerOrReuse(reg prometheus.Registerer, cv *prometheus.CounterVec) *prometheus.CounterVec {
	err := reg.Register(cv)
	if err == nil {
		return cv
	}
	are := prometheus.AlreadyRegisteredError{}
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
			return existing
		}
	}
	panic(err)
}

func (m *metrics) ok(spans int) {
	m.spans.WithLabelValues("success").Add(float64(spans))
	m.batches.WithLabelValues("success").Inc()
}

func (m *metrics) fail(spans int) {
	m.spans.WithLabelValues("failure").Add(float64(spans))
	m.batches.WithLabelValues("failure").Inc()
}
