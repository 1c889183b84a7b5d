package obs

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/suyash-sneo/tileacq"
)

// Metrics implements tileacq.Metrics on a Prometheus registerer. Collectors
// are created on first use; the label names of that first call fix the
// metric's label set, and later calls with other names are dropped.
type Metrics struct {
	reg    prometheus.Registerer
	logger tileacq.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var _ tileacq.Metrics = (*Metrics)(nil)

// NewMetrics registers collectors on reg as they are first used.
func NewMetrics(reg prometheus.Registerer, logger tileacq.Logger) *Metrics {
	if logger == nil {
		logger = tileacq.NopLogger()
	}
	return &Metrics{
		reg:        reg,
		logger:     logger,
		counters:   map[string]*prometheus.CounterVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

func (m *Metrics) IncCounter(name string, value float64, labels ...tileacq.Label) {
	names, values := split(labels)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help(name)}, names)
		vec = register(m, vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()
	c, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		m.drop(name, err)
		return
	}
	c.Add(value)
}

func (m *Metrics) SetGauge(name string, value float64, labels ...tileacq.Label) {
	names, values := split(labels)
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help(name)}, names)
		vec = register(m, vec)
		m.gauges[name] = vec
	}
	m.mu.Unlock()
	g, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		m.drop(name, err)
		return
	}
	g.Set(value)
}

func (m *Metrics) ObserveHistogram(name string, value float64, labels ...tileacq.Label) {
	names, values := split(labels)
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    help(name),
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, names)
		vec = register(m, vec)
		m.histograms[name] = vec
	}
	m.mu.Unlock()
	o, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		m.drop(name, err)
		return
	}
	o.Observe(value)
}

func (m *Metrics) drop(name string, err error) {
	m.logger.Debug("metric sample dropped", tileacq.Field{Key: "metric", Value: name}, tileacq.Field{Key: "err", Value: err})
}

// register returns the already registered collector when name is taken.
func register[T prometheus.Collector](m *Metrics, c T) T {
	if m.reg == nil {
		return c
	}
	if err := m.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		m.logger.Warn("metric registration failed", tileacq.Field{Key: "err", Value: err})
	}
	return c
}

func split(labels []tileacq.Label) (names, values []string) {
	sorted := append([]tileacq.Label(nil), labels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	names = make([]string, len(sorted))
	values = make([]string, len(sorted))
	for i, l := range sorted {
		names[i], values[i] = l.Name, l.Value
	}
	return names, values
}

func help(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "tileacq_"), "_", " ")
}
