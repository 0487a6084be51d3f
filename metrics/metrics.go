// Package metrics reports counters, gauges and distributions to a Prometheus
// registry. Collectors are created on first use and addressed by group and
// name, so call sites never declare them up front:
//
//	metrics.IncrCounterWithGroup("net", "datagrams_received_total", 1)
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Namespace prefixes every exported metric name.
const Namespace = "oscroute"

type collector struct {
	policy    Policy
	labels    []string
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
	summary   *prometheus.SummaryVec
}

// Reporter owns a registry and the collectors created in it.
type Reporter struct {
	mu         sync.Mutex
	registry   *prometheus.Registry
	collectors map[string]*collector
	extremes   map[string]float64
}

// NewReporter creates a Reporter over reg; nil creates a fresh registry.
func NewReporter(reg *prometheus.Registry) *Reporter {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Reporter{
		registry:   reg,
		collectors: make(map[string]*collector),
		extremes:   make(map[string]float64),
	}
}

var (
	_defaultMu       sync.RWMutex
	_defaultReporter = NewReporter(nil)
)

// Default returns the process-wide Reporter.
func Default() *Reporter {
	_defaultMu.RLock()
	defer _defaultMu.RUnlock()
	return _defaultReporter
}

// SetDefault replaces the process-wide Reporter and returns the previous one.
func SetDefault(r *Reporter) *Reporter {
	_defaultMu.Lock()
	defer _defaultMu.Unlock()
	prev := _defaultReporter
	_defaultReporter = r
	return prev
}

// Registry exposes the underlying Prometheus registry.
func (r *Reporter) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func fqName(group, name string) string {
	return prometheus.BuildFQName(Namespace, sanitize(group), sanitize(name))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}

func labelNames(dim Dimension) []string {
	names := make([]string, 0, len(dim))
	for k := range dim {
		names = append(names, sanitize(k))
	}
	sort.Strings(names)
	return names
}

func labelValues(dim Dimension) prometheus.Labels {
	labels := make(prometheus.Labels, len(dim))
	for k, v := range dim {
		labels[sanitize(k)] = v
	}
	return labels
}

func (r *Reporter) collectorFor(group, name string, policy Policy, dim Dimension) (*collector, error) {
	if policy == PolicyNone {
		policy = PolicySum
	}
	fq := fqName(group, name)
	if c, ok := r.collectors[fq]; ok {
		if c.policy != policy {
			return nil, fmt.Errorf("metrics: %s registered as %s, reported as %s", fq, c.policy, policy)
		}
		return c, nil
	}

	c := &collector{policy: policy, labels: labelNames(dim)}
	help := group + " " + name
	var pc prometheus.Collector
	switch policy {
	case PolicySet, PolicyMax, PolicyMin:
		c.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: fq, Help: help}, c.labels)
		pc = c.gauge
	case PolicyStopwatch, PolicyHistogram:
		c.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: fq, Help: help, Buckets: prometheus.DefBuckets}, c.labels)
		pc = c.histogram
	case PolicyAvg, PolicyMid:
		opts := prometheus.SummaryOpts{Name: fq, Help: help}
		if policy == PolicyMid {
			opts.Objectives = map[float64]float64{0.5: 0.05}
		}
		c.summary = prometheus.NewSummaryVec(opts, c.labels)
		pc = c.summary
	default:
		c.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: fq, Help: help}, c.labels)
		pc = c.counter
	}

	if err := r.registry.Register(pc); err != nil {
		return nil, err
	}
	r.collectors[fq] = c
	return c, nil
}

// Report records v for group/name under policy. The first report of a name
// fixes its policy and label keys; later reports that disagree are dropped
// and the error returned.
func (r *Reporter) Report(group, name string, policy Policy, v Value, dim Dimension) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.collectorFor(group, name, policy, dim)
	if err != nil {
		return err
	}
	labels := labelValues(dim)

	switch {
	case c.counter != nil:
		if v < 0 {
			return errors.New("metrics: counter cannot decrease")
		}
		m, err := c.counter.GetMetricWith(labels)
		if err != nil {
			return err
		}
		m.Add(float64(v))
	case c.gauge != nil:
		m, err := c.gauge.GetMetricWith(labels)
		if err != nil {
			return err
		}
		val := float64(v)
		key := fqName(group, name) + labelKey(labels)
		if prev, ok := r.extremes[key]; ok {
			if c.policy == PolicyMax && prev > val {
				val = prev
			}
			if c.policy == PolicyMin && prev < val {
				val = prev
			}
		}
		if c.policy == PolicyMax || c.policy == PolicyMin {
			r.extremes[key] = val
		}
		m.Set(val)
	case c.histogram != nil:
		m, err := c.histogram.GetMetricWith(labels)
		if err != nil {
			return err
		}
		m.Observe(float64(v))
	case c.summary != nil:
		m, err := c.summary.GetMetricWith(labels)
		if err != nil {
			return err
		}
		m.Observe(float64(v))
	}
	return nil
}

func labelKey(labels prometheus.Labels) string {
	keys := make([]string, 0, len(labels))
	for k, v := range labels {
		keys = append(keys, k+"="+v)
	}
	sort.Strings(keys)
	return "{" + strings.Join(keys, ",") + "}"
}

// Read returns the current value of a counter or gauge, or the sample count
// of a histogram or summary. Unknown metrics read as zero.
func (r *Reporter) Read(group, name string, dim Dimension) float64 {
	r.mu.Lock()
	c, ok := r.collectors[fqName(group, name)]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	labels := labelValues(dim)
	var m dto.Metric
	switch {
	case c.counter != nil:
		cm, err := c.counter.GetMetricWith(labels)
		if err != nil || cm.Write(&m) != nil {
			return 0
		}
		return m.GetCounter().GetValue()
	case c.gauge != nil:
		gm, err := c.gauge.GetMetricWith(labels)
		if err != nil || gm.Write(&m) != nil {
			return 0
		}
		return m.GetGauge().GetValue()
	case c.histogram != nil:
		hm, err := c.histogram.GetMetricWith(labels)
		if err != nil {
			return 0
		}
		if w, ok := hm.(prometheus.Metric); !ok || w.Write(&m) != nil {
			return 0
		}
		return float64(m.GetHistogram().GetSampleCount())
	case c.summary != nil:
		sm, err := c.summary.GetMetricWith(labels)
		if err != nil {
			return 0
		}
		if w, ok := sm.(prometheus.Metric); !ok || w.Write(&m) != nil {
			return 0
		}
		return float64(m.GetSummary().GetSampleCount())
	}
	return 0
}

// IncrCounterWithGroup adds v to the counter group/name.
func IncrCounterWithGroup(group, name string, v Value) {
	_ = Default().Report(group, name, PolicySum, v, nil)
}

// IncrCounterWithDimGroup adds v to the labelled counter group/name.
func IncrCounterWithDimGroup(group, name string, v Value, dim Dimension) {
	_ = Default().Report(group, name, PolicySum, v, dim)
}

// UpdateGaugeWithGroup sets the gauge group/name to v.
func UpdateGaugeWithGroup(group, name string, v Value) {
	_ = Default().Report(group, name, PolicySet, v, nil)
}

// UpdateGaugeWithDimGroup sets the labelled gauge group/name to v.
func UpdateGaugeWithDimGroup(group, name string, v Value, dim Dimension) {
	_ = Default().Report(group, name, PolicySet, v, dim)
}

// ObserveHistogramWithGroup records v in the histogram group/name.
func ObserveHistogramWithGroup(group, name string, v Value) {
	_ = Default().Report(group, name, PolicyHistogram, v, nil)
}

// Handler serves the process-wide registry.
func Handler() http.Handler {
	return Default().Handler()
}
