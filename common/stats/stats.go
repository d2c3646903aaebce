// Package stats provides a minimal set of instrument interfaces backed by
// go-metrics. It exists so the rest of the code can take a StatsReceiver that
// is scoped per component and swapped for a nil receiver in tests, without
// leaking the go-metrics dependency into every package.
package stats

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Stats users can either reference this global receiver or construct their own.
var CurrentStatsReceiver StatsReceiver = NilStatsReceiver()

// StatsReceiver is passed down the call tree. Hierarchical names use a '/'
// separator; '/' characters inside name elements are scrubbed rather than
// rejected since some names are generated dynamically.
type StatsReceiver interface {
	// Return a receiver that automatically namespaces elements with the
	// given scope args.
	//
	//   statsReceiver.Scope("foo", "bar").Counter("baz")  // is equivalent to
	//   statsReceiver.Counter("foo", "bar", "baz")
	Scope(scope ...string) StatsReceiver

	// Provides an event counter.
	Counter(name ...string) Counter

	// Provides a gauge holding an int64 value that can be set arbitrarily.
	Gauge(name ...string) Gauge

	// Provides a gauge holding a float64 value that can be set arbitrarily.
	GaugeFloat(name ...string) GaugeFloat

	// Provides a histogram of callsite latency, recorded in nanoseconds.
	Latency(name ...string) Latency

	// Removes the given named stats item if it exists.
	Remove(name ...string)

	// Construct a JSON object by marshaling the registry.
	Render(pretty bool) []byte
}

// Counter
type Counter interface {
	Clear()
	Count() int64
	Inc(int64)
}

type metricCounter struct{ metrics.Counter }

func newCounter() *metricCounter { return &metricCounter{metrics.NewCounter()} }

// Gauge
type Gauge interface {
	Update(int64)
	Value() int64
}

type metricGauge struct{ metrics.Gauge }

func newGauge() *metricGauge { return &metricGauge{metrics.NewGauge()} }

// GaugeFloat
type GaugeFloat interface {
	Update(float64)
	Value() float64
}

type metricGaugeFloat struct{ metrics.GaugeFloat64 }

func newGaugeFloat() *metricGaugeFloat { return &metricGaugeFloat{metrics.NewGaugeFloat64()} }

// Latency records elapsed time at a callsite:
//
//	defer stat.Latency("fooLatency_ms").Time().Stop()
type Latency interface {
	Time() *StopWatch
	Count() int64
	Mean() float64
}

type metricLatency struct{ metrics.Histogram }

func newLatency() *metricLatency {
	return &metricLatency{metrics.NewHistogram(metrics.NewUniformSample(1024))}
}

func (l *metricLatency) Time() *StopWatch {
	return &StopWatch{start: time.Now(), latency: l}
}

type StopWatch struct {
	start   time.Time
	latency *metricLatency
}

func (s *StopWatch) Stop() {
	s.latency.Update(int64(time.Since(s.start)))
}

// registry is a mutex-guarded name->instrument map. The go-metrics registry
// is not used directly because its JSON marshaling only recognizes its own
// concrete types, not our wrappers.
type registry struct {
	mu          sync.Mutex
	instruments map[string]interface{}
}

func newRegistry() *registry {
	return &registry{instruments: map[string]interface{}{}}
}

func (r *registry) getOrRegister(name string, mk func() interface{}) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.instruments[name]; ok {
		return i
	}
	i := mk()
	r.instruments[name] = i
	return i
}

func (r *registry) unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instruments, name)
}

func (r *registry) marshal(pretty bool) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]interface{}{}
	for name, i := range r.instruments {
		switch m := i.(type) {
		case *metricCounter:
			out[name] = m.Count()
		case *metricGauge:
			out[name] = m.Value()
		case *metricGaugeFloat:
			out[name] = m.Value()
		case *metricLatency:
			out[name] = map[string]interface{}{
				"count":   m.Histogram.Count(),
				"mean_ms": m.Histogram.Mean() / float64(time.Millisecond),
				"p95_ms":  m.Histogram.Percentile(0.95) / float64(time.Millisecond),
			}
		}
	}
	if pretty {
		return json.MarshalIndent(out, "", "  ")
	}
	return json.Marshal(out)
}

// DefaultStatsReceiver returns a receiver backed by a fresh registry.
func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: newRegistry()}
}

type defaultStatsReceiver struct {
	registry *registry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{s.registry, s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.getOrRegister(s.scopedName(name...), func() interface{} { return newCounter() }).(Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.getOrRegister(s.scopedName(name...), func() interface{} { return newGauge() }).(Gauge)
}

func (s *defaultStatsReceiver) GaugeFloat(name ...string) GaugeFloat {
	return s.registry.getOrRegister(s.scopedName(name...), func() interface{} { return newGaugeFloat() }).(GaugeFloat)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	return s.registry.getOrRegister(s.scopedName(name...), func() interface{} { return newLatency() }).(Latency)
}

func (s *defaultStatsReceiver) Remove(name ...string) {
	s.registry.unregister(s.scopedName(name...))
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	bytes, err := s.registry.marshal(pretty)
	if err != nil {
		panic("stats registry bug, cannot be marshaled")
	}
	return bytes
}

// Append to existing scope and scrub slashes.
func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	for i, sc := range scope {
		scope[i] = strings.Replace(sc, "/", "_SLASH_", -1)
	}
	return append(s.scope[:len(s.scope):len(s.scope)], scope...)
}

func (s *defaultStatsReceiver) scopedName(scope ...string) string {
	return strings.Join(s.scoped(scope...), "/")
}

// NilStatsReceiver ignores all stats operations.
func NilStatsReceiver(scope ...string) StatsReceiver {
	return &nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s *nilStatsReceiver) Scope(scope ...string) StatsReceiver { return s }
func (s *nilStatsReceiver) Counter(name ...string) Counter {
	return &metricCounter{metrics.NilCounter{}}
}
func (s *nilStatsReceiver) Gauge(name ...string) Gauge {
	return &metricGauge{metrics.NilGauge{}}
}
func (s *nilStatsReceiver) GaugeFloat(name ...string) GaugeFloat {
	return &metricGaugeFloat{metrics.NilGaugeFloat64{}}
}
func (s *nilStatsReceiver) Latency(name ...string) Latency {
	return &metricLatency{metrics.NilHistogram{}}
}
func (s *nilStatsReceiver) Remove(name ...string)     {}
func (s *nilStatsReceiver) Render(pretty bool) []byte { return []byte("{}") }
