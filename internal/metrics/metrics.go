package metrics

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Metrics holds the counters and timers of a single run. It is passed to the
// components that record into it; there is no process-wide instance.
type Metrics struct {
	mu       sync.Mutex
	counters map[string]*atomic.Int64
	timers   map[string]*atomic.Duration
	disabled bool
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters: make(map[string]*atomic.Int64),
		timers:   make(map[string]*atomic.Duration),
	}
}

// NoMetrics returns a Metrics that discards everything.
func NoMetrics() *Metrics {
	return &Metrics{disabled: true}
}

func (x *Metrics) counter(name string) *atomic.Int64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	c, ok := x.counters[name]
	if !ok {
		c = atomic.NewInt64(0)
		x.counters[name] = c
	}
	return c
}

func (x *Metrics) timer(name string) *atomic.Duration {
	x.mu.Lock()
	defer x.mu.Unlock()

	t, ok := x.timers[name]
	if !ok {
		t = atomic.NewDuration(0)
		x.timers[name] = t
	}
	return t
}

// Record starts a timer; calling the returned function adds the elapsed time
// to the named timer.
func (x *Metrics) Record(metricName string) func() time.Duration {
	start := time.Now()
	if x == nil || x.disabled {
		return func() time.Duration { return time.Since(start) }
	}

	t := x.timer(metricName)
	return func() time.Duration {
		elapsed := time.Since(start)
		t.Add(elapsed)
		return elapsed
	}
}

func (x *Metrics) Increment(metricName string) {
	x.Add(metricName, 1)
}

func (x *Metrics) Add(metricName string, delta int64) {
	if x == nil || x.disabled {
		return
	}
	x.counter(metricName).Add(delta)
}

func (x *Metrics) Count(metricName string) int64 {
	if x == nil || x.disabled {
		return 0
	}
	return x.counter(metricName).Load()
}

type Sample struct {
	Name  string
	Value string
}

// Snapshot returns every counter and timer sorted by name.
func (x *Metrics) Snapshot() []Sample {
	if x == nil || x.disabled {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	samples := make([]Sample, 0, len(x.counters)+len(x.timers))
	for name, c := range x.counters {
		samples = append(samples, Sample{Name: name, Value: strconv.FormatInt(c.Load(), 10)})
	}
	for name, t := range x.timers {
		samples = append(samples, Sample{Name: name, Value: t.Load().Round(time.Millisecond).String()})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })

	return samples
}
