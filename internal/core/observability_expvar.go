package core

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"
)

var expvarNames sync.Mutex

// ExpvarRecorder publishes command counters, latency and gas totals as one
// expvar map, served as JSON by expvar.Handler. The map holds four nested
// maps keyed by operation: committed, failed, latency_ms and gas.
type ExpvarRecorder struct {
	name      string
	committed *expvar.Map
	failed    *expvar.Map
	latencyMS *expvar.Map
	gas       *expvar.Map
}

// NewExpvarRecorder publishes a recorder under name, or under
// "marketcore_commands" when name is empty. A name already published gets a
// numeric suffix.
func NewExpvarRecorder(name string) *ExpvarRecorder {
	if name == "" {
		name = "marketcore_commands"
	}
	expvarNames.Lock()
	defer expvarNames.Unlock()
	published := name
	for i := 2; expvar.Get(published) != nil; i++ {
		published = fmt.Sprintf("%s_%d", name, i)
	}
	r := &ExpvarRecorder{
		name:      published,
		committed: new(expvar.Map).Init(),
		failed:    new(expvar.Map).Init(),
		latencyMS: new(expvar.Map).Init(),
		gas:       new(expvar.Map).Init(),
	}
	root := expvar.NewMap(published)
	root.Set("committed", r.committed)
	root.Set("failed", r.failed)
	root.Set("latency_ms", r.latencyMS)
	root.Set("gas", r.gas)
	return r
}

// Name is the expvar key the recorder was published under.
func (r *ExpvarRecorder) Name() string { return r.name }

// Observe implements MetricsRecorder.
func (r *ExpvarRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if success {
		r.committed.Add(operation, 1)
	} else {
		r.failed.Add(operation, 1)
	}
	r.latencyMS.AddFloat(operation, float64(duration)/float64(time.Millisecond))
}

// ObserveGas implements GasObserver.
func (r *ExpvarRecorder) ObserveGas(_ context.Context, operation string, gas uint64) {
	r.gas.Add(operation, int64(gas))
}

// Commands returns how many operation commands committed and failed.
func (r *ExpvarRecorder) Commands(operation string) (committed, failed int64) {
	return intVar(r.committed, operation), intVar(r.failed, operation)
}

// Gas returns the gas charged to operation so far.
func (r *ExpvarRecorder) Gas(operation string) uint64 {
	return uint64(intVar(r.gas, operation))
}

func intVar(m *expvar.Map, key string) int64 {
	if v, ok := m.Get(key).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}
