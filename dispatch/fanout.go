package dispatch

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/metric"

	"github.com/combo-lab/combo-pubsub/internal/telemetry"
	"github.com/combo-lab/combo-pubsub/registry"
)

// Fanout wraps another Dispatcher's per-entry delivery in a bounded worker
// pool so a single broadcast to many local subscribers doesn't serialize on
// one goroutine, modeled on the teacher's fan-out dispatch path. Below a
// small entry count it dispatches inline — pool setup outweighs the work.
type Fanout struct {
	inner      Dispatcher
	maxWorkers int

	fanoutHistogram metric.Int64Histogram
	instance        string
}

const inlineThreshold = 8

// FanoutConfig configures a Fanout dispatcher.
type FanoutConfig struct {
	// Inner is the per-entry delivery policy (sender filtering, value
	// inspection, ...). Defaults to Default.
	Inner Dispatcher
	// MaxWorkers bounds pool concurrency. Defaults to GOMAXPROCS.
	MaxWorkers int
	// Instance names the owning PubSub instance, attached to metrics.
	Instance string
	// Meter, if non-nil, records fan-out size.
	Meter metric.Meter
}

// NewFanout constructs a worker-pool-backed Dispatcher.
func NewFanout(cfg FanoutConfig) *Fanout {
	inner := cfg.Inner
	if inner == nil {
		inner = Default
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	f := &Fanout{inner: inner, maxWorkers: maxWorkers, instance: cfg.Instance}
	if cfg.Meter != nil {
		f.fanoutHistogram, _ = cfg.Meter.Int64Histogram("dispatch.fanout.size",
			metric.WithDescription("Number of subscribers per fan-out dispatch"),
			metric.WithUnit("{subscriber}"))
	}
	return f
}

// Dispatch implements Dispatcher.
func (f *Fanout) Dispatch(entries []registry.Entry, sender registry.Handle, message any) {
	count := len(entries)
	if f.fanoutHistogram != nil {
		f.fanoutHistogram.Record(context.Background(), int64(count), metric.WithAttributes(
			telemetry.BroadcastAttributes(telemetry.Environment(), f.instance, "", "")...))
	}
	if count == 0 {
		return
	}
	if count <= inlineThreshold {
		f.inner.Dispatch(entries, sender, message)
		return
	}

	workerLimit := f.maxWorkers
	if workerLimit > count {
		workerLimit = count
	}
	p := pool.New().WithMaxGoroutines(workerLimit)
	var mu sync.Mutex
	var panics []string
	for _, e := range entries {
		entry := e
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					panics = append(panics, fmt.Sprint(r))
					mu.Unlock()
				}
			}()
			f.inner.Dispatch([]registry.Entry{entry}, sender, message)
		})
	}
	p.Wait()
	for _, r := range panics {
		log.Printf("dispatch/fanout: recovered panic in worker: %s", r)
	}
}
