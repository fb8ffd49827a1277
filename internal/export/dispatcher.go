// Package export delivers readings to the configured sinks: HTTP batch
// POST, sqlite/postgresql storage and MQTT publish. Sinks are independent
// consumers with their own bounded queues, so one sink failing or stalling
// never affects another. Every queue in the package drops the oldest item
// on overflow; a camera worker is never blocked by export backpressure.
package export

import (
	"context"
	"sync/atomic"

	"metereye/internal/metrics"
	"metereye/internal/model"
)

const dispatchQueueSize = 1024

// Dispatcher receives every reading from all camera workers over a single
// bounded queue and forwards each one to every sink.
type Dispatcher struct {
	queue chan model.Event
	sinks []model.Sink
	mx    *metrics.Metrics

	emitted   atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Stats is a point-in-time snapshot of the dispatcher counters. Once the
// queue is drained, Emitted = Delivered + Dropped.
type Stats struct {
	Emitted   uint64
	Delivered uint64
	Dropped   uint64
	Queued    int
	Capacity  int
}

// NewDispatcher creates a dispatcher feeding the given sinks.
func NewDispatcher(sinks []model.Sink, mx *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		queue: make(chan model.Event, dispatchQueueSize),
		sinks: sinks,
		mx:    mx,
	}
}

// Dispatch enqueues one event without ever blocking the caller. When the
// queue is full the oldest queued event is discarded and counted.
func (d *Dispatcher) Dispatch(ev model.Event) {
	d.emitted.Add(1)
	offer(d.queue, ev, func() {
		d.dropped.Add(1)
		d.mx.DispatchDrops.Inc()
	})
}

// offer places ev on q, evicting the oldest queued entry when q is full.
// onDrop runs once per eviction. Never blocks.
func offer(q chan model.Event, ev model.Event, onDrop func()) {
	for {
		select {
		case q <- ev:
			return
		default:
		}
		select {
		case <-q:
			onDrop()
		default:
		}
	}
}

// Run consumes the queue and hands each event to every sink. Blocks until
// ctx is cancelled; anything still queued at that point is drained first
// so shutdown loses nothing.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

func (d *Dispatcher) deliver(ev model.Event) {
	for _, s := range d.sinks {
		s.Submit(ev)
	}
	d.delivered.Add(1)
}

// Stats returns the current counter snapshot and updates the queue
// saturation gauge.
func (d *Dispatcher) Stats() Stats {
	st := Stats{
		Emitted:   d.emitted.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Queued:    len(d.queue),
		Capacity:  cap(d.queue),
	}
	d.mx.QueueSaturationPct.WithLabelValues("dispatch").Set(float64(st.Queued) / float64(st.Capacity) * 100)
	return st
}
