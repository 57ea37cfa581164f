// Package metrics exposes dispatcher counters to Prometheus by
// consuming lifecycle events off the bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"whisper/internal/eventbus"
)

// Collector increments one counter per dispatcher lifecycle event.
// Attach it to a bus; Close detaches and stops the consuming goroutine.
type Collector struct {
	queued  prometheus.Counter
	deduped prometheus.Counter
	dropped prometheus.Counter
	merged  prometheus.Counter
	sent    prometheus.Counter
	retried prometheus.Counter
	failed  prometheus.Counter

	unsub func()
	done  chan struct{}
}

func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		queued:  f.NewCounter(prometheus.CounterOpts{Name: "whisper_tasks_queued_total", Help: "Tasks accepted into the work queue."}),
		deduped: f.NewCounter(prometheus.CounterOpts{Name: "whisper_tasks_deduped_total", Help: "Text sends suppressed by the duplicate cache."}),
		dropped: f.NewCounter(prometheus.CounterOpts{Name: "whisper_tasks_dropped_total", Help: "Tasks dropped at enqueue (queue full or invalid input)."}),
		merged:  f.NewCounter(prometheus.CounterOpts{Name: "whisper_batches_merged_total", Help: "Text batches merged into a single submission."}),
		sent:    f.NewCounter(prometheus.CounterOpts{Name: "whisper_tasks_sent_total", Help: "Tasks delivered to the Bot API."}),
		retried: f.NewCounter(prometheus.CounterOpts{Name: "whisper_ledger_retries_total", Help: "Ledger tasks resubmitted at cycle level."}),
		failed:  f.NewCounter(prometheus.CounterOpts{Name: "whisper_tasks_failed_total", Help: "Tasks whose attempt budget was exhausted."}),
		done:    make(chan struct{}),
	}
}

// Attach subscribes to the bus and consumes events until Close.
func (c *Collector) Attach(bus *eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	c.unsub = unsub
	go func() {
		defer close(c.done)
		for e := range ch {
			c.observe(e)
		}
	}()
}

func (c *Collector) observe(e eventbus.Event) {
	switch e.Kind {
	case eventbus.Queued:
		c.queued.Inc()
	case eventbus.Deduped:
		c.deduped.Inc()
	case eventbus.Dropped:
		c.dropped.Inc()
	case eventbus.Merged:
		c.merged.Inc()
	case eventbus.Sent:
		c.sent.Inc()
	case eventbus.Retried:
		c.retried.Inc()
	case eventbus.Failed:
		c.failed.Inc()
	}
}

// Close detaches from the bus and waits for in-flight events to be
// counted.
func (c *Collector) Close() {
	if c.unsub == nil {
		return
	}
	c.unsub()
	<-c.done
}
