// Package dispatch runs the engine's control loop: drain the queue on
// a batching timer, merge text bursts, fan the batch out to per-cycle
// sender goroutines, and retry the failure ledger once per cycle.
package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"whisper/internal/eventbus"
	"whisper/internal/queue"
	"whisper/internal/task"
)

// Submitter performs one network submission, burning its own retry
// budget before reporting failure.
type Submitter interface {
	Submit(ctx context.Context, t *task.Task) error
}

type Config struct {
	// BatchInterval is the wall-clock collection window of one cycle.
	BatchInterval time.Duration
	// PollTimeout bounds each queue wait so the stop signal is
	// observed promptly. It is the shutdown-latency floor.
	PollTimeout time.Duration
	// IdlePause is the brief rest between cycles.
	IdlePause time.Duration
}

func (c *Config) defaults() {
	if c.BatchInterval <= 0 {
		c.BatchInterval = 15 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
	if c.IdlePause <= 0 {
		c.IdlePause = 500 * time.Millisecond
	}
}

// Loop owns all dispatch state. One goroutine runs the cycle; the
// ledger is a plain slice touched only from that goroutine, and
// per-cycle send failures funnel back through a channel closed after
// the fan-out join barrier.
type Loop struct {
	cfg Config
	q   *queue.Queue
	sub Submitter
	bus *eventbus.Bus
	log zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	ledger     []*task.Task
	ledgerSize atomic.Int64

	now func() time.Time // test hook
}

func New(cfg Config, q *queue.Queue, sub Submitter, bus *eventbus.Bus, log zerolog.Logger) *Loop {
	cfg.defaults()
	return &Loop{
		cfg:  cfg,
		q:    q,
		sub:  sub,
		bus:  bus,
		log:  log.With().Str("comp", "dispatch").Logger(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		now:  time.Now,
	}
}

// Start launches the loop on its own goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Stop signals the loop to finish. The current collection is still
// merged and dispatched, queued tasks from before the signal are
// drained, and the ledger is flushed once more before Done closes.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Done closes when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// LedgerSize reports the number of tasks awaiting cycle-level retry.
func (l *Loop) LedgerSize() int { return int(l.ledgerSize.Load()) }

func (l *Loop) run() {
	defer close(l.done)
	for {
		if stopping := l.cycle(); stopping {
			l.log.Debug().Msg("dispatch loop stopped")
			return
		}
	}
}

// cycle runs one Collecting -> Merging -> Dispatching -> RetryingLedger
// -> Idle pass and reports whether the loop should exit. A fault inside
// the pass is recovered and logged; the loop moves on to its next
// iteration rather than dying.
func (l *Loop) cycle() (stopping bool) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("dispatch cycle fault; continuing")
		}
	}()

	batch, texts, stopping := l.collect()
	if merged := mergeTexts(texts); merged != nil {
		batch = append(batch, merged)
		if len(texts) > 1 {
			l.bus.Publish(eventbus.Event{Kind: eventbus.Merged, TaskID: merged.ID, Endpoint: merged.Endpoint, Count: len(texts)})
		}
	}
	if len(batch) > 0 {
		l.dispatch(batch)
	}
	l.retryLedger()
	if stopping {
		return true
	}
	l.idle()
	return false
}

// collect drains the queue for up to BatchInterval, separating plain
// text tasks (merge candidates) from everything else. The stop signal
// is checked on every poll timeout; once seen, tasks enqueued before
// the signal are still drained so shutdown flushes them. The stop
// sentinel ends collection immediately and is never dispatched.
func (l *Loop) collect() (batch, texts []*task.Task, stopping bool) {
	deadline := l.now().Add(l.cfg.BatchInterval)
	for l.now().Before(deadline) {
		t, ok := l.q.Dequeue(l.cfg.PollTimeout)
		if !ok {
			select {
			case <-l.stop:
				batch, texts = l.drainRemaining(batch, texts)
				return batch, texts, true
			default:
			}
			continue
		}
		if t.IsStop() {
			return batch, texts, true
		}
		if t.IsText() {
			texts = append(texts, t)
		} else {
			batch = append(batch, t)
		}
	}
	return batch, texts, false
}

func (l *Loop) drainRemaining(batch, texts []*task.Task) ([]*task.Task, []*task.Task) {
	for {
		t, ok := l.q.TryDequeue()
		if !ok {
			return batch, texts
		}
		if t.IsStop() {
			continue
		}
		if t.IsText() {
			texts = append(texts, t)
		} else {
			batch = append(batch, t)
		}
	}
}

// dispatch submits every task in the batch concurrently, one goroutine
// per task, and waits for all of them. Tasks whose attempt budget is
// exhausted land in the ledger.
func (l *Loop) dispatch(batch []*task.Task) {
	failed := make(chan *task.Task, len(batch))
	var wg sync.WaitGroup
	for _, t := range batch {
		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					l.log.Error().Str("task", t.ID).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("sender panicked; task moved to ledger")
					l.bus.Publish(eventbus.Event{Kind: eventbus.Failed, TaskID: t.ID, Endpoint: t.Endpoint, Err: "sender panic"})
					failed <- t
				}
			}()
			if err := l.sub.Submit(context.Background(), t); err != nil {
				l.log.Warn().Str("task", t.ID).Str("endpoint", t.Endpoint).Err(err).Msg("dispatch failed; task moved to ledger")
				l.bus.Publish(eventbus.Event{Kind: eventbus.Failed, TaskID: t.ID, Endpoint: t.Endpoint, Err: err.Error()})
				failed <- t
			} else {
				l.bus.Publish(eventbus.Event{Kind: eventbus.Sent, TaskID: t.ID, Endpoint: t.Endpoint})
			}
		}(t)
	}
	wg.Wait()
	close(failed)
	for t := range failed {
		l.ledger = append(l.ledger, t)
	}
	l.ledgerSize.Store(int64(len(l.ledger)))
}

func (l *Loop) idle() {
	t := time.NewTimer(l.cfg.IdlePause)
	defer t.Stop()
	select {
	case <-l.stop:
	case <-t.C:
	}
}

// mergeTexts combines collected text tasks into a single sendMessage
// whose body is the blank-line-joined concatenation of their texts in
// arrival order. The merged payload keeps the chat id of the first
// task; per-message extras (parse mode, reply ids) do not survive the
// merge.
func mergeTexts(texts []*task.Task) *task.Task {
	if len(texts) == 0 {
		return nil
	}
	if len(texts) == 1 {
		return texts[0]
	}
	joined := make([]byte, 0, 256)
	for i, t := range texts {
		if i > 0 {
			joined = append(joined, "\n\n"...)
		}
		joined = append(joined, t.Fields["text"]...)
	}
	return task.New(task.EndpointMessage, map[string]string{
		"chat_id": texts[0].Fields["chat_id"],
		"text":    string(joined),
	}, nil)
}
