// Package queue implements the bounded FIFO of pending send tasks.
package queue

import (
	"time"

	"whisper/internal/task"
)

// Queue is a fixed-capacity FIFO. Producers never block: TryEnqueue
// fails fast when the queue is full and the caller drops the task.
// Dequeue is the dispatch loop's only blocking point and is bounded by
// its timeout so the loop can observe the stop signal promptly.
type Queue struct {
	ch chan *task.Task
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	return &Queue{ch: make(chan *task.Task, capacity)}
}

// TryEnqueue adds t without blocking and reports whether it was
// accepted. A rejected task is gone; the producer is expected to log
// the drop and move on.
func (q *Queue) TryEnqueue(t *task.Task) bool {
	select {
	case q.ch <- t:
		return true
	default:
		return false
	}
}

// Dequeue waits up to timeout for a task. ok is false on timeout.
func (q *Queue) Dequeue(timeout time.Duration) (t *task.Task, ok bool) {
	tm := time.NewTimer(timeout)
	defer tm.Stop()
	select {
	case t = <-q.ch:
		return t, true
	case <-tm.C:
		return nil, false
	}
}

// TryDequeue removes a task without waiting. Used by the dispatch loop
// to drain remaining work after the stop signal.
func (q *Queue) TryDequeue() (t *task.Task, ok bool) {
	select {
	case t = <-q.ch:
		return t, true
	default:
		return nil, false
	}
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }
