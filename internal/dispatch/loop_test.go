package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whisper/internal/eventbus"
	"whisper/internal/queue"
	"whisper/internal/task"
)

// fakeSub records submissions and delegates the outcome to fn.
type fakeSub struct {
	mu    sync.Mutex
	calls []*task.Task
	fn    func(t *task.Task) error
}

func (f *fakeSub) Submit(_ context.Context, t *task.Task) error {
	f.mu.Lock()
	f.calls = append(f.calls, t)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(t)
	}
	return nil
}

func (f *fakeSub) snapshot() []*task.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*task.Task(nil), f.calls...)
}

func (f *fakeSub) setFn(fn func(t *task.Task) error) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func fastConfig() Config {
	return Config{
		BatchInterval: 150 * time.Millisecond,
		PollTimeout:   20 * time.Millisecond,
		IdlePause:     10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func text(body string) *task.Task {
	return task.New(task.EndpointMessage, map[string]string{"chat_id": "42", "text": body}, nil)
}

func location() *task.Task {
	return task.New("sendLocation", map[string]string{"chat_id": "42", "latitude": "1", "longitude": "2"}, nil)
}

func TestTextsMergedInArrivalOrder(t *testing.T) {
	q := queue.New(16)
	sub := &fakeSub{}
	l := New(fastConfig(), q, sub, nil, zerolog.Nop())

	for _, body := range []string{"one", "two", "three"} {
		if !q.TryEnqueue(text(body)) {
			t.Fatal("enqueue rejected")
		}
	}
	l.Start()
	defer func() { l.Stop(); <-l.Done() }()

	waitFor(t, "merged submission", func() bool { return len(sub.snapshot()) >= 1 })

	calls := sub.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected exactly 1 submission, got %d", len(calls))
	}
	got := calls[0]
	if got.Endpoint != task.EndpointMessage {
		t.Fatalf("unexpected endpoint %q", got.Endpoint)
	}
	if want := "one\n\ntwo\n\nthree"; got.Fields["text"] != want {
		t.Fatalf("merged text = %q, want %q", got.Fields["text"], want)
	}
	if got.Fields["chat_id"] != "42" {
		t.Fatal("merged task must keep the chat id")
	}
}

func TestNonTextTasksNotMerged(t *testing.T) {
	q := queue.New(16)
	sub := &fakeSub{}
	l := New(fastConfig(), q, sub, nil, zerolog.Nop())

	q.TryEnqueue(text("a"))
	q.TryEnqueue(location())
	q.TryEnqueue(location())

	l.Start()
	defer func() { l.Stop(); <-l.Done() }()

	waitFor(t, "all submissions", func() bool { return len(sub.snapshot()) >= 3 })
	byEndpoint := map[string]int{}
	for _, c := range sub.snapshot() {
		byEndpoint[c.Endpoint]++
	}
	if byEndpoint[task.EndpointMessage] != 1 || byEndpoint["sendLocation"] != 2 {
		t.Fatalf("unexpected submissions: %v", byEndpoint)
	}
}

func TestFailedTaskLandsInLedgerAndRecovers(t *testing.T) {
	q := queue.New(16)
	sub := &fakeSub{}
	sub.setFn(func(*task.Task) error { return errors.New("down") })
	l := New(fastConfig(), q, sub, nil, zerolog.Nop())

	q.TryEnqueue(location())
	l.Start()
	defer func() { l.Stop(); <-l.Done() }()

	waitFor(t, "task in ledger", func() bool { return l.LedgerSize() == 1 })

	// Destination comes back; the next cycle's ledger pass clears it.
	sub.setFn(nil)
	waitFor(t, "ledger drained", func() bool { return l.LedgerSize() == 0 })
}

func TestEmptyLedgerRetryIsNoop(t *testing.T) {
	t.Parallel()
	sub := &fakeSub{}
	l := New(fastConfig(), queue.New(1), sub, nil, zerolog.Nop())

	l.retryLedger()
	if len(sub.snapshot()) != 0 {
		t.Fatal("retrying an empty ledger must not submit anything")
	}
	if l.LedgerSize() != 0 {
		t.Fatal("retrying an empty ledger must not change state")
	}
}

func TestStopDrainsPendingTasks(t *testing.T) {
	q := queue.New(16)
	sub := &fakeSub{}
	cfg := fastConfig()
	cfg.BatchInterval = 10 * time.Second // stop, not the window, ends the cycle
	l := New(cfg, q, sub, nil, zerolog.Nop())

	for i := 0; i < 5; i++ {
		if !q.TryEnqueue(location()) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	l.Start()
	l.Stop()

	select {
	case <-l.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not exit after stop")
	}
	if got := len(sub.snapshot()) + l.LedgerSize(); got != 5 {
		t.Fatalf("expected all 5 tasks submitted or ledgered before exit, got %d", got)
	}
	if q.Len() != 0 {
		t.Fatalf("queue must be drained on stop, len=%d", q.Len())
	}
}

func TestStopSentinelEndsCollection(t *testing.T) {
	q := queue.New(16)
	sub := &fakeSub{}
	cfg := fastConfig()
	cfg.BatchInterval = 10 * time.Second
	l := New(cfg, q, sub, nil, zerolog.Nop())

	q.TryEnqueue(text("before"))
	q.TryEnqueue(task.Stop)

	l.Start()
	select {
	case <-l.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("sentinel must end the loop")
	}

	calls := sub.snapshot()
	if len(calls) != 1 || calls[0].Fields["text"] != "before" {
		t.Fatalf("tasks collected before the sentinel must still go out, got %d calls", len(calls))
	}
}

func TestSenderPanicDoesNotKillLoop(t *testing.T) {
	q := queue.New(16)
	sub := &fakeSub{}
	sub.setFn(func(*task.Task) error { panic("boom") })
	l := New(fastConfig(), q, sub, nil, zerolog.Nop())

	q.TryEnqueue(location())
	l.Start()
	defer func() { l.Stop(); <-l.Done() }()

	waitFor(t, "panicked task in ledger", func() bool { return l.LedgerSize() == 1 })

	sub.setFn(nil)
	waitFor(t, "loop still alive and ledger drained", func() bool { return l.LedgerSize() == 0 })
}

func TestLedgerEventsPublished(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	q := queue.New(16)
	sub := &fakeSub{}
	var fail atomic.Bool
	fail.Store(true)
	sub.setFn(func(*task.Task) error {
		if fail.Load() {
			return fmt.Errorf("unreachable")
		}
		return nil
	})
	l := New(fastConfig(), q, sub, bus, zerolog.Nop())

	q.TryEnqueue(location())
	l.Start()
	defer func() { l.Stop(); <-l.Done() }()

	waitFor(t, "failure in ledger", func() bool { return l.LedgerSize() == 1 })
	fail.Store(false)
	waitFor(t, "ledger drained", func() bool { return l.LedgerSize() == 0 })

	seen := map[eventbus.Kind]bool{}
	for {
		select {
		case e := <-events:
			seen[e.Kind] = true
		default:
			if !seen[eventbus.Failed] || !seen[eventbus.Retried] || !seen[eventbus.Sent] {
				t.Fatalf("missing lifecycle events, saw %v", seen)
			}
			return
		}
	}
}
