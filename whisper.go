// Package whisper is an asynchronous outbound-notification dispatcher
// for the Telegram Bot API.
//
// Producers enqueue text or media from their own goroutines and never
// block on I/O. A background loop drains the queue on a batching
// timer, merges text bursts into one submission, suppresses repeats
// with a TTL fingerprint cache, fans the batch out to concurrent
// senders with retry/backoff, and keeps exhausted failures in a ledger
// that is retried every cycle.
//
// Everything is in-memory: queued and failed tasks are lost on
// shutdown.
package whisper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"whisper/internal/dedup"
	"whisper/internal/dispatch"
	"whisper/internal/eventbus"
	"whisper/internal/metrics"
	"whisper/internal/queue"
	"whisper/internal/task"
	"whisper/internal/telegram"
)

var ErrNoToken = errors.New("whisper: bot token is required")

// Options configures a Notifier. The zero value of every tuning knob
// selects the documented default.
type Options struct {
	// Token is the bot token. Required.
	Token string
	// ChatID is the destination chat. When empty it is resolved from
	// the bot's pending updates at construction time; failure to
	// resolve is fatal.
	ChatID string
	// APIBaseURL points at a self-hosted Bot API server. Defaults to
	// https://api.telegram.org.
	APIBaseURL string

	MaxRetries     int           // sender attempts per task (default 5)
	BaseRetryDelay time.Duration // backoff base (default 3s)
	QueueCapacity  int           // pending tasks before producers drop (default 100)
	DedupTTL       time.Duration // duplicate-suppression window (default 5m)
	DedupCapacity  int           // fingerprints held (default 100)
	BatchInterval  time.Duration // text batching window (default 15s)
	RatePerSec     int           // transport token bucket (default 3)

	// Logger defaults to a no-op logger.
	Logger zerolog.Logger
	// Registerer enables Prometheus counters when non-nil.
	Registerer prometheus.Registerer
}

// Notifier is the engine facade: the producer API plus lifecycle.
type Notifier struct {
	log    zerolog.Logger
	chatID string

	client *telegram.Client
	queue  *queue.Queue
	cache  *dedup.Cache
	bus    *eventbus.Bus
	loop   *dispatch.Loop
	met    *metrics.Collector

	startOnce sync.Once
	stopOnce  sync.Once

	now func() time.Time // test hook
}

// New builds the engine but does not start the dispatch loop. The
// destination chat is resolved here when not configured; an
// unresolvable chat is a configuration failure and prevents the
// engine from existing at all.
func New(opts Options) (*Notifier, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, ErrNoToken
	}
	log := opts.Logger

	client := telegram.New(telegram.Config{
		Token:      opts.Token,
		BaseURL:    opts.APIBaseURL,
		MaxRetries: opts.MaxRetries,
		RetryBase:  opts.BaseRetryDelay,
		RatePerSec: opts.RatePerSec,
	}, log.With().Str("comp", "telegram").Logger())

	chatID := strings.TrimSpace(opts.ChatID)
	if chatID == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		id, err := client.ResolveChatID(ctx)
		cancel()
		if err != nil {
			client.Close()
			return nil, err
		}
		chatID = id
	}

	bus := eventbus.New()
	q := queue.New(opts.QueueCapacity)
	n := &Notifier{
		log:    log,
		chatID: chatID,
		client: client,
		queue:  q,
		cache:  dedup.New(opts.DedupTTL, opts.DedupCapacity),
		bus:    bus,
		loop:   dispatch.New(dispatch.Config{BatchInterval: opts.BatchInterval}, q, client, bus, log),
		now:    time.Now,
	}
	if opts.Registerer != nil {
		n.met = metrics.NewCollector(opts.Registerer)
		n.met.Attach(bus)
	}
	n.log.Info().Str("chat_id", chatID).Msg("notifier ready")
	return n, nil
}

// Start launches the dispatch loop and announces the connection.
func (n *Notifier) Start() {
	n.startOnce.Do(func() {
		n.loop.Start()
		n.SendMessage(connectionMessage())
	})
}

// Stop signals the loop, polls until the queue reports empty, waits
// for the loop goroutine to finish and releases the transport client.
// There is deliberately no deadline: a queue that keeps refilling can
// hold shutdown open.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		n.log.Info().Msg("shutting down notifier")
		n.loop.Stop()
		for n.queue.Len() > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		<-n.loop.Done()
		if n.met != nil {
			n.met.Close()
		}
		n.client.Close()
		n.log.Info().Msg("notifier stopped")
	})
}

// LedgerSize reports how many tasks currently await cycle-level retry.
func (n *Notifier) LedgerSize() int { return n.loop.LedgerSize() }

// Events exposes the lifecycle event bus for observers.
func (n *Notifier) Events() *eventbus.Bus { return n.bus }

// enqueue hands t to the queue, logging and reporting the outcome.
// A full queue drops the task; nothing is ever raised to the producer.
func (n *Notifier) enqueue(t *task.Task, what string) bool {
	if n.queue.TryEnqueue(t) {
		n.log.Debug().Str("task", t.ID).Str("endpoint", t.Endpoint).Int("queue_len", n.queue.Len()).Msgf("%s queued", what)
		n.bus.Publish(eventbus.Event{Kind: eventbus.Queued, TaskID: t.ID, Endpoint: t.Endpoint})
		return true
	}
	n.log.Warn().Str("endpoint", t.Endpoint).Int("queue_cap", n.queue.Cap()).Msgf("queue full; dropping %s", what)
	n.bus.Publish(eventbus.Event{Kind: eventbus.Dropped, TaskID: t.ID, Endpoint: t.Endpoint, Err: "queue full"})
	return false
}
