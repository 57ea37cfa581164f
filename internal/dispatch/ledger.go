package dispatch

import (
	"context"

	"whisper/internal/eventbus"
	"whisper/internal/task"
)

// retryLedger resubmits every held task once. Successes drop out;
// fresh failures stay for the next cycle. There is deliberately no
// retry ceiling here: a permanently failing task is retried every
// cycle until shutdown.
func (l *Loop) retryLedger() {
	if len(l.ledger) == 0 {
		return
	}
	l.log.Info().Int("tasks", len(l.ledger)).Msg("retrying failed tasks")

	var keep []*task.Task
	for _, t := range l.ledger {
		l.bus.Publish(eventbus.Event{Kind: eventbus.Retried, TaskID: t.ID, Endpoint: t.Endpoint})
		if err := l.sub.Submit(context.Background(), t); err != nil {
			l.log.Warn().Str("task", t.ID).Str("endpoint", t.Endpoint).Err(err).Msg("ledger retry failed; keeping task")
			keep = append(keep, t)
			continue
		}
		l.bus.Publish(eventbus.Event{Kind: eventbus.Sent, TaskID: t.ID, Endpoint: t.Endpoint})
	}
	l.ledger = keep
	l.ledgerSize.Store(int64(len(keep)))
}
