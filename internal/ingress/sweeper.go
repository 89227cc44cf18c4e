package ingress

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/simplifia/engine/internal/store"
)

const sweepBatchLimit = 100

// Sweeper periodically re-enqueues user messages that were persisted but
// never fully handled, closing the gap left by crashes and dropped events.
type Sweeper struct {
	repo  store.Repository
	disp  *Dispatcher
	grace time.Duration
	cron  *cron.Cron
}

// NewSweeper schedules a reconciliation sweep on the given cron expression,
// e.g. "@every 1m". Messages younger than grace are left alone so the sweep
// does not race with in-flight deliveries.
func NewSweeper(repo store.Repository, disp *Dispatcher, schedule string, grace time.Duration) (*Sweeper, error) {
	s := &Sweeper{
		repo:  repo,
		disp:  disp,
		grace: grace,
		cron:  cron.New(),
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	slog.Info("reconciliation sweep scheduled", "grace", s.grace)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	olderThan := time.Now().Add(-s.grace)
	msgs, err := s.repo.ListUnprocessedMessages(ctx, olderThan, sweepBatchLimit)
	if err != nil {
		slog.Error("reconciliation sweep failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	slog.Info("re-enqueuing unprocessed messages", "count", len(msgs))
	for _, m := range msgs {
		s.disp.Notify(m.Key(), m.ID)
	}
}
