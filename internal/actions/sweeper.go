package actions

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

// OverdueChecker is implemented by incident.Service.
type OverdueChecker interface {
	CheckOverdueItems(ctx context.Context, now time.Time) *incident.OverdueResult
}

// Sweeper runs the overdue check on a fixed interval.
type Sweeper struct {
	checker  OverdueChecker
	interval time.Duration
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper creates a Sweeper. A non-positive interval disables it.
func NewSweeper(checker OverdueChecker, interval time.Duration, logger log.Logger, hooks Hooks) *Sweeper {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sweeper{
		checker:  checker,
		interval: interval,
		logger:   logger,
		hooks:    hooks,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 || s.checker == nil {
		s.logger.Info(ctx, "overdue sweeper disabled")
		return
	}
	s.logger.Info(ctx, "starting overdue sweeper", "interval", s.interval.String())

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sweep runs one check and returns the overdue count.
func (s *Sweeper) Sweep(ctx context.Context) int {
	res := s.checker.CheckOverdueItems(ctx, s.now().UTC())
	for _, item := range res.Items {
		s.logger.Warn(ctx, "action item overdue",
			"incident_id", item.IncidentID,
			"item_id", item.ID,
			"priority", item.Priority,
			"due_date", item.DueDate,
			"ticket_id", item.TicketID,
		)
	}
	if s.hooks.OnSweep != nil {
		s.hooks.OnSweep(res.Count)
	}
	return res.Count
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
