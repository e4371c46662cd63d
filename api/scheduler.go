/*
scheduler.go - Automated cycle due-date scheduler

PURPOSE:
  Periodically walks every unlocked group and calls Engine.AdvanceIfDue,
  which marks unpaid active members missed once the cycle's due date has
  passed. The engine call is idempotent, so overlapping or repeated ticks
  are harmless; the per-group lock only keeps replicas from doing the same
  work twice.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Takes a per-group lock (Redis across replicas, in-process otherwise)
  - Publishes the contributions_missed events the engine returns
  - Counts missed contributions and per-group results in Prometheus

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewCycleScheduler(engine, locker, publisher, metrics, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: AdvanceNow endpoint (manual run)
  - rosca/cycle.go: DueMissed
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/rosca-engine/notify"
	"github.com/warp/rosca-engine/rosca"
	"github.com/warp/rosca-engine/store/redislock"
)

// CycleScheduler marks missed contributions when cycles pass their due date.
type CycleScheduler struct {
	Engine        *rosca.Engine
	Locker        redislock.Locker
	Publisher     notify.Publisher
	Metrics       *Metrics
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	// Now is the scheduler clock. Tests replace it.
	Now func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// RunSummary reports one pass over the unlocked groups.
type RunSummary struct {
	Groups int // groups examined
	Missed int // contributions marked missed
	Failed int // groups whose advance returned an error
	Busy   int // groups skipped because another holder had the lock
}

// NewCycleScheduler creates a new scheduler.
func NewCycleScheduler(engine *rosca.Engine, locker redislock.Locker, publisher notify.Publisher, metrics *Metrics, logger *zap.Logger) *CycleScheduler {
	if locker == nil {
		locker = redislock.NewLocalLocker()
	}
	if publisher == nil {
		publisher = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CycleScheduler{
		Engine:        engine,
		Locker:        locker,
		Publisher:     publisher,
		Metrics:       metrics,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Now:           func() time.Time { return time.Now().UTC() },
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (cs *CycleScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if cs.ticker != nil {
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.stop = make(chan struct{})
	cs.wg.Add(1)

	go cs.run()

	cs.Logger.Info("scheduler started", zap.Duration("interval", cs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (cs *CycleScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.ticker = nil
		cs.Logger.Info("scheduler stopped")
	}
}

func (cs *CycleScheduler) run() {
	defer cs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-cs.stop
		cancel()
	}()

	// Run immediately on start
	cs.RunNow(ctx)

	for {
		select {
		case <-cs.ticker.C:
			cs.RunNow(ctx)
		case <-cs.stop:
			return
		}
	}
}

// RunNow performs one pass synchronously (for testing/admin).
func (cs *CycleScheduler) RunNow(ctx context.Context) RunSummary {
	now := cs.Now()
	var sum RunSummary

	groups, err := cs.Engine.UnlockedGroups(ctx)
	if err != nil {
		cs.Logger.Error("scheduler failed to list groups", zap.Error(err))
		return sum
	}

	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		sum.Groups++
		missed, result := cs.advanceGroup(ctx, g.ID, now)
		sum.Missed += missed
		switch result {
		case "failed":
			sum.Failed++
		case "locked":
			sum.Busy++
		}
		if cs.Metrics != nil {
			cs.Metrics.SchedulerRuns.WithLabelValues(result).Inc()
		}
	}

	cs.Logger.Info("scheduler tick",
		zap.Time("now", now),
		zap.Int("groups", sum.Groups),
		zap.Int("missed", sum.Missed),
		zap.Int("failed", sum.Failed),
		zap.Int("busy", sum.Busy),
	)
	return sum
}

func (cs *CycleScheduler) advanceGroup(ctx context.Context, id rosca.GroupID, now time.Time) (int, string) {
	key := "group:" + string(id)
	token, ok, err := cs.Locker.Acquire(ctx, key)
	if err != nil {
		cs.Logger.Warn("scheduler could not take group lock", zap.String("group_id", string(id)), zap.Error(err))
		return 0, "failed"
	}
	if !ok {
		return 0, "locked"
	}
	defer func() {
		if err := cs.Locker.Release(ctx, key, token); err != nil {
			cs.Logger.Warn("scheduler lock release failed", zap.String("group_id", string(id)), zap.Error(err))
		}
	}()

	res, err := cs.Engine.AdvanceIfDue(ctx, id, now)
	if cs.Metrics != nil {
		cs.Metrics.ObserveOperation("advance_if_due", err)
	}
	if err != nil {
		cs.Logger.Error("scheduler advance failed", zap.String("group_id", string(id)), zap.Error(err))
		return 0, "failed"
	}
	if len(res.Missed) == 0 {
		return 0, "skipped"
	}

	if cs.Metrics != nil {
		cs.Metrics.Missed.Add(float64(len(res.Missed)))
	}
	if err := cs.Publisher.Publish(ctx, res.Events...); err != nil {
		cs.Logger.Warn("scheduler event delivery failed", zap.String("group_id", string(id)), zap.Error(err))
	}
	return len(res.Missed), "advanced"
}
