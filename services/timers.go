package services

import (
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type TimerKind string

const (
	TimerExpiry       TimerKind = "expiry"
	TimerVerification TimerKind = "verification"
	TimerReminder     TimerKind = "reminder"
)

// DeadlineCoordinator schedules the time-bounded duel transitions as
// one-shot jobs on a single gocron scheduler. Jobs are keyed by
// (duelID, kind); scheduling an existing key replaces the prior job, so a
// key can never fire twice. One instance per process.
type DeadlineCoordinator struct {
	sched gocron.Scheduler
	log   *zap.Logger

	mu   sync.Mutex
	jobs map[string]uuid.UUID
}

func NewDeadlineCoordinator(log *zap.Logger) (*DeadlineCoordinator, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	sched.Start()
	return &DeadlineCoordinator{
		sched: sched,
		log:   log,
		jobs:  make(map[string]uuid.UUID),
	}, nil
}

func timerKey(duelID string, kind TimerKind) string {
	return duelID + ":" + string(kind)
}

// Schedule arms fn to run once at the deadline, replacing any timer already
// armed under the same (duelID, kind). A deadline already in the past runs
// fn immediately on its own goroutine.
func (c *DeadlineCoordinator) Schedule(duelID string, kind TimerKind, at time.Time, fn func()) error {
	key := timerKey(duelID, kind)

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.jobs[key]; ok {
		_ = c.sched.RemoveJob(prev)
		delete(c.jobs, key)
	}

	if !at.After(time.Now()) {
		go fn()
		return nil
	}

	job, err := c.sched.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
		gocron.NewTask(func() {
			c.forget(key)
			fn()
		}),
	)
	if err != nil {
		c.log.Error("timer_schedule_failed",
			zap.String("duel_id", duelID),
			zap.String("kind", string(kind)),
			zap.Time("at", at),
			zap.Error(err))
		return err
	}
	c.jobs[key] = job.ID()
	return nil
}

// Cancel disarms the timer for (duelID, kind) if one is pending.
func (c *DeadlineCoordinator) Cancel(duelID string, kind TimerKind) {
	key := timerKey(duelID, kind)
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.jobs[key]; ok {
		_ = c.sched.RemoveJob(id)
		delete(c.jobs, key)
	}
}

// CancelAll disarms every pending timer for the duel.
func (c *DeadlineCoordinator) CancelAll(duelID string) {
	for _, kind := range []TimerKind{TimerExpiry, TimerVerification, TimerReminder} {
		c.Cancel(duelID, kind)
	}
}

// Pending reports how many timers are currently armed.
func (c *DeadlineCoordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func (c *DeadlineCoordinator) forget(key string) {
	c.mu.Lock()
	delete(c.jobs, key)
	c.mu.Unlock()
}

// Shutdown cancels all outstanding timers without firing their side effects.
func (c *DeadlineCoordinator) Shutdown() error {
	c.mu.Lock()
	c.jobs = make(map[string]uuid.UUID)
	c.mu.Unlock()
	return c.sched.Shutdown()
}
