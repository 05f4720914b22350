// Package scheduler provides the time source and cancellable periodic tasks used by
// PrayerPipe's background work (auto-save, sync draining, session timeouts).
//
// Production code uses RealClock, which runs periodic tasks on a cron scheduler.
// Tests use ManualClock and advance virtual time deterministically.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a handle to a scheduled function.
type Task interface {
	// Stop cancels the task. Stopping an already stopped task is a no-op.
	Stop()
}

// Clock is the time source injected into every service.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Every runs fn repeatedly, once per interval, until the returned task is stopped.
	Every(interval time.Duration, fn func()) Task
	// AfterFunc runs fn once after delay unless the returned task is stopped first.
	AfterFunc(delay time.Duration, fn func()) Task
}

// RealClock implements Clock on wall-clock time.
type RealClock struct {
	cron *cron.Cron
}

// NewRealClock creates and starts a cron-backed clock.
func NewRealClock() *RealClock {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &RealClock{cron: c}
}

var (
	defaultOnce  sync.Once
	defaultClock *RealClock
)

// Default returns the process-wide RealClock used where no clock is injected.
// It is shared and never stopped; callers stop their own tasks instead.
func Default() *RealClock {
	defaultOnce.Do(func() { defaultClock = NewRealClock() })
	return defaultClock
}

// Now returns time.Now.
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Every schedules fn on a fixed "@every" cron schedule.
func (c *RealClock) Every(interval time.Duration, fn func()) Task {
	id := c.cron.Schedule(cron.Every(interval), cron.FuncJob(fn))
	slog.Debug("RealClock.Every: scheduled", "entryID", id, "interval", interval)
	return &cronTask{cron: c.cron, id: id}
}

// AfterFunc wraps time.AfterFunc.
func (c *RealClock) AfterFunc(delay time.Duration, fn func()) Task {
	return &timerTask{timer: time.AfterFunc(delay, fn)}
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (c *RealClock) Stop() {
	<-c.cron.Stop().Done()
}

type cronTask struct {
	once sync.Once
	cron *cron.Cron
	id   cron.EntryID
}

func (t *cronTask) Stop() {
	t.once.Do(func() {
		t.cron.Remove(t.id)
		slog.Debug("RealClock task stopped", "entryID", t.id)
	})
}

type timerTask struct {
	timer *time.Timer
}

func (t *timerTask) Stop() {
	t.timer.Stop()
}
