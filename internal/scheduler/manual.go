package scheduler

import (
	"sort"
	"sync"
	"time"
)

// manualEntry tracks a task registered on a ManualClock.
type manualEntry struct {
	id       int64
	due      time.Time
	interval time.Duration // zero for one-shot tasks
	fn       func()
}

// ManualClock is a Clock whose time only moves when Advance or Set is called.
// Due tasks run synchronously on the goroutine that advances the clock, in due order.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID int64
	tasks  map[int64]*manualEntry
}

// NewManualClock creates a ManualClock positioned at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start, tasks: make(map[int64]*manualEntry)}
}

// Now returns the virtual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Every registers a periodic task.
func (c *ManualClock) Every(interval time.Duration, fn func()) Task {
	return c.add(interval, interval, fn)
}

// AfterFunc registers a one-shot task.
func (c *ManualClock) AfterFunc(delay time.Duration, fn func()) Task {
	return c.add(delay, 0, fn)
}

func (c *ManualClock) add(delay, interval time.Duration, fn func()) Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	e := &manualEntry{id: c.nextID, due: c.now.Add(delay), interval: interval, fn: fn}
	c.tasks[e.id] = e
	return &manualTask{clock: c, id: e.id}
}

// Advance moves virtual time forward by d, firing every task that falls due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.Set(target)
}

// Set moves virtual time to t, firing due tasks in order. Setting an earlier time
// only rewinds Now; nothing fires.
func (c *ManualClock) Set(t time.Time) {
	for {
		c.mu.Lock()
		e := c.nextDue(t)
		if e == nil {
			c.now = t
			c.mu.Unlock()
			return
		}
		c.now = e.due
		if e.interval > 0 {
			e.due = e.due.Add(e.interval)
		} else {
			delete(c.tasks, e.id)
		}
		fn := e.fn
		c.mu.Unlock()
		fn()
	}
}

// Pending returns the number of live tasks.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func (c *ManualClock) nextDue(limit time.Time) *manualEntry {
	var due []*manualEntry
	for _, e := range c.tasks {
		if !e.due.After(limit) {
			due = append(due, e)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].id < due[j].id
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}

type manualTask struct {
	clock *ManualClock
	id    int64
}

func (t *manualTask) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	delete(t.clock.tasks, t.id)
}
