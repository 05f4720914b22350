package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestManualClockEvery(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	var ticks int
	task := c.Every(30*time.Second, func() { ticks++ })

	c.Advance(29 * time.Second)
	if ticks != 0 {
		t.Fatalf("ticked early: %d", ticks)
	}
	c.Advance(time.Second)
	if ticks != 1 {
		t.Fatalf("expected 1 tick at 30s, got %d", ticks)
	}
	c.Advance(90 * time.Second)
	if ticks != 4 {
		t.Fatalf("expected 4 ticks at 120s, got %d", ticks)
	}

	task.Stop()
	c.Advance(time.Hour)
	if ticks != 4 {
		t.Errorf("stopped task kept ticking: %d", ticks)
	}
	if got := c.Now(); !got.Equal(start.Add(2*time.Minute + time.Hour)) {
		t.Errorf("Now = %v", got)
	}
}

func TestManualClockAfterFuncOrdering(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	stopped := c.AfterFunc(1500*time.Millisecond, func() { order = append(order, "never") })
	stopped.Stop()

	c.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v", order)
	}
	if c.Pending() != 0 {
		t.Errorf("one-shot tasks left behind: %d", c.Pending())
	}
}

func TestManualClockTaskSeesDueTime(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewManualClock(start)
	var seen time.Time
	c.AfterFunc(10*time.Second, func() { seen = c.Now() })
	c.Advance(time.Minute)
	if !seen.Equal(start.Add(10 * time.Second)) {
		t.Errorf("task observed %v, want due time", seen)
	}
}

func TestRealClockAfterFunc(t *testing.T) {
	c := NewRealClock()
	defer c.Stop()

	var fired int32
	done := make(chan struct{})
	c.AfterFunc(10*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AfterFunc did not fire")
	}

	stopped := c.AfterFunc(50*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	stopped.Stop()
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Errorf("fired = %d", fired)
	}
}

func TestDefaultClockIsShared(t *testing.T) {
	a, b := Default(), Default()
	if a != b {
		t.Fatal("Default returned two clocks")
	}
	task := a.Every(time.Hour, func() {})
	task.Stop()
	task.Stop()
}
