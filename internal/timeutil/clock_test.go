package timeutil

import (
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	got := c.Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Errorf("RealClock.Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestMockClock(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(base)

	if got := c.Now(); !got.Equal(base) {
		t.Errorf("Now() = %v, want %v", got, base)
	}

	c.Advance(90 * time.Second)
	if got := c.Since(base); got != 90*time.Second {
		t.Errorf("Since(base) = %v, want 90s", got)
	}

	c.Set(base)
	if got := c.Now(); !got.Equal(base) {
		t.Errorf("Now() after Set = %v, want %v", got, base)
	}

	c.Sleep(time.Second)
	c.Sleep(2 * time.Second)
	sleeps := c.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("Sleeps() = %v", sleeps)
	}
}
