package ratelimit

import (
	"testing"
	"time"
)

func TestAllowUnknownProvider(t *testing.T) {
	l := New(nil)
	if !l.Allow("anything") {
		t.Fatal("unknown provider should be unlimited")
	}
	if r := l.Remaining("anything"); r != -1 {
		t.Fatalf("Remaining = %d, want -1", r)
	}
}

func TestHourlyWindow(t *testing.T) {
	now := time.Now()
	l := New(map[string]Limits{"smtp": {Hourly: 3}})
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.Allow("smtp") {
			t.Fatalf("blocked at send %d", i)
		}
		l.Record("smtp")
	}
	if l.Allow("smtp") {
		t.Fatal("allowed past hourly limit")
	}

	// The window slides: an hour later the quota is back.
	now = now.Add(time.Hour + time.Minute)
	if !l.Allow("smtp") {
		t.Fatal("still blocked after the hourly window slid")
	}
}

func TestDailyWindow(t *testing.T) {
	now := time.Now()
	l := New(map[string]Limits{"smtp": {Hourly: 100, Daily: 5}})
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		l.Record("smtp")
		now = now.Add(2 * time.Hour) // spread across the day
	}
	if l.Allow("smtp") {
		t.Fatal("allowed past daily limit")
	}
	if r := l.Remaining("smtp"); r != 0 {
		t.Fatalf("Remaining = %d, want 0", r)
	}

	// Oldest entries age out after 24h.
	now = now.Add(15 * time.Hour)
	if !l.Allow("smtp") {
		t.Fatal("still blocked after entries aged out")
	}
}

func TestRemainingIsTighterWindow(t *testing.T) {
	now := time.Now()
	l := New(map[string]Limits{"smtp": {Hourly: 10, Daily: 4}})
	l.now = func() time.Time { return now }

	l.Record("smtp")
	if r := l.Remaining("smtp"); r != 3 {
		t.Fatalf("Remaining = %d, want 3 (daily is tighter)", r)
	}
}
