package cron_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/fixwell/internal/cron"
)

func TestNewScheduler_RejectsBadExpression(t *testing.T) {
	job := func(ctx context.Context) error { return nil }
	for _, expr := range []string{"", "not a cron", "* * * *", "61 * * * *"} {
		if _, err := cron.NewScheduler(expr, job, nil); err == nil {
			t.Fatalf("expression %q should not parse", expr)
		}
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 25, 10, 2, 30, 0, time.UTC)

	next, err := cron.NextRunTime("* * * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 8, 25, 10, 3, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("every-minute: got %v, want %v", next, want)
	}

	next, err = cron.NextRunTime("*/15 * * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want = time.Date(2026, 8, 25, 10, 15, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("quarter-hour: got %v, want %v", next, want)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s, err := cron.NewScheduler("* * * * *", func(ctx context.Context) error { return nil }, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
