package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop(context.Background())
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("@every 5m", func() {}); err != nil {
		t.Errorf("Expected descriptor to be accepted, got %v", err)
	}
	if err := s.AddJob("not a schedule", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
}

func TestSchedulerAddContextJob_Runs(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	s := NewScheduler(loc)
	ran := make(chan struct{}, 1)
	err = s.AddContextJob(context.Background(), "sweep", "@every 1s", func(ctx context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("AddContextJob failed: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestSchedulerAddContextJob_Invalid(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop(context.Background())
	if err := s.AddContextJob(context.Background(), "sweep", "61 * * * *", func(context.Context) {}); err == nil {
		t.Error("expected error for out-of-range minute")
	}
}
