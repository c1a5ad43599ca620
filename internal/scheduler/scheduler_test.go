package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lendpool/funds-engine/internal/scheduler"
)

func TestRegisterValidation(t *testing.T) {
	s := scheduler.New()

	if err := s.Register(scheduler.Job{Name: "", Interval: time.Second, Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("registered a nameless job")
	}
	if err := s.Register(scheduler.Job{Name: "a", Interval: 0, Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("registered a job with no interval")
	}
	if err := s.Register(scheduler.Job{Name: "a", Interval: time.Second, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("valid registration failed: %v", err)
	}
	if err := s.Register(scheduler.Job{Name: "a", Interval: time.Second, Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("registered a duplicate job name")
	}
}

func TestRunNowExecutesAndRecords(t *testing.T) {
	s := scheduler.New()
	var mu sync.Mutex
	runs := 0
	if err := s.Register(scheduler.Job{
		Name:     "counter",
		Interval: time.Hour,
		Run: func(context.Context) error {
			mu.Lock()
			runs++
			mu.Unlock()
			return nil
		},
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := s.RunNow(context.Background(), "counter"); err != nil {
		t.Fatalf("run now failed: %v", err)
	}
	if err := s.RunNow(context.Background(), "counter"); err != nil {
		t.Fatalf("second run now failed: %v", err)
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Error("run now accepted an unknown job")
	}

	mu.Lock()
	if runs != 2 {
		t.Errorf("runs = %d, want 2", runs)
	}
	mu.Unlock()

	statuses := s.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d entries, want 1", len(statuses))
	}
	st := statuses[0]
	if st.Name != "counter" || st.Runs != 2 || st.LastRun.IsZero() {
		t.Errorf("status = %+v, want counter with 2 runs and a last-run time", st)
	}
}

// A job whose previous run is still executing is skipped, never run
// concurrently.
func TestOverlappingRunsAreSkipped(t *testing.T) {
	s := scheduler.New()
	started := make(chan struct{})
	release := make(chan struct{})
	if err := s.Register(scheduler.Job{
		Name:     "slow",
		Interval: time.Hour,
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunNow(context.Background(), "slow")
	}()
	<-started

	// While the first invocation blocks, a second one must be skipped.
	if err := s.RunNow(context.Background(), "slow"); err != nil {
		t.Fatalf("overlapping run now failed: %v", err)
	}
	close(release)
	<-done

	st := s.Statuses()[0]
	if st.Runs != 1 {
		t.Errorf("runs = %d, want 1", st.Runs)
	}
	if st.Skips != 1 {
		t.Errorf("skips = %d, want 1", st.Skips)
	}
}

func TestJobErrorRecorded(t *testing.T) {
	s := scheduler.New()
	boom := errors.New("boom")
	if err := s.Register(scheduler.Job{
		Name:     "failing",
		Interval: time.Hour,
		Run:      func(context.Context) error { return boom },
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := s.RunNow(context.Background(), "failing"); err != nil {
		t.Fatalf("run now failed: %v", err)
	}
	st := s.Statuses()[0]
	if st.LastErr != "boom" {
		t.Errorf("last error = %q, want boom", st.LastErr)
	}
}

func TestPanicDoesNotKillScheduler(t *testing.T) {
	s := scheduler.New()
	if err := s.Register(scheduler.Job{
		Name:     "panicking",
		Interval: time.Hour,
		Run:      func(context.Context) error { panic("unexpected") },
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := s.RunNow(context.Background(), "panicking"); err != nil {
		t.Fatalf("run now failed: %v", err)
	}
	st := s.Statuses()[0]
	if st.LastErr == "" {
		t.Error("panic not surfaced as an error")
	}
	if st.Running {
		t.Error("job still marked running after panic")
	}
}

func TestTickerFiresAndStops(t *testing.T) {
	s := scheduler.New()
	fired := make(chan struct{}, 8)
	if err := s.Register(scheduler.Job{
		Name:     "fast",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			select {
			case fired <- struct{}{}:
			default:
			}
			return nil
		},
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	s.Start()
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("job never fired")
	}
	s.Stop()
}
