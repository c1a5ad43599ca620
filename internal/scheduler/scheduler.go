// Package scheduler runs the engine's periodic jobs — repayment
// processing, penalty accrual, the auto-release sweep — on fixed
// cadences with an at-most-one-concurrent-run guarantee per job. Jobs
// are registered on an explicit Scheduler value constructed at startup;
// there is no package-level state.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lendpool/funds-engine/internal/metrics"
)

// Job is a named unit of periodic work. Run must isolate per-entity
// failures itself; an error returned here marks the whole run failed.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type jobState struct {
	Job
	running atomic.Bool

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
	runs    int64
	skips   int64
}

// Status is a snapshot of one registered job.
type Status struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Running  bool          `json:"running"`
	LastRun  time.Time     `json:"last_run"`
	LastErr  string        `json:"last_error,omitempty"`
	Runs     int64         `json:"runs"`
	Skips    int64         `json:"skips"`
}

// Scheduler owns the job goroutines. Construct once, register jobs,
// then Start.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*jobState
	order  []string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{jobs: make(map[string]*jobState)}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil || job.Interval <= 0 {
		return fmt.Errorf("job needs a name, interval and run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	s.jobs[job.Name] = &jobState{Job: job}
	s.order = append(s.order, job.Name)
	return nil
}

// Start launches one ticker goroutine per registered job. The first
// tick fires after one interval, not immediately.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	states := make([]*jobState, 0, len(s.order))
	for _, name := range s.order {
		states = append(states, s.jobs[name])
	}
	s.mu.Unlock()

	for _, js := range states {
		s.wg.Add(1)
		go func(js *jobState) {
			defer s.wg.Done()
			ticker := time.NewTicker(js.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.invoke(ctx, js)
				}
			}
		}(js)
	}
	slog.Info("scheduler started", "jobs", len(states))
}

// Stop cancels all job loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// RunNow invokes a job on demand for operational recovery. It honors
// the same is-running guard as the ticker: a concurrent run means this
// invocation is skipped with no error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	js, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	s.invoke(ctx, js)
	return nil
}

// Statuses returns a snapshot of every registered job, in registration
// order.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		js := s.jobs[name]
		js.mu.Lock()
		st := Status{
			Name:     js.Name,
			Interval: js.Interval,
			Running:  js.running.Load(),
			LastRun:  js.lastRun,
			Runs:     js.runs,
			Skips:    js.skips,
		}
		if js.lastErr != nil {
			st.LastErr = js.lastErr.Error()
		}
		js.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// invoke runs the job unless its previous run is still executing.
func (s *Scheduler) invoke(ctx context.Context, js *jobState) {
	if !js.running.CompareAndSwap(false, true) {
		js.mu.Lock()
		js.skips++
		js.mu.Unlock()
		metrics.JobSkips.WithLabelValues(js.Name).Inc()
		slog.Warn("job still running, skipping", "job", js.Name)
		return
	}
	defer js.running.Store(false)

	start := time.Now()
	err := s.safeRun(ctx, js)
	elapsed := time.Since(start)

	js.mu.Lock()
	js.lastRun = start.UTC()
	js.lastErr = err
	js.runs++
	js.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		slog.Error("job failed", "job", js.Name, "elapsed", elapsed, "err", err)
	} else {
		slog.Info("job finished", "job", js.Name, "elapsed", elapsed)
	}
	metrics.JobRuns.WithLabelValues(js.Name, outcome).Inc()
	metrics.JobDuration.WithLabelValues(js.Name).Observe(elapsed.Seconds())
}

func (s *Scheduler) safeRun(ctx context.Context, js *jobState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", js.Name, r)
		}
	}()
	return js.Run(ctx)
}
