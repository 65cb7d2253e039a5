// Package jobs runs the daemon's periodic sweeps on cron schedules with an
// explicit start and stop.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// ErrUnknownJob is returned by RunNow for a name that was never registered.
var ErrUnknownJob = errors.New("unknown job")

// ErrBusy is returned by RunNow while the previous run is still going.
var ErrBusy = errors.New("job is already running")

// retryDelay is how long the scheduler waits after failing to compute a
// next tick.
const retryDelay = 30 * time.Second

// Func is the body of a job.
type Func func(ctx context.Context) error

type job struct {
	name    string
	expr    string
	fn      Func
	running atomic.Bool

	mu      sync.Mutex
	runs    int
	skipped int
	lastRun time.Time
	lastErr error
	next    time.Time
}

// Info describes a registered job.
type Info struct {
	Name      string    `json:"name"`
	Cron      string    `json:"cron"`
	Runs      int       `json:"runs"`
	Skipped   int       `json:"skipped"`
	LastRun   time.Time `json:"lastRun,omitzero"`
	LastError string    `json:"lastError,omitempty"`
	Next      time.Time `json:"next,omitzero"`
}

// Scheduler owns a set of cron jobs. Register jobs before Start.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*job
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// New creates an empty scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger}
}

// Register adds a job. An invalid cron expression or a duplicate name is
// an error.
func (s *Scheduler) Register(name, expr string, fn Func) error {
	expr = strings.TrimSpace(expr)
	if !gronx.IsValid(expr) {
		return fmt.Errorf("job %s: invalid cron expression %q", name, expr)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("job %s: scheduler already started", name)
	}
	if slices.ContainsFunc(s.jobs, func(j *job) bool { return j.name == name }) {
		return fmt.Errorf("job %s: already registered", name)
	}
	s.jobs = append(s.jobs, &job{name: name, expr: expr, fn: fn})
	return nil
}

// Start launches one scheduling goroutine per job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.schedule(ctx, j)
	}
	s.logger.Info("job scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels every job and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("job scheduler stopped")
}

// RunNow runs a job immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j := s.find(name)
	if j == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !s.run(ctx, j) {
		return ErrBusy
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// Jobs describes every registered job.
func (s *Scheduler) Jobs() []Info {
	s.mu.Lock()
	jobs := slices.Clone(s.jobs)
	s.mu.Unlock()

	out := make([]Info, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		info := Info{Name: j.name, Cron: j.expr, Runs: j.runs, Skipped: j.skipped, LastRun: j.lastRun, Next: j.next}
		if j.lastErr != nil {
			info.LastError = j.lastErr.Error()
		}
		j.mu.Unlock()
		out = append(out, info)
	}
	return out
}

func (s *Scheduler) find(name string) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return j
		}
	}
	return nil
}

func (s *Scheduler) schedule(ctx context.Context, j *job) {
	defer s.wg.Done()
	for {
		next, err := gronx.NextTickAfter(j.expr, time.Now(), false)
		if err != nil {
			s.logger.Error("job next tick failed", zap.String("job", j.name), zap.Error(err))
			next = time.Now().Add(retryDelay)
		}
		j.mu.Lock()
		j.next = next
		j.mu.Unlock()

		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if err == nil {
			// Runs inline: the next tick is computed only after this run,
			// so one job never overlaps itself from the schedule.
			s.run(ctx, j)
		}
	}
}

// run executes j unless it is already running. It reports whether it ran.
func (s *Scheduler) run(ctx context.Context, j *job) bool {
	if !j.running.CompareAndSwap(false, true) {
		j.mu.Lock()
		j.skipped++
		j.mu.Unlock()
		s.logger.Warn("job still running, tick skipped", zap.String("job", j.name))
		return false
	}
	defer j.running.Store(false)

	start := time.Now()
	err := j.fn(ctx)
	took := time.Since(start)

	j.mu.Lock()
	j.runs++
	j.lastRun = start
	j.lastErr = err
	j.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", zap.String("job", j.name), zap.Duration("took", took), zap.Error(err))
	} else {
		s.logger.Debug("job finished", zap.String("job", j.name), zap.Duration("took", took))
	}
	return true
}
