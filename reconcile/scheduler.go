package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Job names.
const (
	JobCaseSync     = "case-sync"
	JobPromiseSweep = "promise-sweep"
)

var ErrUnknownJob = errors.New("reconcile: unknown job")

// Job is a named periodic task. Run's result is reported to manual triggers.
type Job struct {
	Name     string
	Interval time.Duration
	// LockTTL is the distributed lease length. The holder renews it while Run
	// executes, so it only bounds how long a crashed runner keeps the lock.
	LockTTL time.Duration
	Run     func(ctx context.Context) (any, error)
}

// RunResult describes one trigger of a job.
type RunResult struct {
	Job      string
	Result   any
	Shared   bool
	Skipped  bool
	Started  time.Time
	Duration time.Duration
}

type runOutcome struct {
	result   any
	skipped  bool
	started  time.Time
	duration time.Duration
}

// Scheduler runs jobs on their intervals. Concurrent triggers of the same job
// in this process share one run; the optional Locker keeps replicas apart.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]Job
	base   context.Context
	group  singleflight.Group
	locker Locker
	logger *zap.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

func NewScheduler(locker Locker, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		jobs:   map[string]Job{},
		base:   context.Background(),
		locker: locker,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Register adds a job. Names must be unique and intervals positive.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("reconcile: job needs a name and a run func")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("reconcile: job %s: interval must be positive", job.Name)
	}
	if job.LockTTL <= 0 {
		job.LockTTL = job.Interval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("reconcile: job %s already registered", job.Name)
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches one ticker loop per job. Runs stop when ctx is cancelled;
// call Wait to block until they have.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, job := range jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Wait blocks until every ticker loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Trigger(ctx, job.Name); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("scheduled job failed", zap.String("job", job.Name), zap.Error(err))
			}
		}
	}
}

// Trigger runs the named job now, or joins the run already in flight. The
// run itself is bound to the scheduler's context, so a caller that gives up
// early does not abort it.
func (s *Scheduler) Trigger(ctx context.Context, name string) (RunResult, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	base := s.base
	s.mu.Unlock()
	if !ok {
		return RunResult{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	ch := s.group.DoChan(name, func() (any, error) {
		return s.execute(base, job)
	})
	select {
	case <-ctx.Done():
		return RunResult{Job: name}, ctx.Err()
	case r := <-ch:
		out, _ := r.Val.(runOutcome)
		res := RunResult{
			Job:      name,
			Result:   out.result,
			Shared:   r.Shared,
			Skipped:  out.skipped,
			Started:  out.started,
			Duration: out.duration,
		}
		return res, r.Err
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) (runOutcome, error) {
	started := s.now()
	log := s.logger.With(zap.String("job", job.Name))

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, job.Name, job.LockTTL)
		if errors.Is(err, ErrLockHeld) {
			log.Info("job skipped; running elsewhere")
			return runOutcome{skipped: true, started: started}, nil
		}
		if err != nil {
			return runOutcome{started: started}, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("release job lock", zap.Error(err))
			}
		}()
	}

	log.Info("job started")
	result, err := job.Run(ctx)
	out := runOutcome{result: result, started: started, duration: s.now().Sub(started)}
	if err != nil {
		log.Error("job failed", zap.Duration("duration", out.duration), zap.Error(err))
		return out, err
	}
	log.Info("job finished", zap.Duration("duration", out.duration))
	return out, nil
}
