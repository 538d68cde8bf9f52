// Package scheduler turns clock ticks into job runs.
//
// Each job is Idle or Running. A tick that arrives while the job is Running
// is dropped and counted, never queued. Different jobs are independent and
// may run at the same time. Every run happens in its own goroutine with the
// scheduler's context, so Stop cancels in-flight work and waits for it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyrelay/pkg/observability"
	"github.com/nicktill/tinyrelay/pkg/server/monitor"
)

var (
	// ErrUnknownJob is returned by Trigger for names that were never added
	ErrUnknownJob = errors.New("unknown job")

	// ErrStopped is returned when adding or triggering after Stop
	ErrStopped = errors.New("scheduler stopped")
)

// RunFunc is one unit of periodic work
type RunFunc func(ctx context.Context) error

// Job describes a periodic job
type Job struct {
	Name     string
	Interval time.Duration

	// Timeout bounds a single run. Zero means no limit beyond Stop.
	Timeout time.Duration

	Run RunFunc
}

type job struct {
	Job
	running atomic.Bool
	monitor *monitor.JobMonitor
}

// Scheduler owns the cron tick source and the per-job guards
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *observability.Metrics
	logger  logrus.FieldLogger

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	stopped bool
	wg      sync.WaitGroup
}

// New creates a scheduler. Runs inherit parent's values but are cancelled
// by Stop, not by parent.
func New(metrics *observability.Metrics, logger logrus.FieldLogger) *Scheduler {
	logger = logger.WithField("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		ctx:     ctx,
		cancel:  cancel,
		metrics: metrics,
		logger:  logger,
		jobs:    make(map[string]*job),
	}
}

// Add registers j on an "@every Interval" schedule and returns its monitor.
// Health goes stale after two missed intervals.
func (s *Scheduler) Add(j Job) (*monitor.JobMonitor, error) {
	if j.Name == "" || j.Run == nil {
		return nil, fmt.Errorf("job needs a name and a run function")
	}
	if j.Interval <= 0 {
		return nil, fmt.Errorf("job %s: interval must be positive", j.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}
	if _, dup := s.jobs[j.Name]; dup {
		return nil, fmt.Errorf("job %s already registered", j.Name)
	}

	entry := &job{Job: j, monitor: monitor.NewJobMonitor(j.Name, 2*j.Interval+j.Timeout)}
	if _, err := s.cron.AddFunc("@every "+j.Interval.String(), func() { s.tick(entry) }); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.Name, err)
	}

	s.jobs[j.Name] = entry
	s.order = append(s.order, j.Name)
	s.logger.WithFields(logrus.Fields{"job": j.Name, "interval": j.Interval}).Info("job scheduled")
	return entry.monitor, nil
}

// Start begins delivering ticks
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Trigger delivers one tick to the named job outside the schedule.
// It reports whether a run started; false means the job was already running.
func (s *Scheduler) Trigger(name string) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.tick(j)
}

// Monitors returns job monitors in registration order
func (s *Scheduler) Monitors() []*monitor.JobMonitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*monitor.JobMonitor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.jobs[name].monitor)
	}
	return out
}

// tick moves the job Idle -> Running and starts the run, or drops the tick
func (s *Scheduler) tick(j *job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false, ErrStopped
	}
	if !j.running.CompareAndSwap(false, true) {
		j.monitor.RecordSkip()
		s.metrics.JobRuns.WithLabelValues(j.Name, observability.JobSkipped).Inc()
		s.logger.WithField("job", j.Name).Debug("previous run still in progress, skipping tick")
		return false, nil
	}

	s.wg.Add(1)
	go s.execute(j)
	return true, nil
}

// execute performs one run. The job always returns to Idle, whatever the
// run does.
func (s *Scheduler) execute(j *job) {
	defer s.wg.Done()
	defer j.running.Store(false)

	logger := s.logger.WithField("job", j.Name)
	start := time.Now()
	j.monitor.RecordStart()

	ctx := s.ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	err, panicked := s.protect(ctx, j)
	elapsed := time.Since(start)
	s.metrics.JobDuration.WithLabelValues(j.Name).Observe(elapsed.Seconds())

	switch {
	case panicked:
		j.monitor.RecordFailure(err)
		s.metrics.JobRuns.WithLabelValues(j.Name, observability.JobPanic).Inc()
		logger.WithError(err).Error("job panicked")
	case err != nil:
		j.monitor.RecordFailure(err)
		s.metrics.JobRuns.WithLabelValues(j.Name, observability.JobError).Inc()
		logger.WithError(err).WithField("duration", elapsed.Round(time.Millisecond)).Error("job failed")
		if status := j.monitor.Status(); status.ConsecutiveErrors > 3 {
			logger.WithField("consecutive_errors", status.ConsecutiveErrors).Warn("job keeps failing")
		}
	default:
		j.monitor.RecordSuccess()
		s.metrics.JobRuns.WithLabelValues(j.Name, observability.JobSuccess).Inc()
		logger.WithField("duration", elapsed.Round(time.Millisecond)).Debug("job finished")
	}
}

// protect converts a panic in the run into an error
func (s *Scheduler) protect(ctx context.Context, j *job) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			panicked = true
		}
	}()
	return j.Run(ctx), false
}

// Stop halts the tick source, cancels in-flight runs and waits for them
// until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	logger logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
