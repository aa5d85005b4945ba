package training

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"invpredict/ml"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	// StatusPublishing means the model is being saved and swapped in; the job
	// can no longer be cancelled.
	StatusPublishing Status = "publishing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var (
	ErrJobNotFound  = errors.New("training job not found")
	ErrJobFinished  = errors.New("training job already finished")
	ErrRunnerClosed = errors.New("training runner closed")
	ErrQueueFull    = errors.New("training queue is full")

	ErrJobPublishing = fmt.Errorf("%w: model is being published", ErrJobFinished)
)

// Job is a snapshot of a background training run.
type Job struct {
	ID           string               `json:"id"`
	Status       Status               `json:"status"`
	Algorithm    string               `json:"algorithm"`
	Records      int                  `json:"records"`
	TrainSize    int                  `json:"train_size,omitempty"`
	TestSize     int                  `json:"test_size,omitempty"`
	Metrics      ml.EvaluationMetrics `json:"metrics,omitempty"`
	ModelVersion string               `json:"model_version,omitempty"`
	Error        string               `json:"error,omitempty"`
	SubmittedAt  time.Time            `json:"submitted_at"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	FinishedAt   *time.Time           `json:"finished_at,omitempty"`
}

func (j Job) Done() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed || j.Status == StatusCancelled
}

// Observer is told about every job state transition. Implementations must
// be safe for concurrent use and must not call back into the Runner.
type Observer interface {
	JobUpdated(job Job)
}

type ObserverFunc func(Job)

func (f ObserverFunc) JobUpdated(job Job) { f(job) }

// PublishFunc receives the model of a successful run. It is the only point
// where a run affects serving, and it is never called for failed or
// cancelled runs.
type PublishFunc func(ctx context.Context, model *ml.TrainedModel) error

type RunnerConfig struct {
	// MaxHistory bounds how many finished jobs are kept for Get/List.
	MaxHistory int
	// QueueSize bounds how many jobs may wait behind the running one.
	QueueSize int
}

// Runner executes training jobs in the background on a single worker, so
// models are published in submission order.
type Runner struct {
	orchestrator *Orchestrator
	publish      PublishFunc
	observers    []Observer
	logger       *zap.Logger
	maxHistory   int

	mu     sync.RWMutex
	jobs   map[string]*jobState
	closed bool

	queue   chan queuedJob
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

type jobState struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

type queuedJob struct {
	ctx   context.Context
	state *jobState
	ds    ml.Dataset
	cfg   Config
}

func NewRunner(orchestrator *Orchestrator, publish PublishFunc, cfg RunnerConfig, logger *zap.Logger, observers ...Observer) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	ctx, stop := context.WithCancel(context.Background())
	r := &Runner{
		orchestrator: orchestrator,
		publish:      publish,
		observers:    observers,
		logger:       logger,
		maxHistory:   cfg.MaxHistory,
		jobs:         make(map[string]*jobState),
		queue:        make(chan queuedJob, cfg.QueueSize),
		baseCtx:      ctx,
		stop:         stop,
	}
	r.wg.Add(1)
	go r.work()
	return r
}

// Submit queues a run. Configuration problems and datasets too small to
// split are rejected immediately.
func (r *Runner) Submit(ds ml.Dataset, cfg Config) (Job, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Job{}, err
	}
	if ds.Len() < 2 {
		return Job{}, &InsufficientDataError{Records: ds.Len()}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Job{}, ErrRunnerClosed
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	state := &jobState{
		job: Job{
			ID:          uuid.NewString(),
			Status:      StatusPending,
			Algorithm:   r.orchestrator.Algorithm(),
			Records:     ds.Len(),
			SubmittedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	select {
	case r.queue <- queuedJob{ctx: ctx, state: state, ds: ds, cfg: cfg}:
	default:
		r.mu.Unlock()
		cancel()
		return Job{}, ErrQueueFull
	}
	r.jobs[state.job.ID] = state
	r.trimLocked()
	snapshot := state.job
	// Notified under the lock so observers see pending before running.
	r.notify(snapshot)
	r.mu.Unlock()
	return snapshot, nil
}

func (r *Runner) work() {
	defer r.wg.Done()
	for q := range r.queue {
		r.execute(q)
	}
}

func (r *Runner) execute(q queuedJob) {
	state := q.state
	defer close(state.done)
	defer state.cancel()

	if err := q.ctx.Err(); err != nil {
		r.finish(state, nil, err)
		return
	}

	r.update(state, func(job *Job) {
		now := time.Now().UTC()
		job.Status = StatusRunning
		job.StartedAt = &now
	})

	result, err := r.orchestrator.Run(q.ctx, q.ds, q.cfg)
	if err == nil {
		err = r.beginPublish(q.ctx, state)
	}
	if err == nil && r.publish != nil {
		err = r.publish(q.ctx, result.Model)
	}
	r.finish(state, result, err)
}

// beginPublish moves a running job to publishing unless it was cancelled.
// Cancel checks the status under the same lock, so a cancel either lands
// before this point or is refused.
func (r *Runner) beginPublish(ctx context.Context, state *jobState) error {
	r.mu.Lock()
	if err := ctx.Err(); err != nil {
		r.mu.Unlock()
		return err
	}
	state.job.Status = StatusPublishing
	snapshot := state.job
	r.mu.Unlock()
	r.notify(snapshot)
	return nil
}

func (r *Runner) finish(state *jobState, result *Result, err error) {
	job := r.update(state, func(job *Job) {
		now := time.Now().UTC()
		job.FinishedAt = &now
		switch {
		case err == nil:
			job.Status = StatusSucceeded
		case errors.Is(err, context.Canceled):
			job.Status = StatusCancelled
			job.Error = err.Error()
		default:
			job.Status = StatusFailed
			job.Error = err.Error()
		}
		if result != nil {
			job.TrainSize = result.TrainSize
			job.TestSize = result.TestSize
			job.Metrics = result.Metrics
			if err == nil {
				job.ModelVersion = result.Model.Version()
			}
		}
	})

	fields := []zap.Field{zap.String("job_id", job.ID), zap.String("status", string(job.Status))}
	if err != nil {
		r.logger.Warn("training job did not publish a model", append(fields, zap.Error(err))...)
		return
	}
	r.logger.Info("training job finished", append(fields, zap.String("model_version", job.ModelVersion))...)
}

func (r *Runner) update(state *jobState, mutate func(*Job)) Job {
	r.mu.Lock()
	mutate(&state.job)
	snapshot := state.job
	r.mu.Unlock()
	r.notify(snapshot)
	return snapshot
}

func (r *Runner) notify(job Job) {
	for _, o := range r.observers {
		o.JobUpdated(job)
	}
}

// trimLocked drops the oldest finished jobs beyond maxHistory.
func (r *Runner) trimLocked() {
	if len(r.jobs) <= r.maxHistory {
		return
	}
	finished := make([]*jobState, 0, len(r.jobs))
	for _, s := range r.jobs {
		if s.job.Done() {
			finished = append(finished, s)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].job.SubmittedAt.Before(finished[j].job.SubmittedAt)
	})
	for _, s := range finished {
		if len(r.jobs) <= r.maxHistory {
			return
		}
		delete(r.jobs, s.job.ID)
	}
}

func (r *Runner) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return state.job, true
}

// List returns known jobs, newest first.
func (r *Runner) List() []Job {
	r.mu.RLock()
	jobs := make([]Job, 0, len(r.jobs))
	for _, s := range r.jobs {
		jobs = append(jobs, s.job)
	}
	r.mu.RUnlock()
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
	})
	return jobs
}

// Cancel stops a pending or running job. The active model is never replaced
// by a cancelled job.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.jobs[id]
	switch {
	case !ok:
		return ErrJobNotFound
	case state.job.Status == StatusPublishing:
		return ErrJobPublishing
	case state.job.Done():
		return ErrJobFinished
	}
	state.cancel()
	return nil
}

// Wait blocks until the job finishes or ctx ends.
func (r *Runner) Wait(ctx context.Context, id string) (Job, error) {
	r.mu.RLock()
	state, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}
	select {
	case <-state.done:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return state.job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Close cancels outstanding jobs and waits for the worker to exit.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.stop()
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}
