package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pds/internal/domain"
	"pds/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const resultExecutionFailed = "Job execution failed"

// Config holds the tuning of the execution service.
type Config struct {
	WorkerCount         int
	QueueMax            int
	WatcherInitialDelay time.Duration
	WatcherDelay        time.Duration
}

// DefaultConfig returns the values used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		WorkerCount:         5,
		QueueMax:            50,
		WatcherInitialDelay: 300 * time.Millisecond,
		WatcherDelay:        time.Second,
	}
}

type queueEntry struct {
	task      *Task
	seq       uint64
	productID string
	admitted  time.Time
}

// Service 负责任务的准入、取消以及结束后的状态落库。
// The queue map is the only shared state, add, cancel and reconcile never
// hold its lock while talking to processes or the repository.
type Service struct {
	cfg       Config
	repo      domain.JobRepository
	products  domain.ProductRegistry
	workspace domain.WorkspaceService
	env       *EnvironmentBuilder
	pool      *Pool
	logger    *slog.Logger
	tracer    trace.Tracer

	mu    sync.Mutex
	queue map[uuid.UUID]*queueEntry
	seq   uint64

	reconcileMu sync.Mutex
	wake        chan struct{}
}

// NewService creates a new Service instance.
func NewService(cfg Config, repo domain.JobRepository, products domain.ProductRegistry, workspace domain.WorkspaceService, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.QueueMax < 1 {
		cfg.QueueMax = def.QueueMax
	}
	if cfg.WatcherInitialDelay <= 0 {
		cfg.WatcherInitialDelay = def.WatcherInitialDelay
	}
	if cfg.WatcherDelay <= 0 {
		cfg.WatcherDelay = def.WatcherDelay
	}
	return &Service{
		cfg:       cfg,
		repo:      repo,
		products:  products,
		workspace: workspace,
		env:       NewEnvironmentBuilder(logger),
		pool:      NewPool(cfg.WorkerCount),
		logger:    logger.With("component", "execution-service"),
		tracer:    otel.Tracer("pds-execution"),
		queue:     make(map[uuid.UUID]*queueEntry),
		wake:      make(chan struct{}, 1),
	}
}

// IsQueueFull reports whether the number of tracked jobs reached the maximum.
func (s *Service) IsQueueFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) >= s.cfg.QueueMax
}

// QueueSize returns the number of tracked jobs.
func (s *Service) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// AddToQueue submits job to the worker pool. A job already tracked under the
// same uuid is canceled and replaced.
func (s *Service) AddToQueue(ctx context.Context, job *domain.Job) {
	_, span := s.tracer.Start(ctx, "execution.AddToQueue",
		trace.WithAttributes(attribute.String("job.uuid", job.UUID.String())))
	defer span.End()

	runner := NewProcessRunner(job, s.products, s.workspace, s.env, s.logger)
	entry := &queueEntry{productID: productIDOf(job), admitted: time.Now()}

	s.mu.Lock()
	former := s.queue[job.UUID]
	if former != nil {
		entry.task = newTask(afterFormer(former.task, runner.Run), runner.PrepareForCancel, s.notify)
	} else {
		entry.task = NewCancelableTask(runner, s.notify)
	}
	s.seq++
	entry.seq = s.seq
	s.queue[job.UUID] = entry
	size := len(s.queue)
	s.mu.Unlock()

	metrics.QueueSize.Set(float64(size))

	if former != nil {
		s.logger.Error("found former job in queue with same job uuid, canceling it", "job_uuid", job.UUID.String())
		span.AddEvent("former job canceled")
		former.task.Cancel()
	}
	s.pool.Submit(entry.task)
	s.logger.Info("job added to queue", "job_uuid", job.UUID.String(), "queue_size", size)
}

// afterFormer delays run until the replaced task has released the workspace.
func afterFormer(former *Task, run TaskFunc) TaskFunc {
	return func(ctx context.Context) (domain.ExecutionOutcome, error) {
		select {
		case <-former.Done():
		case <-ctx.Done():
			return domain.ExecutionOutcome{}, ErrCanceled
		}
		return run(ctx)
	}
}

// Cancel cancels the tracked job. It returns false when the uuid is not tracked.
// The entry stays tracked until reconciliation persisted CANCELED.
func (s *Service) Cancel(ctx context.Context, jobUUID uuid.UUID) bool {
	_, span := s.tracer.Start(ctx, "execution.Cancel",
		trace.WithAttributes(attribute.String("job.uuid", jobUUID.String())))
	defer span.End()

	s.mu.Lock()
	entry, ok := s.queue[jobUUID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("cancel requested for job not in queue", "job_uuid", jobUUID.String())
		return false
	}

	canceled := entry.task.Cancel()
	metrics.JobCancellationsTotal.Inc()
	span.SetAttributes(attribute.Bool("task.canceled", canceled))
	s.logger.Info("cancel requested", "job_uuid", jobUUID.String(), "was_running", canceled)
	s.notify()
	return true
}

// notify wakes the watcher loop, extra wakes are dropped.
func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Reconcile persists the terminal state of every finished job and removes
// it from the queue. Entries whose job could not be loaded or saved stay and
// are retried on the next call.
func (s *Service) Reconcile(ctx context.Context) {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	type finished struct {
		jobUUID uuid.UUID
		entry   *queueEntry
	}
	s.mu.Lock()
	var done []finished
	for id, e := range s.queue {
		if e.task.IsDone() {
			done = append(done, finished{jobUUID: id, entry: e})
		}
	}
	s.mu.Unlock()
	if len(done) == 0 {
		return
	}

	ctx, span := s.tracer.Start(ctx, "execution.Reconcile",
		trace.WithAttributes(attribute.Int("jobs.done", len(done))))
	defer span.End()

	var remove []finished
	for _, f := range done {
		if err := s.finalize(ctx, f.jobUUID, f.entry); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to persist job state")
			s.logger.Error("was not able to handle finished job, will retry", "job_uuid", f.jobUUID.String(), "error", err)
			continue
		}
		remove = append(remove, f)
	}

	s.mu.Lock()
	for _, f := range remove {
		if s.queue[f.jobUUID] == f.entry {
			delete(s.queue, f.jobUUID)
		}
	}
	size := len(s.queue)
	s.mu.Unlock()
	metrics.QueueSize.Set(float64(size))
}

func (s *Service) finalize(ctx context.Context, jobUUID uuid.UUID, entry *queueEntry) error {
	logger := s.logger.With("job_uuid", jobUUID.String())

	job, err := s.repo.Get(ctx, jobUUID)
	if errors.Is(err, domain.ErrJobNotFound) {
		logger.Error("job does no longer exist but result is available, removing it from queue")
		return nil
	}
	if err != nil {
		return err
	}

	outcome, runErr := entry.task.Outcome()
	status := domain.JobStatusDone
	switch {
	case entry.task.Canceled():
		status = domain.JobStatusCanceled
	case runErr != nil:
		logger.Error("job failed in execution", "error", runErr)
		status = domain.JobStatusFailed
		job.Result = resultExecutionFailed
	default:
		if outcome.Failed {
			status = domain.JobStatusFailed
		}
		job.Result = outcome.Result
		code := outcome.ExitCode
		job.ExitCode = &code
	}

	if err := job.Transition(status); err != nil {
		logger.Warn("job already has a final state, result dropped", "status", job.Status, "error", err)
		return nil
	}
	if err := s.repo.Save(ctx, job); err != nil {
		return err
	}
	metrics.JobExecutionTotal.WithLabelValues(entry.productID, string(status)).Inc()
	logger.Info("stored job state", "status", status)
	return nil
}

// Run drives reconciliation until ctx is done: first after the initial
// delay, then every period and whenever a job finished.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("execution watcher started",
		"workers", s.cfg.WorkerCount, "queue_max", s.cfg.QueueMax, "delay", s.cfg.WatcherDelay)

	initial := time.NewTimer(s.cfg.WatcherInitialDelay)
	defer initial.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-initial.C:
	}

	ticker := time.NewTicker(s.cfg.WatcherDelay)
	defer ticker.Stop()
	for {
		s.Reconcile(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("execution watcher stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// Shutdown cancels every tracked job, waits for the workers and persists the
// final states. ctx bounds the wait: when it expires first, Shutdown returns
// its error and nothing is persisted, while the wait for the workers goes on
// in the background until the last task returned.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.queue))
	for _, e := range s.queue {
		tasks = append(tasks, e.task)
	}
	s.mu.Unlock()

	s.logger.Info("shutting down execution service", "jobs_in_queue", len(tasks))
	for _, t := range tasks {
		t.Cancel()
	}

	drained := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.Reconcile(ctx)
	return nil
}

func productIDOf(job *domain.Job) string {
	cfg, err := domain.ParseJobConfiguration(job.Configuration)
	if err != nil {
		return "unknown"
	}
	return cfg.ProductID
}
