package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pds/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TriggerLockName is the lock shared by every server claiming jobs from one repository.
const TriggerLockName = "pds-trigger"

// Executor admits jobs for execution.
type Executor interface {
	IsQueueFull() bool
	AddToQueue(ctx context.Context, job *domain.Job)
}

// TriggerService 定期从仓库中取出下一个可执行的任务并交给执行服务。
type TriggerService struct {
	enabled  bool
	executor Executor
	repo     domain.JobRepository
	locker   domain.Locker
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewTriggerService creates a new TriggerService instance. locker may be nil
// when only one server works on the repository.
func NewTriggerService(enabled bool, executor Executor, repo domain.JobRepository, locker domain.Locker, logger *slog.Logger) *TriggerService {
	return &TriggerService{
		enabled:  enabled,
		executor: executor,
		repo:     repo,
		locker:   locker,
		logger:   logger.With("component", "trigger-service"),
		tracer:   otel.Tracer("pds-usecase"),
	}
}

// Enabled reports whether the trigger loop should run at all.
func (s *TriggerService) Enabled() bool { return s.enabled }

// Trigger admits at most one job. A full queue, a missing job or a lock held
// by another server simply skip this round.
func (s *TriggerService) Trigger(ctx context.Context) error {
	if !s.enabled {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "trigger.Trigger")
	defer span.End()

	if s.executor.IsQueueFull() {
		span.AddEvent("queue full")
		s.logger.Debug("queue is full, skipping trigger")
		return nil
	}

	if s.locker != nil {
		lock, err := s.locker.Lock(ctx, TriggerLockName)
		if errors.Is(err, domain.ErrLockNotAcquired) {
			s.logger.Debug("trigger lock held by another server")
			return nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to acquire trigger lock")
			return fmt.Errorf("acquire trigger lock: %w", err)
		}
		defer func() {
			if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("failed to release trigger lock", "error", err)
			}
		}()
	}

	job, err := s.repo.FindNextExecutable(ctx)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find next executable job")
		return fmt.Errorf("find next executable job: %w", err)
	}
	span.SetAttributes(attribute.String("job.uuid", job.UUID.String()))

	if err := job.Transition(domain.JobStatusRunning); err != nil {
		span.RecordError(err)
		return fmt.Errorf("claim job %s: %w", job.UUID, err)
	}
	if err := s.repo.Save(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark job running")
		return fmt.Errorf("claim job %s: %w", job.UUID, err)
	}

	s.executor.AddToQueue(ctx, job)
	s.logger.Info("job triggered", "job_uuid", job.UUID.String())
	return nil
}

// Tick runs Trigger and logs its error, for use as a scheduler loop.
func (s *TriggerService) Tick(ctx context.Context) {
	if err := s.Trigger(ctx); err != nil {
		s.logger.Error("trigger failed", "error", err)
	}
}
