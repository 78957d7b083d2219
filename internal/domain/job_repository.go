package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrJobNotFound is a sentinel error returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")

	// ErrIllegalTransition is returned when a status change would move a job backwards
	// or overwrite a terminal status.
	ErrIllegalTransition = errors.New("illegal job status transition")
)

// JobRepository defines the interface for persisting and retrieving jobs.
// The storage engine behind it is owned by the surrounding platform.
type JobRepository interface {
	// Save inserts or replaces the job.
	Save(ctx context.Context, job *Job) error
	// Get returns the job or ErrJobNotFound.
	Get(ctx context.Context, jobUUID uuid.UUID) (*Job, error)
	// FindNextExecutable returns the oldest CREATED job of this server,
	// or ErrJobNotFound when there is none.
	FindNextExecutable(ctx context.Context) (*Job, error)
}
