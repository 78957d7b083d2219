package memory

import (
	"context"
	"sync"

	"pds/internal/domain"

	"github.com/google/uuid"
)

// JobRepository keeps jobs in process memory. Jobs are copied on the way in
// and out, callers never share a record with the store.
type JobRepository struct {
	serverID string

	mu   sync.RWMutex
	jobs map[uuid.UUID]*domain.Job
}

var _ domain.JobRepository = (*JobRepository)(nil)

// NewJobRepository creates an empty repository for serverID.
func NewJobRepository(serverID string) *JobRepository {
	return &JobRepository{serverID: serverID, jobs: make(map[uuid.UUID]*domain.Job)}
}

func (r *JobRepository) Save(ctx context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.UUID] = job.Clone()
	return nil
}

func (r *JobRepository) Get(ctx context.Context, jobUUID uuid.UUID) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobUUID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (r *JobRepository) FindNextExecutable(ctx context.Context) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var next *domain.Job
	for _, job := range r.jobs {
		if job.ServerID != r.serverID || job.Status != domain.JobStatusCreated {
			continue
		}
		if next == nil || job.Created.Before(next.Created) {
			next = job
		}
	}
	if next == nil {
		return nil, domain.ErrJobNotFound
	}
	return next.Clone(), nil
}

// Delete removes a job. Missing jobs are ignored.
func (r *JobRepository) Delete(ctx context.Context, jobUUID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobUUID)
	return nil
}
