// internal/infra/etcd/etcd_job_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"pds/internal/domain"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	JobSaveDir = "/pds/jobs/"
	// QueueDir indexes CREATED jobs as <server>/<created>/<uuid>.
	QueueDir = "/pds/queue/"
)

type etcdJobRepository struct {
	client   *clientv3.Client
	serverID string
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewEtcdJobRepository creates a new repository for jobs backed by etcd.
// Only jobs of serverID are offered by FindNextExecutable.
func NewEtcdJobRepository(client *clientv3.Client, serverID string, logger *slog.Logger) domain.JobRepository {
	return &etcdJobRepository{
		client:   client,
		serverID: serverID,
		logger:   logger.With("component", "etcd-job-repository"),
		tracer:   otel.Tracer("pds-etcd-repo"),
	}
}

func jobKey(jobUUID uuid.UUID) string {
	return path.Join(JobSaveDir, jobUUID.String())
}

func queuePrefix(serverID string) string {
	return QueueDir + serverID + "/"
}

// queueKey sorts lexically by creation time, the nanoseconds are zero padded.
func queueKey(job *domain.Job) string {
	return fmt.Sprintf("%s%020d/%s", queuePrefix(job.ServerID), job.Created.UnixNano(), job.UUID)
}

// Save persists the Job struct to etcd together with its queue index entry,
// which only exists while the job is CREATED.
func (r *etcdJobRepository) Save(ctx context.Context, job *domain.Job) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Save")
	defer span.End()

	if err := job.Validate(); err != nil {
		return err
	}
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job to JSON: %w", err)
	}

	key := jobKey(job.UUID)
	span.SetAttributes(
		attribute.String("job.uuid", job.UUID.String()),
		attribute.String("etcd.key", key),
	)

	index := clientv3.OpDelete(queueKey(job))
	if job.Status == domain.JobStatusCreated {
		index = clientv3.OpPut(queueKey(job), job.UUID.String())
	}
	_, err = r.client.Txn(ctx).Then(clientv3.OpPut(key, string(jobJSON)), index).Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put job to etcd")
		return fmt.Errorf("failed to save job %s to etcd: %w", job.UUID, err)
	}
	return nil
}

// Get retrieves a job from etcd.
func (r *etcdJobRepository) Get(ctx context.Context, jobUUID uuid.UUID) (*domain.Job, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.Get")
	defer span.End()
	span.SetAttributes(attribute.String("job.uuid", jobUUID.String()))

	resp, err := r.client.Get(ctx, jobKey(jobUUID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job from etcd")
		return nil, fmt.Errorf("failed to get job %s from etcd: %w", jobUUID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrJobNotFound
	}

	var job domain.Job
	if err := json.Unmarshal(resp.Kvs[0].Value, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s from JSON: %w", jobUUID, err)
	}
	return &job, nil
}

// FindNextExecutable walks the queue index of this server in creation order
// and returns the first job that is still CREATED. Index entries that no
// longer match their job are removed on the way.
func (r *etcdJobRepository) FindNextExecutable(ctx context.Context) (*domain.Job, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.FindNextExecutable")
	defer span.End()

	resp, err := r.client.Get(ctx, queuePrefix(r.serverID),
		clientv3.WithPrefix(),
		clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list queue from etcd")
		return nil, fmt.Errorf("failed to list queue from etcd: %w", err)
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		jobUUID, err := uuid.Parse(path.Base(key))
		if err != nil {
			r.logger.Warn("malformed queue key", "key", key, "error", err)
			r.dropIndex(ctx, key)
			continue
		}
		job, err := r.Get(ctx, jobUUID)
		if errors.Is(err, domain.ErrJobNotFound) {
			r.dropIndex(ctx, key)
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status != domain.JobStatusCreated || queueKey(job) != key {
			r.dropIndex(ctx, key)
			continue
		}
		return job, nil
	}
	return nil, domain.ErrJobNotFound
}

func (r *etcdJobRepository) dropIndex(ctx context.Context, key string) {
	if _, err := r.client.Delete(ctx, key); err != nil {
		r.logger.Warn("failed to remove stale queue entry", "key", key, "error", err)
	}
}
