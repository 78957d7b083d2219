package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pds/internal/domain"
	"pds/internal/infra/memory"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const serverID = "trigger-test"

type fakeExecutor struct {
	mu    sync.Mutex
	full  bool
	added []*domain.Job
}

func (e *fakeExecutor) IsQueueFull() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.full
}

func (e *fakeExecutor) AddToQueue(ctx context.Context, job *domain.Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.added = append(e.added, job)
}

func (e *fakeExecutor) jobs() []*domain.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*domain.Job(nil), e.added...)
}

type failingRepo struct {
	*memory.JobRepository
}

func (failingRepo) FindNextExecutable(context.Context) (*domain.Job, error) {
	return nil, errors.New("connection refused")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func saveJob(t *testing.T, repo *memory.JobRepository, created time.Time) *domain.Job {
	t.Helper()
	job := domain.NewJob(serverID, `{"productId":"P1"}`)
	job.Created = created
	require.NoError(t, repo.Save(t.Context(), job))
	return job
}

func TestTriggerClaimsOldestJob(t *testing.T) {
	repo := memory.NewJobRepository(serverID)
	now := time.Now()
	saveJob(t, repo, now)
	oldest := saveJob(t, repo, now.Add(-time.Minute))

	exec := &fakeExecutor{}
	svc := NewTriggerService(true, exec, repo, memory.NewLocker(), discardLogger())
	require.NoError(t, svc.Trigger(t.Context()))

	added := exec.jobs()
	require.Len(t, added, 1)
	require.Equal(t, oldest.UUID, added[0].UUID)
	require.Equal(t, domain.JobStatusRunning, added[0].Status)

	stored, err := repo.Get(t.Context(), oldest.UUID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusRunning, stored.Status)
	require.False(t, stored.Started.IsZero())
}

func TestTriggerAdmitsOneJobPerRound(t *testing.T) {
	repo := memory.NewJobRepository(serverID)
	now := time.Now()
	first := saveJob(t, repo, now.Add(-2*time.Second))
	second := saveJob(t, repo, now.Add(-time.Second))

	exec := &fakeExecutor{}
	svc := NewTriggerService(true, exec, repo, nil, discardLogger())
	require.NoError(t, svc.Trigger(t.Context()))
	require.NoError(t, svc.Trigger(t.Context()))
	require.NoError(t, svc.Trigger(t.Context()))

	added := exec.jobs()
	require.Len(t, added, 2)
	require.Equal(t, first.UUID, added[0].UUID)
	require.Equal(t, second.UUID, added[1].UUID)
}

func TestTriggerSkips(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		full    bool
		hold    bool
	}{
		{name: "disabled", enabled: false},
		{name: "queue full", enabled: true, full: true},
		{name: "lock held elsewhere", enabled: true, hold: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memory.NewJobRepository(serverID)
			job := saveJob(t, repo, time.Now())
			locker := memory.NewLocker()
			if tt.hold {
				lock, err := locker.Lock(t.Context(), TriggerLockName)
				require.NoError(t, err)
				defer lock.Unlock(t.Context())
			}

			exec := &fakeExecutor{full: tt.full}
			svc := NewTriggerService(tt.enabled, exec, repo, locker, discardLogger())
			require.NoError(t, svc.Trigger(t.Context()))

			require.Empty(t, exec.jobs())
			stored, err := repo.Get(t.Context(), job.UUID)
			require.NoError(t, err)
			require.Equal(t, domain.JobStatusCreated, stored.Status)
		})
	}
}

func TestTriggerNoJob(t *testing.T) {
	exec := &fakeExecutor{}
	svc := NewTriggerService(true, exec, memory.NewJobRepository(serverID), nil, discardLogger())
	require.NoError(t, svc.Trigger(t.Context()))
	require.Empty(t, exec.jobs())
}

func TestTriggerIgnoresOtherServers(t *testing.T) {
	repo := memory.NewJobRepository(serverID)
	require.NoError(t, repo.Save(t.Context(), domain.NewJob("other-server", `{"productId":"P1"}`)))

	exec := &fakeExecutor{}
	svc := NewTriggerService(true, exec, repo, nil, discardLogger())
	require.NoError(t, svc.Trigger(t.Context()))
	require.Empty(t, exec.jobs())
}

func TestTriggerRepositoryError(t *testing.T) {
	locker := memory.NewLocker()
	exec := &fakeExecutor{}
	svc := NewTriggerService(true, exec, failingRepo{memory.NewJobRepository(serverID)}, locker, discardLogger())

	err := svc.Trigger(t.Context())
	require.ErrorContains(t, err, "connection refused")
	require.Empty(t, exec.jobs())

	lock, err := locker.Lock(t.Context(), TriggerLockName)
	require.NoError(t, err, "lock must be released after a failed round")
	require.NoError(t, lock.Unlock(t.Context()))
}
