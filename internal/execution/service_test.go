//go:build unix

package execution

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"pds/internal/domain"
	"pds/internal/infra/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func (f *fixture) service(t *testing.T, cfg Config) *Service {
	t.Helper()
	return f.serviceWithRepo(t, cfg, f.repo)
}

func (f *fixture) serviceWithRepo(t *testing.T, cfg Config, repo domain.JobRepository) *Service {
	t.Helper()
	s := NewService(cfg, repo, f.products, f.workspace, f.logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	})
	return s
}

// claim marks the job RUNNING like the trigger does before admission.
func (f *fixture) claim(t *testing.T, job *domain.Job) *domain.Job {
	t.Helper()
	require.NoError(t, job.Transition(domain.JobStatusRunning))
	require.NoError(t, f.repo.Save(t.Context(), job))
	return job
}

// awaitFinal reconciles until the job reached a terminal status.
func awaitFinal(t *testing.T, s *Service, repo domain.JobRepository, jobUUID uuid.UUID) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		s.Reconcile(t.Context())
		var err error
		job, err = repo.Get(t.Context(), jobUUID)
		return err == nil && job.Status.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)
	return job
}

func TestServiceQueueFull(t *testing.T) {
	path := script(t, `exec sleep 300`)
	f := newFixture(t, []domain.ProductSetup{product("P1", path)})
	s := f.service(t, Config{WorkerCount: 1, QueueMax: 2})
	ctx := t.Context()

	require.False(t, s.IsQueueFull())
	first := f.claim(t, f.newJob(t, "P1"))
	s.AddToQueue(ctx, first)
	require.False(t, s.IsQueueFull())
	second := f.claim(t, f.newJob(t, "P1"))
	s.AddToQueue(ctx, second)
	require.True(t, s.IsQueueFull())
	require.Equal(t, 2, s.QueueSize())

	require.True(t, s.Cancel(ctx, second.UUID))
	job := awaitFinal(t, s, f.repo, second.UUID)
	require.Equal(t, domain.JobStatusCanceled, job.Status)
	require.False(t, s.IsQueueFull())
	require.Equal(t, 1, s.QueueSize())
}

func TestServiceTimeoutScenario(t *testing.T) {
	shrinkMinutes(t, 500*time.Millisecond)
	pidFile := filepath.Join(t.TempDir(), "pid")
	t.Setenv("TEST_PID_FILE", pidFile)
	path := script(t, `echo $$ > "$TEST_PID_FILE"
exec sleep 300`)
	f := newFixture(t, []domain.ProductSetup{product("P1", path)})
	s := f.service(t, Config{WorkerCount: 1, QueueMax: 5})

	job := f.claim(t, f.newJob(t, "P1"))
	s.AddToQueue(t.Context(), job)

	final := awaitFinal(t, s, f.repo, job.UUID)
	require.Equal(t, domain.JobStatusFailed, final.Status)
	require.Contains(t, final.Result, "time out")
	require.NotNil(t, final.ExitCode)
	require.Equal(t, 1, *final.ExitCode)
	require.False(t, final.Ended.IsZero())
	requireProcessGone(t, waitForPID(t, pidFile))
	require.Zero(t, s.QueueSize())
}

func TestServiceUnknownProductScenario(t *testing.T) {
	f := newFixture(t, nil)
	s := f.service(t, Config{WorkerCount: 1, QueueMax: 5})

	job := f.claim(t, f.newJob(t, "MISSING_PRODUCT"))
	s.AddToQueue(t.Context(), job)

	final := awaitFinal(t, s, f.repo, job.UUID)
	require.Equal(t, domain.JobStatusFailed, final.Status)
	require.Contains(t, final.Result, "MISSING_PRODUCT")
}

func TestServiceCancelScenario(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	t.Setenv("TEST_PID_FILE", pidFile)
	path := script(t, `echo $$ > "$TEST_PID_FILE"
exec sleep 300`)
	f := newFixture(t, []domain.ProductSetup{product("P1", path)})
	s := f.service(t, Config{WorkerCount: 1, QueueMax: 5})
	ctx := t.Context()

	job := f.claim(t, f.newJob(t, "P1"))
	s.AddToQueue(ctx, job)
	pid := waitForPID(t, pidFile)

	require.True(t, s.Cancel(ctx, job.UUID))
	final := awaitFinal(t, s, f.repo, job.UUID)
	require.Equal(t, domain.JobStatusCanceled, final.Status)
	requireProcessGone(t, pid)
	require.NoDirExists(t, f.workspace.Location(job.UUID).Workspace)

	require.False(t, s.Cancel(ctx, job.UUID), "reconciled job is no longer tracked")
}

func TestServiceCancelKeepsWorkspaceWhenAutoCleanDisabled(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	t.Setenv("TEST_PID_FILE", pidFile)
	path := script(t, `echo $$ > "$TEST_PID_FILE"
exec sleep 300`)
	f := newFixture(t, []domain.ProductSetup{product("P1", path)}, withAutoCleanDisabled())
	s := f.service(t, Config{WorkerCount: 1, QueueMax: 5})
	ctx := t.Context()

	job := f.claim(t, f.newJob(t, "P1"))
	s.AddToQueue(ctx, job)
	waitForPID(t, pidFile)

	require.True(t, s.Cancel(ctx, job.UUID))
	final := awaitFinal(t, s, f.repo, job.UUID)
	require.Equal(t, domain.JobStatusCanceled, final.Status)
	require.DirExists(t, f.workspace.Location(job.UUID).Workspace)
}

func TestServiceCancelUnknown(t *testing.T) {
	f := newFixture(t, nil)
	s := f.service(t, Config{})
	require.False(t, s.Cancel(t.Context(), uuid.New()))
	require.Zero(t, s.QueueSize())
}

func TestServiceSingleWorkerRunsJobsOneAfterAnother(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "busy")
	t.Setenv("TEST_LOCK", lock)
	path := script(t, `if [ -e "$TEST_LOCK" ]; then echo overlap > "$PDS_JOB_RESULT_FILE"; exit 1; fi
touch "$TEST_LOCK"
sleep 0.3
rm "$TEST_LOCK"
echo ok > "$PDS_JOB_RESULT_FILE"`)
	f := newFixture(t, []domain.ProductSetup{product("P1", path)})
	s := f.service(t, Config{WorkerCount: 1, QueueMax: 5})
	ctx := t.Context()

	first := f.claim(t, f.newJob(t, "P1"))
	second := f.claim(t, f.newJob(t, "P1"))
	s.AddToQueue(ctx, first)
	s.AddToQueue(ctx, second)

	for _, id := range []uuid.UUID{first.UUID, second.UUID} {
		final := awaitFinal(t, s, f.repo, id)
		require.Equal(t, domain.JobStatusDone, final.Status)
		require.Equal(t, "ok\n", final.Result)
	}
}

func TestServiceReadmissionReplacesFormerEntry(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	t.Setenv("TEST_PID_FILE", pidFile)
	path := script(t, `if [ -z "$SECOND_RUN" ]; then echo $$ > "$TEST_PID_FILE"; exec sleep 300; fi
echo second > "$PDS_JOB_RESULT_FILE"`)
	f := newFixture(t, []domain.ProductSetup{product("P1", path)})
	s := f.service(t, Config{WorkerCount: 2, QueueMax: 5})
	ctx := t.Context()

	job := f.claim(t, f.newJob(t, "P1"))
	s.AddToQueue(ctx, job)
	pid := waitForPID(t, pidFile)

	s.mu.Lock()
	former := s.queue[job.UUID].task
	s.mu.Unlock()

	t.Setenv("SECOND_RUN", "yes")
	s.AddToQueue(ctx, job)
	require.Equal(t, 1, s.QueueSize())
	require.True(t, former.Canceled())
	requireProcessGone(t, pid)

	final := awaitFinal(t, s, f.repo, job.UUID)
	require.Equal(t, domain.JobStatusDone, final.Status)
	require.Equal(t, "second\n", final.Result)
	require.Zero(t, s.QueueSize())
}

func TestServiceOrphanedResultIsDropped(t *testing.T) {
	path := script(t, `echo ok > "$PDS_JOB_RESULT_FILE"`)
	f := newFixture(t, []domain.ProductSetup{product("P1", path)})
	s := f.service(t, Config{WorkerCount: 1, QueueMax: 5})
	ctx := t.Context()

	job := f.claim(t, f.newJob(t, "P1"))
	s.AddToQueue(ctx, job)
	require.NoError(t, f.repo.Delete(ctx, job.UUID))

	require.Eventually(t, func() bool {
		s.Reconcile(ctx)
		return s.QueueSize() == 0
	}, 10*time.Second, 20*time.Millisecond)

	_, err := f.repo.Get(ctx, job.UUID)
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

type flakyRepo struct {
	*memory.JobRepository
	failures atomic.Int32
}

func (r *flakyRepo) Save(ctx context.Context, job *domain.Job) error {
	if job.Status.IsTerminal() && r.failures.Add(-1) >= 0 {
		return errors.New("repository unavailable")
	}
	return r.JobRepository.Save(ctx, job)
}

func TestServiceRetriesAfterRepositoryFailure(t *testing.T) {
	path := script(t, `echo ok > "$PDS_JOB_RESULT_FILE"`)
	f := newFixture(t, []domain.ProductSetup{product("P1", path)})
	repo := &flakyRepo{JobRepository: f.repo}
	repo.failures.Store(1)
	s := f.serviceWithRepo(t, Config{WorkerCount: 1, QueueMax: 5}, repo)
	ctx := t.Context()

	job := f.claim(t, f.newJob(t, "P1"))
	s.AddToQueue(ctx, job)
	require.Eventually(t, func() bool {
		st := s.Status(ctx)
		return len(st.Entries) == 1 && st.Entries[0].State == EntryDone
	}, 10*time.Second, 10*time.Millisecond)

	s.Reconcile(ctx)
	require.Equal(t, 1, s.QueueSize(), "entry stays after a failed save")

	s.Reconcile(ctx)
	require.Zero(t, s.QueueSize())
	final, err := f.repo.Get(ctx, job.UUID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusDone, final.Status)
}

func TestServiceReconcileFinalizesAllFinishedJobsInOneTick(t *testing.T) {
	path := script(t, `echo ok > "$PDS_JOB_RESULT_FILE"`)
	f := newFixture(t, []domain.ProductSetup{product("P1", path)})
	s := f.service(t, Config{WorkerCount: 3, QueueMax: 5})
	ctx := t.Context()

	var ids []uuid.UUID
	for range 3 {
		job := f.claim(t, f.newJob(t, "P1"))
		ids = append(ids, job.UUID)
		s.AddToQueue(ctx, job)
	}

	st := s.Status(ctx)
	require.Len(t, st.Entries, 3)
	for i, e := range st.Entries {
		require.Equal(t, ids[i], e.JobUUID, "status lists jobs in admission order")
		require.Equal(t, "P1", e.ProductID)
		require.Equal(t, domain.JobStatusRunning, e.JobStatus)
	}
	require.Equal(t, 5, st.QueueMax)
	require.Equal(t, 3, st.Workers)

	require.Eventually(t, func() bool {
		for _, e := range s.Status(ctx).Entries {
			if e.State != EntryDone {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	s.Reconcile(ctx)
	require.Zero(t, s.QueueSize())
	for _, id := range ids {
		job, err := f.repo.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.JobStatusDone, job.Status)
	}
}

func TestServiceRunLoopReconcilesOnCompletion(t *testing.T) {
	path := script(t, `echo ok > "$PDS_JOB_RESULT_FILE"`)
	f := newFixture(t, []domain.ProductSetup{product("P1", path)})
	s := f.service(t, Config{
		WorkerCount:         1,
		QueueMax:            5,
		WatcherInitialDelay: 10 * time.Millisecond,
		WatcherDelay:        time.Hour,
	})

	ctx, cancel := context.WithCancel(t.Context())
	loopDone := make(chan error, 1)
	go func() { loopDone <- s.Run(ctx) }()

	job := f.claim(t, f.newJob(t, "P1"))
	s.AddToQueue(ctx, job)

	require.Eventually(t, func() bool {
		j, err := f.repo.Get(ctx, job.UUID)
		return err == nil && j.Status == domain.JobStatusDone
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-loopDone, context.Canceled)
}

func TestServiceShutdownCancelsRunningJobs(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	t.Setenv("TEST_PID_FILE", pidFile)
	path := script(t, `echo $$ > "$TEST_PID_FILE"
exec sleep 300`)
	f := newFixture(t, []domain.ProductSetup{product("P1", path)})
	s := NewService(Config{WorkerCount: 1, QueueMax: 5}, f.repo, f.products, f.workspace, f.logger)
	ctx := t.Context()

	running := f.claim(t, f.newJob(t, "P1"))
	waiting := f.claim(t, f.newJob(t, "P1"))
	s.AddToQueue(ctx, running)
	s.AddToQueue(ctx, waiting)
	pid := waitForPID(t, pidFile)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(shutdownCtx))

	requireProcessGone(t, pid)
	require.Zero(t, s.QueueSize())
	for _, id := range []uuid.UUID{running.UUID, waiting.UUID} {
		job, err := f.repo.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.JobStatusCanceled, job.Status)
	}
	_, err := os.Stat(f.workspace.Location(running.UUID).Workspace)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestServiceShutdownReturnsWhenContextExpires(t *testing.T) {
	f := newFixture(t, nil)
	s := NewService(Config{WorkerCount: 1, QueueMax: 5}, f.repo, f.products, f.workspace, f.logger)

	release := make(chan struct{})
	s.pool.Submit(newTask(func(context.Context) (domain.ExecutionOutcome, error) {
		<-release
		return domain.ExecutionOutcome{}, nil
	}, nil, nil))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Shutdown(t.Context()))
}
