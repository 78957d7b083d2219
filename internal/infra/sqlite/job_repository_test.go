package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"pds/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openRepo(t *testing.T) *JobRepository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "pds.db"), "srv")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, repo.Close()) })
	return repo
}

func TestSaveAndGet(t *testing.T) {
	repo := openRepo(t)
	ctx := t.Context()

	job := domain.NewJob("srv", `{"productId":"scanner"}`)
	require.NoError(t, repo.Save(ctx, job))

	got, err := repo.Get(ctx, job.UUID)
	require.NoError(t, err)
	require.Equal(t, job.UUID, got.UUID)
	require.Equal(t, "srv", got.ServerID)
	require.Equal(t, domain.JobStatusCreated, got.Status)
	require.Equal(t, job.Configuration, got.Configuration)
	require.Nil(t, got.ExitCode)
	require.True(t, got.Started.IsZero())
	require.Equal(t, job.Created.UnixMilli(), got.Created.UnixMilli())

	require.NoError(t, got.Transition(domain.JobStatusRunning))
	require.NoError(t, got.Transition(domain.JobStatusFailed))
	code := 3
	got.ExitCode = &code
	got.Result = "Product time out."
	require.NoError(t, repo.Save(ctx, got))

	again, err := repo.Get(ctx, job.UUID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusFailed, again.Status)
	require.Equal(t, "Product time out.", again.Result)
	require.NotNil(t, again.ExitCode)
	require.Equal(t, 3, *again.ExitCode)
	require.False(t, again.Started.IsZero())
	require.False(t, again.Ended.IsZero())
}

func TestGetMissing(t *testing.T) {
	repo := openRepo(t)
	_, err := repo.Get(t.Context(), uuid.New())
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestFindNextExecutable(t *testing.T) {
	repo := openRepo(t)
	ctx := t.Context()

	_, err := repo.FindNextExecutable(ctx)
	require.ErrorIs(t, err, domain.ErrJobNotFound)

	base := time.Now()
	older := domain.NewJob("srv", "{}")
	older.Created = base.Add(-time.Minute)
	newer := domain.NewJob("srv", "{}")
	newer.Created = base
	foreign := domain.NewJob("other", "{}")
	foreign.Created = base.Add(-time.Hour)
	for _, j := range []*domain.Job{newer, older, foreign} {
		require.NoError(t, repo.Save(ctx, j))
	}

	next, err := repo.FindNextExecutable(ctx)
	require.NoError(t, err)
	require.Equal(t, older.UUID, next.UUID)

	require.NoError(t, next.Transition(domain.JobStatusRunning))
	require.NoError(t, repo.Save(ctx, next))

	next, err = repo.FindNextExecutable(ctx)
	require.NoError(t, err)
	require.Equal(t, newer.UUID, next.UUID)

	require.NoError(t, repo.Delete(ctx, newer.UUID))
	_, err = repo.FindNextExecutable(ctx)
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}
