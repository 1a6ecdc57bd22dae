package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/launchpad/internal/store"
	"github.com/kiranshivaraju/launchpad/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("launchpad_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr))
	// Second run is a no-op.
	require.NoError(t, store.RunMigrations(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newJob(id, owner string) *models.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Job{
		ID:        id,
		Name:      "site-" + id,
		OwnerID:   owner,
		RepoURL:   "https://github.com/acme/" + id + ".git",
		Status:    models.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Logs: []models.LogEntry{
			{Timestamp: now, Message: "Project created and queued for deployment"},
		},
	}
}

func TestInsertAndGetByID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	desc := "marketing site"
	job := newJob("abc123", "user-1")
	job.Description = &desc
	require.NoError(t, s.Insert(ctx, job))

	got, err := s.GetByID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, "user-1", got.OwnerID)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	require.NotNil(t, got.Description)
	assert.Equal(t, desc, *got.Description)
	assert.Nil(t, got.DeployedAt)
	require.Len(t, got.Logs, 1)
	assert.Equal(t, "Project created and queued for deployment", got.Logs[0].Message)
}

func TestInsert_DuplicateID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, newJob("dup", "user-1")))
	err := s.Insert(ctx, newJob("dup", "user-2"))
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestGetByID_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	_, err := s.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListByOwner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := newJob(fmt.Sprintf("own-%d", i), "owner-a")
		j.CreatedAt = j.CreatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Insert(ctx, j))
	}
	require.NoError(t, s.Insert(ctx, newJob("other", "owner-b")))

	jobs, total, err := s.ListByOwner(ctx, "owner-a", 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, 3, total)
	assert.Equal(t, "own-2", jobs[0].ID, "newest first")

	page, total, err := s.ListByOwner(ctx, "owner-a", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "own-0", page[0].ID)

	none, total, err := s.ListByOwner(ctx, "nobody", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Zero(t, total)
}

func TestUpdate_AppendsLogsAndTransitions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, newJob("abc123", "user-1")))

	now := time.Now().UTC().Truncate(time.Microsecond)
	got, err := s.Update(ctx, "abc123", models.JobUpdate{
		Status:     models.StatusPtr(models.JobStatusBuilding),
		AppendLogs: []models.LogEntry{{Timestamp: now, Message: "Build Started..."}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusBuilding, got.Status)

	url := "http://abc123.localhost:8000"
	got, err = s.Update(ctx, "abc123", models.JobUpdate{
		Status:     models.StatusPtr(models.JobStatusDeployed),
		DeployURL:  &url,
		AppendLogs: []models.LogEntry{{Timestamp: now, Message: "Done"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDeployed, got.Status)
	require.NotNil(t, got.DeployedAt)

	persisted, err := s.GetByID(ctx, "abc123")
	require.NoError(t, err)
	require.Len(t, persisted.Logs, 3)
	assert.Equal(t, "Build Started...", persisted.Logs[1].Message)
	assert.Equal(t, "Done", persisted.Logs[2].Message)
	require.NotNil(t, persisted.DeployURL)
	assert.Equal(t, url, *persisted.DeployURL)
}

func TestUpdate_TerminalStatusIsImmutable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, newJob("t1", "user-1")))

	_, err := s.Update(ctx, "t1", models.JobUpdate{Status: models.StatusPtr(models.JobStatusFailed)})
	require.NoError(t, err)

	got, err := s.Update(ctx, "t1", models.JobUpdate{Status: models.StatusPtr(models.JobStatusDeployed)})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Nil(t, got.DeployedAt)
}

func TestUpdate_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	_, err := s.Update(context.Background(), "missing", models.JobUpdate{
		AppendLogs: []models.LogEntry{{Message: "x"}},
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate_ConcurrentAppendsAcrossJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	ids := []string{"c1", "c2", "c3"}
	for _, id := range ids {
		require.NoError(t, s.Insert(ctx, newJob(id, "user-1")))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(id string, i int) {
				defer wg.Done()
				_, err := s.Update(ctx, id, models.JobUpdate{
					AppendLogs: []models.LogEntry{{Timestamp: time.Now().UTC(), Message: fmt.Sprintf("%s-%d", id, i)}},
				})
				assert.NoError(t, err)
			}(id, i)
		}
	}
	wg.Wait()

	for _, id := range ids {
		got, err := s.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Len(t, got.Logs, 11, "no append lost for %s", id)
		for _, entry := range got.Logs[1:] {
			assert.Contains(t, entry.Message, id+"-")
		}
	}
}

func TestDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, newJob("gone", "user-1")))

	deleted, err := s.Delete(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, "gone", deleted.ID)

	_, err = s.GetByID(ctx, "gone")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Delete(ctx, "gone")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	assert.NoError(t, s.Ping(context.Background()))
}
