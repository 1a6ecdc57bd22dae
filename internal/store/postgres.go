package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/launchpad/pkg/models"
)

const jobColumns = `id, name, description, owner_id, repo_url, status, deploy_url, logs, created_at, updated_at, deployed_at`

// PostgresStore implements the Registry interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Insert(ctx context.Context, job *models.Job) error {
	logs, err := encodeLogs(job.Logs)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO projects (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Name, job.Description, job.OwnerID, job.RepoURL, job.Status, job.DeployURL,
		logs, job.CreatedAt, job.UpdatedAt, job.DeployedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return j, nil
}

// ListByOwner returns one page of an owner's jobs, newest first, and the
// owner's total job count.
func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*models.Job, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM projects WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count projects: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM projects WHERE owner_id = $1
		 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan project: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list projects: %w", err)
	}
	return jobs, total, nil
}

// Update locks the row, merges the update through Job.Apply and writes it back
// in one transaction. Disallowed status changes are dropped, log appends are not.
func (s *PostgresStore) Update(ctx context.Context, id string, update models.JobUpdate) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	j, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM projects WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock project: %w", err)
	}

	j.Apply(update, s.now())

	logs, err := encodeLogs(j.Logs)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE projects SET status = $2, deploy_url = $3, logs = $4, updated_at = $5, deployed_at = $6
		 WHERE id = $1`,
		id, j.Status, j.DeployURL, logs, j.UpdatedAt, j.DeployedAt)
	if err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`DELETE FROM projects WHERE id = $1 RETURNING `+jobColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete project: %w", err)
	}
	return j, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var logs []byte
	if err := row.Scan(&j.ID, &j.Name, &j.Description, &j.OwnerID, &j.RepoURL, &j.Status,
		&j.DeployURL, &logs, &j.CreatedAt, &j.UpdatedAt, &j.DeployedAt); err != nil {
		return nil, err
	}
	j.Logs = []models.LogEntry{}
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &j.Logs); err != nil {
			return nil, fmt.Errorf("decode logs for %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

func encodeLogs(logs []models.LogEntry) ([]byte, error) {
	if logs == nil {
		logs = []models.LogEntry{}
	}
	b, err := json.Marshal(logs)
	if err != nil {
		return nil, fmt.Errorf("encode logs: %w", err)
	}
	return b, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
