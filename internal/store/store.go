package store

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/launchpad/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Registry is the durable record of jobs. All job persistence goes through here.
//
// Update applies a partial change under a row lock, so concurrent log appends
// to different jobs never interfere and a terminal status is never left.
type Registry interface {
	Ping(ctx context.Context) error

	Insert(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*models.Job, int, error)
	Update(ctx context.Context, id string, update models.JobUpdate) (*models.Job, error)
	Delete(ctx context.Context, id string) (*models.Job, error)
}
