package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateEvent is returned when an insert loses the race on the
// (device_id, client_event_id) uniqueness constraint. Callers fall back to
// the idempotent resume path.
var ErrDuplicateEvent = errors.New("client event already ingested")

// ErrOwnerBusy is returned when another worker holds the advisory lock for
// an owner's event stream.
var ErrOwnerBusy = errors.New("owner stream locked by another worker")

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}
