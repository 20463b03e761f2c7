package incidents

import (
	"context"

	"github.com/bissquit/incident-desk/internal/domain"
)

// Backend persists the three partitions. The partition argument is the state
// whose partition is addressed. Implementations return ErrNotFound,
// ErrDuplicateID, or an error wrapping ErrBackendFailure.
type Backend interface {
	// Get returns the incident with id from partition.
	Get(ctx context.Context, partition domain.State, id string) (*domain.Incident, error)
	// List returns a snapshot of partition in insertion order.
	List(ctx context.Context, partition domain.State) ([]domain.Incident, error)
	// Insert adds incident to partition. The id must be absent from every partition.
	Insert(ctx context.Context, partition domain.State, incident *domain.Incident) error
	// Update replaces the incident with the same id inside partition.
	Update(ctx context.Context, partition domain.State, incident *domain.Incident) error
	// Move removes incident.ID from `from` and stores incident in `to` as one
	// atomic step. On error neither partition has changed.
	Move(ctx context.Context, from, to domain.State, incident *domain.Incident) error
	// Name identifies the backend in logs and metrics.
	Name() string
	Close() error
}
