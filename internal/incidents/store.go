package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/incident-desk/internal/domain"
	"github.com/bissquit/incident-desk/internal/pkg/ctxlog"
	"github.com/bissquit/incident-desk/internal/pkg/metrics"
)

// StoreConfig holds store settings.
type StoreConfig struct {
	// IDScope selects the partitions the same-day id counter scans.
	// Empty means IDScopePending.
	IDScope IDScope
}

// Store keeps incidents in three partitions, one per state, on top of a
// Backend. All operations are serialised; every returned incident is a copy.
type Store struct {
	mu      sync.Mutex
	backend Backend
	idScope IDScope
}

// NewStore creates a store over backend.
func NewStore(backend Backend, cfg StoreConfig) *Store {
	scope := cfg.IDScope
	if scope == "" {
		scope = IDScopePending
	}
	return &Store{
		backend: backend,
		idScope: scope,
	}
}

// Backend returns the underlying backend name.
func (s *Store) Backend() string {
	return s.backend.Name()
}

// Find returns the incident with id, looking in Pending, Resolved and
// Deleted in that order.
func (s *Store) Find(ctx context.Context, id string) (_ *domain.Incident, err error) {
	defer s.observe("find", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	inc, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return clonePtr(inc), nil
}

// Insert adds a new pending incident.
func (s *Store) Insert(ctx context.Context, incident domain.Incident) (err error) {
	defer s.observe("insert", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insert(ctx, &incident)
}

// Register generates an id for an incident reported at reportedAt and
// inserts it into Pending. Generation and insert happen under one lock, so
// concurrent registrations never observe the same counter.
func (s *Store) Register(ctx context.Context, reportedAt time.Time, workstation int, description string) (_ *domain.Incident, err error) {
	defer s.observe("register", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.idCandidates(ctx)
	if err != nil {
		return nil, err
	}

	inc := &domain.Incident{
		ID:          GenerateID(reportedAt, existing),
		State:       domain.StatePending,
		Workstation: workstation,
		Description: description,
		ReportedAt:  reportedAt,
	}
	if err := s.insert(ctx, inc); err != nil {
		return nil, err
	}
	return clonePtr(inc), nil
}

// MoveToResolved moves a pending incident to Resolved with the given
// resolution date and text.
func (s *Store) MoveToResolved(ctx context.Context, id string, resolvedAt time.Time, resolution string) (_ *domain.Incident, err error) {
	defer s.observe("move_to_resolved", time.Now(), &err)

	return s.transition(ctx, ActionResolve, id, func(inc *domain.Incident) {
		inc.ResolvedAt = &resolvedAt
		inc.Resolution = resolution
	})
}

// MoveToDeleted moves a pending incident to Deleted with the given deletion
// date and cause. Resolved incidents cannot be deleted.
func (s *Store) MoveToDeleted(ctx context.Context, id string, deletedAt time.Time, cause string) (_ *domain.Incident, err error) {
	defer s.observe("move_to_deleted", time.Now(), &err)

	return s.transition(ctx, ActionDelete, id, func(inc *domain.Incident) {
		inc.DeletedAt = &deletedAt
		inc.DeletionCause = cause
	})
}

// RevertToPending moves a resolved incident back to Pending and clears its
// resolution.
func (s *Store) RevertToPending(ctx context.Context, id string) (_ *domain.Incident, err error) {
	defer s.observe("revert_to_pending", time.Now(), &err)

	return s.transition(ctx, ActionRevert, id, func(inc *domain.Incident) {
		inc.ResolvedAt = nil
		inc.Resolution = ""
	})
}

// UpdatePendingDescription replaces the description of a pending incident.
func (s *Store) UpdatePendingDescription(ctx context.Context, id, description string) (_ *domain.Incident, err error) {
	defer s.observe("update_pending_description", time.Now(), &err)

	return s.transition(ctx, ActionModifyDescription, id, func(inc *domain.Incident) {
		inc.Description = description
	})
}

// UpdateResolvedResolution replaces the resolution text of a resolved incident.
func (s *Store) UpdateResolvedResolution(ctx context.Context, id, resolution string) (_ *domain.Incident, err error) {
	defer s.observe("update_resolved_resolution", time.Now(), &err)

	return s.transition(ctx, ActionModifyResolution, id, func(inc *domain.Incident) {
		inc.Resolution = resolution
	})
}

// List returns a copy of partition in insertion order. The result is never nil.
func (s *Store) List(ctx context.Context, partition domain.State) (_ []domain.Incident, err error) {
	defer s.observe("list", time.Now(), &err)

	if !partition.IsValid() {
		return nil, fmt.Errorf("unknown partition %q", partition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.backend.List(ctx, partition)
	if err != nil {
		return nil, err
	}
	metrics.RecordPartitionSize(string(partition), len(items))

	out := make([]domain.Incident, 0, len(items))
	for i := range items {
		out = append(out, items[i].Clone())
	}
	return out, nil
}

// Count returns the number of incidents across all partitions.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, p := range domain.States {
		items, err := s.backend.List(ctx, p)
		if err != nil {
			return 0, err
		}
		metrics.RecordPartitionSize(string(p), len(items))
		total += len(items)
	}
	return total, nil
}

// transition applies action to the incident with id. The lifecycle table
// decides the target partition; mutate edits a copy that replaces the
// stored incident only when the backend write succeeds.
func (s *Store) transition(ctx context.Context, action Action, id string, mutate func(*domain.Incident)) (*domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	to, err := NextState(action, current.State)
	if err != nil {
		return nil, fmt.Errorf("incident %s: %w", id, err)
	}

	next := current.Clone()
	mutate(&next)
	next.State = to
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIncident, err)
	}

	logger := ctxlog.FromContext(ctx)
	if to == current.State {
		err = s.backend.Update(ctx, to, &next)
	} else {
		err = s.backend.Move(ctx, current.State, to, &next)
	}
	if err != nil {
		if errors.Is(err, ErrBackendFailure) {
			logger.Error("incident write failed",
				"incident_id", id,
				"action", string(action),
				"backend", s.backend.Name(),
				"error", err,
			)
		}
		return nil, err
	}

	logger.Debug("incident updated",
		"incident_id", id,
		"action", string(action),
		"from", string(current.State),
		"to", string(to),
	)
	return clonePtr(&next), nil
}

func (s *Store) find(ctx context.Context, id string) (*domain.Incident, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	for _, p := range domain.States {
		inc, err := s.backend.Get(ctx, p, id)
		if err == nil {
			return inc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *Store) insert(ctx context.Context, inc *domain.Incident) error {
	if err := inc.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidIncident, err)
	}
	if inc.State != domain.StatePending {
		return fmt.Errorf("%w: new incident %s must be pending, got %s", ErrInvalidIncident, inc.ID, inc.State)
	}

	_, err := s.find(ctx, inc.ID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateID, inc.ID)
	case !errors.Is(err, ErrNotFound):
		return err
	}

	if err := s.backend.Insert(ctx, domain.StatePending, inc); err != nil {
		if errors.Is(err, ErrBackendFailure) {
			ctxlog.FromContext(ctx).Error("incident insert failed",
				"incident_id", inc.ID,
				"backend", s.backend.Name(),
				"error", err,
			)
		}
		return err
	}

	ctxlog.FromContext(ctx).Debug("incident inserted", "incident_id", inc.ID)
	return nil
}

func (s *Store) idCandidates(ctx context.Context) ([]domain.Incident, error) {
	partitions := []domain.State{domain.StatePending}
	if s.idScope == IDScopeAll {
		partitions = domain.States
	}

	var out []domain.Incident
	for _, p := range partitions {
		items, err := s.backend.List(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

func (s *Store) observe(operation string, start time.Time, errp *error) {
	metrics.RecordStoreOperation(s.backend.Name(), operation, resultLabel(*errp), time.Since(start))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrDuplicateID):
		return "duplicate_id"
	case errors.Is(err, ErrInvalidIncident):
		return "invalid_incident"
	case errors.Is(err, ErrBackendFailure):
		return "backend_failure"
	default:
		return "error"
	}
}

func clonePtr(inc *domain.Incident) *domain.Incident {
	c := inc.Clone()
	return &c
}
