package incidents

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/incident-desk/internal/domain"
	"github.com/bissquit/incident-desk/internal/pkg/ctxlog"
)

// ServiceConfig holds service settings.
type ServiceConfig struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Location is the timezone incidents are reported in. Defaults to time.Local.
	Location *time.Location
}

// Service implements the caller-level incident actions. Each action is
// checked against Transitions inside the store's critical section.
type Service struct {
	store    *Store
	now      func() time.Time
	location *time.Location
}

// NewService creates a new incident service.
func NewService(store *Store, cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		store:    store,
		now:      now,
		location: loc,
	}
}

// RegisterInput holds data for registering an incident.
type RegisterInput struct {
	Workstation int
	Description string
}

// Register records a new pending incident reported now.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*domain.Incident, error) {
	ctx, logger := ctxlog.WithOperation(ctx, "register")

	// Whole seconds, so every backend stores the same instant.
	reportedAt := s.now().In(s.location).Truncate(time.Second)
	inc, err := s.store.Register(ctx, reportedAt, input.Workstation, strings.TrimSpace(input.Description))
	if err != nil {
		logResult(logger, "register incident", "", err)
		return nil, err
	}

	logger.Info("incident registered", "incident_id", inc.ID, "workstation", inc.Workstation)
	return inc, nil
}

// Resolve moves a pending incident to Resolved.
func (s *Service) Resolve(ctx context.Context, id string, resolvedAt time.Time, resolution string) (*domain.Incident, error) {
	ctx, logger := ctxlog.WithOperation(ctx, "resolve")

	inc, err := s.store.MoveToResolved(ctx, id, resolvedAt, strings.TrimSpace(resolution))
	if err != nil {
		logResult(logger, "resolve incident", id, err)
		return nil, err
	}

	logger.Info("incident resolved", "incident_id", id)
	return inc, nil
}

// Delete moves a pending incident to Deleted.
func (s *Service) Delete(ctx context.Context, id string, deletedAt time.Time, cause string) (*domain.Incident, error) {
	ctx, logger := ctxlog.WithOperation(ctx, "delete")

	inc, err := s.store.MoveToDeleted(ctx, id, deletedAt, strings.TrimSpace(cause))
	if err != nil {
		logResult(logger, "delete incident", id, err)
		return nil, err
	}

	logger.Info("incident deleted", "incident_id", id)
	return inc, nil
}

// Revert moves a resolved incident back to Pending.
func (s *Service) Revert(ctx context.Context, id string) (*domain.Incident, error) {
	ctx, logger := ctxlog.WithOperation(ctx, "revert")

	inc, err := s.store.RevertToPending(ctx, id)
	if err != nil {
		logResult(logger, "revert incident", id, err)
		return nil, err
	}

	logger.Info("incident reverted", "incident_id", id)
	return inc, nil
}

// ModifyDescription replaces the description of a pending incident.
func (s *Service) ModifyDescription(ctx context.Context, id, description string) (*domain.Incident, error) {
	ctx, logger := ctxlog.WithOperation(ctx, "modify_description")

	inc, err := s.store.UpdatePendingDescription(ctx, id, strings.TrimSpace(description))
	if err != nil {
		logResult(logger, "modify description", id, err)
		return nil, err
	}

	logger.Info("incident description modified", "incident_id", id)
	return inc, nil
}

// ModifyResolution replaces the resolution text of a resolved incident.
func (s *Service) ModifyResolution(ctx context.Context, id, resolution string) (*domain.Incident, error) {
	ctx, logger := ctxlog.WithOperation(ctx, "modify_resolution")

	inc, err := s.store.UpdateResolvedResolution(ctx, id, strings.TrimSpace(resolution))
	if err != nil {
		logResult(logger, "modify resolution", id, err)
		return nil, err
	}

	logger.Info("incident resolution modified", "incident_id", id)
	return inc, nil
}

// Find returns the incident with id from whichever partition holds it.
func (s *Service) Find(ctx context.Context, id string) (*domain.Incident, error) {
	return s.store.Find(ctx, strings.TrimSpace(id))
}

// List returns the incidents in partition.
func (s *Service) List(ctx context.Context, partition domain.State) ([]domain.Incident, error) {
	return s.store.List(ctx, partition)
}

// ListPending returns the pending incidents.
func (s *Service) ListPending(ctx context.Context) ([]domain.Incident, error) {
	return s.store.List(ctx, domain.StatePending)
}

// ListResolved returns the resolved incidents.
func (s *Service) ListResolved(ctx context.Context) ([]domain.Incident, error) {
	return s.store.List(ctx, domain.StateResolved)
}

// ListDeleted returns the deleted incidents.
func (s *Service) ListDeleted(ctx context.Context) ([]domain.Incident, error) {
	return s.store.List(ctx, domain.StateDeleted)
}

// Count returns the number of incidents across all partitions.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

// Location returns the timezone the service reports incidents in.
func (s *Service) Location() *time.Location {
	return s.location
}

// logResult logs expected outcomes at info and backend failures at error.
func logResult(logger *slog.Logger, action, id string, err error) {
	if errors.Is(err, ErrBackendFailure) {
		logger.Error(action+" failed", "incident_id", id, "error", err)
		return
	}
	logger.Info(action+" rejected", "incident_id", id, "reason", err.Error())
}
