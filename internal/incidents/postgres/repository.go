// Package postgres provides PostgreSQL implementation of the incident backend.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/incident-desk/internal/domain"
	"github.com/bissquit/incident-desk/internal/incidents"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

var tables = map[domain.State]string{
	domain.StatePending:  "incidencias_pendientes",
	domain.StateResolved: "incidencias_resueltas",
	domain.StateDeleted:  "incidencias_eliminadas",
}

const columns = `id, state, workstation, description, reported_at, resolved_at, resolution, deleted_at, deletion_cause`

// querier is an interface for database operations that both *pgxpool.Pool and pgx.Tx implement.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements the incidents.Backend interface using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Name implements incidents.Backend.
func (r *Repository) Name() string { return "postgres" }

// Close releases the pool.
func (r *Repository) Close() error {
	r.db.Close()
	return nil
}

// Get retrieves an incident from partition by id.
func (r *Repository) Get(ctx context.Context, partition domain.State, id string) (*domain.Incident, error) {
	table, err := tableFor(partition)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + columns + ` FROM ` + table + ` WHERE id = $1`
	inc, err := scanIncident(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrNotFound
		}
		return nil, incidents.BackendError("get incident", err)
	}
	return inc, nil
}

// List retrieves all incidents in partition in insertion order.
func (r *Repository) List(ctx context.Context, partition domain.State) ([]domain.Incident, error) {
	table, err := tableFor(partition)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + columns + ` FROM ` + table + ` ORDER BY seq`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, incidents.BackendError("list incidents", err)
	}
	defer rows.Close()

	items := make([]domain.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, incidents.BackendError("scan incident", err)
		}
		items = append(items, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, incidents.BackendError("iterate incidents", err)
	}
	return items, nil
}

// Insert adds an incident to partition. The id is checked against every
// partition inside the transaction.
func (r *Repository) Insert(ctx context.Context, partition domain.State, inc *domain.Incident) error {
	table, err := tableFor(partition)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return incidents.BackendError("begin transaction", err)
	}
	defer rollback(ctx, tx)

	if err := lockID(ctx, tx, inc.ID); err != nil {
		return err
	}
	if err := ensureAbsent(ctx, tx, inc.ID); err != nil {
		return err
	}
	if err := insertInto(ctx, tx, table, inc); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return incidents.BackendError("commit transaction", err)
	}
	return nil
}

// Update replaces the stored fields of the incident with the same id in partition.
func (r *Repository) Update(ctx context.Context, partition domain.State, inc *domain.Incident) error {
	table, err := tableFor(partition)
	if err != nil {
		return err
	}

	query := `
		UPDATE ` + table + `
		SET workstation = $2, description = $3, reported_at = $4,
		    resolved_at = $5, resolution = $6, deleted_at = $7, deletion_cause = $8
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query,
		inc.ID,
		inc.Workstation,
		inc.Description,
		inc.ReportedAt,
		inc.ResolvedAt,
		nullable(inc.Resolution),
		inc.DeletedAt,
		nullable(inc.DeletionCause),
	)
	if err != nil {
		return incidents.BackendError("update incident", err)
	}

	if result.RowsAffected() == 0 {
		return incidents.ErrNotFound
	}
	return nil
}

// Move deletes the incident from `from` and inserts inc into `to` in one transaction.
func (r *Repository) Move(ctx context.Context, from, to domain.State, inc *domain.Incident) error {
	fromTable, err := tableFor(from)
	if err != nil {
		return err
	}
	toTable, err := tableFor(to)
	if err != nil {
		return err
	}
	if from == to {
		return fmt.Errorf("move incident %s: source and destination are both %s", inc.ID, from)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return incidents.BackendError("begin transaction", err)
	}
	defer rollback(ctx, tx)

	if err := lockID(ctx, tx, inc.ID); err != nil {
		return err
	}

	result, err := tx.Exec(ctx, `DELETE FROM `+fromTable+` WHERE id = $1`, inc.ID)
	if err != nil {
		return incidents.BackendError("delete from source partition", err)
	}
	if result.RowsAffected() == 0 {
		return incidents.ErrNotFound
	}

	if err := insertInto(ctx, tx, toTable, inc); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return incidents.BackendError("commit transaction", err)
	}
	return nil
}

// lockID serialises writers touching the same id across processes for the
// rest of the transaction.
func lockID(ctx context.Context, q querier, id string) error {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id); err != nil {
		return incidents.BackendError("lock incident id", err)
	}
	return nil
}

func ensureAbsent(ctx context.Context, q querier, id string) error {
	query := `
		SELECT EXISTS (SELECT 1 FROM incidencias_pendientes WHERE id = $1)
		    OR EXISTS (SELECT 1 FROM incidencias_resueltas WHERE id = $1)
		    OR EXISTS (SELECT 1 FROM incidencias_eliminadas WHERE id = $1)
	`
	var exists bool
	if err := q.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return incidents.BackendError("check incident id", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", incidents.ErrDuplicateID, id)
	}
	return nil
}

func insertInto(ctx context.Context, q querier, table string, inc *domain.Incident) error {
	query := `INSERT INTO ` + table + ` (` + columns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := q.Exec(ctx, query,
		inc.ID,
		string(inc.State),
		inc.Workstation,
		inc.Description,
		inc.ReportedAt,
		inc.ResolvedAt,
		nullable(inc.Resolution),
		inc.DeletedAt,
		nullable(inc.DeletionCause),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", incidents.ErrDuplicateID, inc.ID)
		}
		return incidents.BackendError("insert incident", err)
	}
	return nil
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var (
		inc           domain.Incident
		state         string
		resolvedAt    *time.Time
		resolution    *string
		deletedAt     *time.Time
		deletionCause *string
	)
	err := row.Scan(
		&inc.ID,
		&state,
		&inc.Workstation,
		&inc.Description,
		&inc.ReportedAt,
		&resolvedAt,
		&resolution,
		&deletedAt,
		&deletionCause,
	)
	if err != nil {
		return nil, err
	}

	inc.State = domain.State(state)
	inc.ResolvedAt = resolvedAt
	inc.DeletedAt = deletedAt
	if resolution != nil {
		inc.Resolution = *resolution
	}
	if deletionCause != nil {
		inc.DeletionCause = *deletionCause
	}
	return &inc, nil
}

func rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.Error("failed to rollback transaction", "error", err)
	}
}

func tableFor(partition domain.State) (string, error) {
	table, ok := tables[partition]
	if !ok {
		return "", fmt.Errorf("unknown partition %q", partition)
	}
	return table, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
