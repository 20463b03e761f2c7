// Package sqlite provides an embedded SQLite implementation of the incident
// backend, using the same three-table layout as PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/incident-desk/internal/domain"
	"github.com/bissquit/incident-desk/internal/incidents"
	"github.com/bissquit/incident-desk/migrations"
	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var tables = map[domain.State]string{
	domain.StatePending:  "incidencias_pendientes",
	domain.StateResolved: "incidencias_resueltas",
	domain.StateDeleted:  "incidencias_eliminadas",
}

const columns = `id, state, workstation, description, reported_at, resolved_at, resolution, deleted_at, deletion_cause`

// querier is implemented by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository implements the incidents.Backend interface using SQLite.
type Repository struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies migrations.
//
// SQLite allows one writer at a time, so the pool is limited to a single
// connection.
func Open(ctx context.Context, path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := migrations.UpSQLite(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Repository{db: db}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// DB returns the underlying database handle.
func (r *Repository) DB() *sql.DB {
	return r.db
}

// Name implements incidents.Backend.
func (r *Repository) Name() string { return "sqlite" }

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Get retrieves an incident from partition by id.
func (r *Repository) Get(ctx context.Context, partition domain.State, id string) (*domain.Incident, error) {
	table, err := tableFor(partition)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + columns + ` FROM ` + table + ` WHERE id = ?`
	inc, err := scanIncident(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM `+table+` ORDER BY rowid`)
	if err != nil {
		return nil, incidents.BackendError("list incidents", err)
	}
	defer func() { _ = rows.Close() }()

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

// Insert adds an incident to partition after checking every partition for the id.
func (r *Repository) Insert(ctx context.Context, partition domain.State, inc *domain.Incident) error {
	table, err := tableFor(partition)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return incidents.BackendError("begin transaction", err)
	}
	defer rollback(tx)

	if err := ensureAbsent(ctx, tx, inc.ID); err != nil {
		return err
	}
	if err := insertInto(ctx, tx, table, inc); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
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
		SET workstation = ?, description = ?, reported_at = ?,
		    resolved_at = ?, resolution = ?, deleted_at = ?, deletion_cause = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		inc.Workstation,
		inc.Description,
		formatTime(inc.ReportedAt),
		formatTimePtr(inc.ResolvedAt),
		nullable(inc.Resolution),
		formatTimePtr(inc.DeletedAt),
		nullable(inc.DeletionCause),
		inc.ID,
	)
	if err != nil {
		return incidents.BackendError("update incident", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return incidents.BackendError("update incident", err)
	}
	if n == 0 {
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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return incidents.BackendError("begin transaction", err)
	}
	defer rollback(tx)

	result, err := tx.ExecContext(ctx, `DELETE FROM `+fromTable+` WHERE id = ?`, inc.ID)
	if err != nil {
		return incidents.BackendError("delete from source partition", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return incidents.BackendError("delete from source partition", err)
	}
	if n == 0 {
		return incidents.ErrNotFound
	}

	if err := insertInto(ctx, tx, toTable, inc); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return incidents.BackendError("commit transaction", err)
	}
	return nil
}

func ensureAbsent(ctx context.Context, q querier, id string) error {
	query := `
		SELECT EXISTS (SELECT 1 FROM incidencias_pendientes WHERE id = ?)
		    OR EXISTS (SELECT 1 FROM incidencias_resueltas WHERE id = ?)
		    OR EXISTS (SELECT 1 FROM incidencias_eliminadas WHERE id = ?)
	`
	var exists bool
	if err := q.QueryRowContext(ctx, query, id, id, id).Scan(&exists); err != nil {
		return incidents.BackendError("check incident id", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", incidents.ErrDuplicateID, id)
	}
	return nil
}

func insertInto(ctx context.Context, q querier, table string, inc *domain.Incident) error {
	query := `INSERT INTO ` + table + ` (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		inc.ID,
		string(inc.State),
		inc.Workstation,
		inc.Description,
		formatTime(inc.ReportedAt),
		formatTimePtr(inc.ResolvedAt),
		nullable(inc.Resolution),
		formatTimePtr(inc.DeletedAt),
		nullable(inc.DeletionCause),
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return fmt.Errorf("%w: %s", incidents.ErrDuplicateID, inc.ID)
		}
		return incidents.BackendError("insert incident", err)
	}
	return nil
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr *sqlitedriver.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(row scanner) (*domain.Incident, error) {
	var (
		inc           domain.Incident
		state         string
		reportedAt    string
		resolvedAt    sql.NullString
		resolution    sql.NullString
		deletedAt     sql.NullString
		deletionCause sql.NullString
	)
	err := row.Scan(
		&inc.ID,
		&state,
		&inc.Workstation,
		&inc.Description,
		&reportedAt,
		&resolvedAt,
		&resolution,
		&deletedAt,
		&deletionCause,
	)
	if err != nil {
		return nil, err
	}

	inc.State = domain.State(state)
	if inc.ReportedAt, err = parseTime(reportedAt); err != nil {
		return nil, fmt.Errorf("parse reported_at: %w", err)
	}
	if inc.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, fmt.Errorf("parse resolved_at: %w", err)
	}
	if inc.DeletedAt, err = parseTimePtr(deletedAt); err != nil {
		return nil, fmt.Errorf("parse deleted_at: %w", err)
	}
	inc.Resolution = resolution.String
	inc.DeletionCause = deletionCause.String
	return &inc, nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
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

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
