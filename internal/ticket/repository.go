package ticket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fibratel/routerpilot/internal/store"
	"github.com/fibratel/routerpilot/pkg/models"
	"github.com/google/uuid"
)

// Sentinel errors returned by the repository.
var (
	ErrNotFound = errors.New("service request not found")

	// ErrStaleState means the row's state changed between read and write,
	// usually an operator action racing an in-flight task.
	ErrStaleState = errors.New("service request state changed concurrently")
)

// Filter narrows List queries.
type Filter struct {
	State      models.RequestState
	CustomerID string
	Limit      int
}

// Repository persists service requests. Requests are never physically
// deleted; SoftDelete keeps the row for audit.
type Repository interface {
	Create(ctx context.Context, r *models.ServiceRequest) error
	Get(ctx context.Context, id string) (*models.ServiceRequest, error)
	GetByTicket(ctx context.Context, ticketNumber string) (*models.ServiceRequest, error)
	List(ctx context.Context, f Filter) ([]models.ServiceRequest, error)

	// UpdateFrom persists r's transition fields, guarded on the row still
	// being in fromState. Returns ErrStaleState when the guard misses, so
	// a task finishing against a request an operator just cancelled
	// no-ops instead of overwriting the cancellation.
	UpdateFrom(ctx context.Context, r *models.ServiceRequest, fromState models.RequestState) error

	SoftDelete(ctx context.Context, id string) error
}

// Compile-time interface guard.
var _ Repository = (*SQLiteRepository)(nil)

// SQLiteRepository implements Repository on the shared SQLite store.
type SQLiteRepository struct {
	store *store.SQLiteStore
	now   func() time.Time
}

// NewSQLiteRepository creates a service request repository. now is the
// clock used for ticket numbering; pass time.Now in production.
func NewSQLiteRepository(s *store.SQLiteStore, now func() time.Time) *SQLiteRepository {
	if now == nil {
		now = time.Now
	}
	return &SQLiteRepository{store: s, now: now}
}

// Migrations owns the service_requests and ticket counter schema.
var Migrations = []store.Migration{
	{
		Version:     1,
		Description: "create service requests and ticket counters",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE service_requests (
					id               TEXT PRIMARY KEY,
					ticket_number    TEXT NOT NULL UNIQUE,
					type             TEXT NOT NULL,
					priority         TEXT NOT NULL,
					state            TEXT NOT NULL DEFAULT 'pending',
					description      TEXT NOT NULL DEFAULT '',
					customer_id      TEXT NOT NULL,
					contract_id      TEXT NOT NULL DEFAULT '',
					device_id        TEXT NOT NULL DEFAULT '',
					is_automated     INTEGER NOT NULL DEFAULT 0,
					assigned_to      TEXT NOT NULL DEFAULT '',
					assigned_at      DATETIME,
					started_at       DATETIME,
					completed_at     DATETIME,
					resolution_time  INTEGER,
					resolution_notes TEXT NOT NULL DEFAULT '',
					technical_notes  TEXT NOT NULL DEFAULT '',
					created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					deleted_at       DATETIME
				)`,
				`CREATE INDEX idx_requests_state ON service_requests(state)`,
				`CREATE INDEX idx_requests_customer ON service_requests(customer_id)`,
				// One row per calendar day; the UPSERT below is the
				// serializing counter that makes same-day ticket numbers
				// unique under concurrent creation.
				`CREATE TABLE ticket_counters (
					day     TEXT PRIMARY KEY,
					counter INTEGER NOT NULL
				)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// Create inserts the request, generating its ticket number from the
// per-day atomic counter inside the same transaction.
func (r *SQLiteRepository) Create(ctx context.Context, req *models.ServiceRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	now := r.now().UTC()
	req.CreatedAt, req.UpdatedAt = now, now
	if req.State == "" {
		req.State = models.StatePending
	}

	return r.store.Tx(ctx, func(tx *sql.Tx) error {
		day := now.Format("20060102")

		var seq int
		err := tx.QueryRowContext(ctx, `
			INSERT INTO ticket_counters (day, counter) VALUES (?, 1)
			ON CONFLICT(day) DO UPDATE SET counter = counter + 1
			RETURNING counter`, day,
		).Scan(&seq)
		if err != nil {
			return fmt.Errorf("next ticket number: %w", err)
		}
		req.TicketNumber = fmt.Sprintf("SR-%s-%04d", day, seq)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO service_requests (
				id, ticket_number, type, priority, state, description,
				customer_id, contract_id, device_id, is_automated,
				assigned_to, assigned_at, started_at, completed_at,
				resolution_time, resolution_notes, technical_notes,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.TicketNumber, string(req.Type), string(req.Priority), string(req.State),
			req.Description, req.CustomerID, req.ContractID, req.DeviceID, boolInt(req.IsAutomated),
			req.AssignedTo, req.AssignedAt, req.StartedAt, req.CompletedAt,
			req.ResolutionTime, req.ResolutionNotes, req.TechnicalNotes,
			req.CreatedAt, req.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("create service request: %w", err)
		}
		return nil
	})
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	return r.getBy(ctx, "id", id)
}

func (r *SQLiteRepository) GetByTicket(ctx context.Context, ticketNumber string) (*models.ServiceRequest, error) {
	return r.getBy(ctx, "ticket_number", ticketNumber)
}

func (r *SQLiteRepository) getBy(ctx context.Context, col, val string) (*models.ServiceRequest, error) {
	row := r.store.DB().QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM service_requests WHERE `+col+` = ? AND deleted_at IS NULL`, val)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get service request %q: %w", val, err)
	}
	return req, nil
}

func (r *SQLiteRepository) List(ctx context.Context, f Filter) ([]models.ServiceRequest, error) {
	where := "deleted_at IS NULL"
	var args []any
	if f.State != "" {
		where += " AND state = ?"
		args = append(args, string(f.State))
	}
	if f.CustomerID != "" {
		where += " AND customer_id = ?"
		args = append(args, f.CustomerID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	args = append(args, limit)

	rows, err := r.store.DB().QueryContext(ctx,
		`SELECT `+requestColumns+` FROM service_requests WHERE `+where+` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list service requests: %w", err)
	}
	defer rows.Close()

	out := []models.ServiceRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service request: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) UpdateFrom(ctx context.Context, req *models.ServiceRequest, fromState models.RequestState) error {
	req.UpdatedAt = r.now().UTC()
	res, err := r.store.DB().ExecContext(ctx, `
		UPDATE service_requests SET
			state = ?, assigned_to = ?, assigned_at = ?, started_at = ?,
			completed_at = ?, resolution_time = ?, resolution_notes = ?,
			technical_notes = ?, updated_at = ?
		WHERE id = ? AND state = ? AND deleted_at IS NULL`,
		string(req.State), req.AssignedTo, req.AssignedAt, req.StartedAt,
		req.CompletedAt, req.ResolutionTime, req.ResolutionNotes,
		req.TechnicalNotes, req.UpdatedAt,
		req.ID, string(fromState),
	)
	if err != nil {
		return fmt.Errorf("update service request %q: %w", req.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Get(ctx, req.ID); err != nil {
			return err
		}
		return ErrStaleState
	}
	return nil
}

func (r *SQLiteRepository) SoftDelete(ctx context.Context, id string) error {
	now := r.now().UTC()
	res, err := r.store.DB().ExecContext(ctx,
		`UPDATE service_requests SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("soft delete service request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const requestColumns = `id, ticket_number, type, priority, state, description,
	customer_id, contract_id, device_id, is_automated, assigned_to, assigned_at,
	started_at, completed_at, resolution_time, resolution_notes, technical_notes,
	created_at, updated_at, deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*models.ServiceRequest, error) {
	var req models.ServiceRequest
	var typ, prio, state string
	var automated int
	err := row.Scan(
		&req.ID, &req.TicketNumber, &typ, &prio, &state, &req.Description,
		&req.CustomerID, &req.ContractID, &req.DeviceID, &automated,
		&req.AssignedTo, &req.AssignedAt, &req.StartedAt, &req.CompletedAt,
		&req.ResolutionTime, &req.ResolutionNotes, &req.TechnicalNotes,
		&req.CreatedAt, &req.UpdatedAt, &req.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Type = models.RequestType(typ)
	req.Priority = models.RequestPriority(prio)
	req.State = models.RequestState(state)
	req.IsAutomated = automated != 0
	return &req, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
