// Package bindings persists the device-to-customer PPPoE associations.
package bindings

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

// ErrNotFound means no live binding exists for the device+customer pair.
// Callers treat this as data drift, not a retryable condition.
var ErrNotFound = errors.New("client binding not found")

// Repository provides access to client bindings. Deletion is soft: removed
// bindings keep their row for audit.
type Repository interface {
	Get(ctx context.Context, id string) (*models.ClientBinding, error)

	// Find looks a binding up by its composite key. Soft-deleted bindings
	// are invisible.
	Find(ctx context.Context, deviceID, customerID string) (*models.ClientBinding, error)

	ListByDevice(ctx context.Context, deviceID string) ([]models.ClientBinding, error)
	ListByCustomer(ctx context.Context, customerID string) ([]models.ClientBinding, error)
	Create(ctx context.Context, b *models.ClientBinding) error
	UpdateStatus(ctx context.Context, id string, status models.BindingStatus) error
	UpdateLimits(ctx context.Context, id string, downloadMbps, uploadMbps int) error
	SoftDelete(ctx context.Context, id string) error
}

// Compile-time interface guard.
var _ Repository = (*SQLiteRepository)(nil)

// SQLiteRepository implements Repository on the shared SQLite store.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Migrations owns the client_bindings schema.
var Migrations = []store.Migration{
	{
		Version:     1,
		Description: "create client bindings table",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE client_bindings (
					id             TEXT PRIMARY KEY,
					device_id      TEXT NOT NULL REFERENCES devices(id),
					customer_id    TEXT NOT NULL,
					contract_id    TEXT NOT NULL DEFAULT '',
					pppoe_username TEXT NOT NULL,
					assigned_ip    TEXT NOT NULL DEFAULT '',
					download_mbps  INTEGER NOT NULL DEFAULT 0,
					upload_mbps    INTEGER NOT NULL DEFAULT 0,
					status         TEXT NOT NULL DEFAULT 'active',
					created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					deleted_at     DATETIME
				)`,
				`CREATE INDEX idx_bindings_device ON client_bindings(device_id)`,
				`CREATE INDEX idx_bindings_customer ON client_bindings(customer_id)`,
				`CREATE UNIQUE INDEX ux_bindings_pair ON client_bindings(device_id, customer_id)
					WHERE deleted_at IS NULL`,
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

const bindingColumns = `id, device_id, customer_id, contract_id, pppoe_username,
	assigned_ip, download_mbps, upload_mbps, status, created_at, updated_at, deleted_at`

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.ClientBinding, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM client_bindings WHERE id = ? AND deleted_at IS NULL`, id)
	b, err := scanBinding(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get binding %q: %w", id, err)
	}
	return b, nil
}

func (r *SQLiteRepository) Find(ctx context.Context, deviceID, customerID string) (*models.ClientBinding, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM client_bindings
		 WHERE device_id = ? AND customer_id = ? AND deleted_at IS NULL`,
		deviceID, customerID)
	b, err := scanBinding(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find binding %s/%s: %w", deviceID, customerID, err)
	}
	return b, nil
}

func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceID string) ([]models.ClientBinding, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bindingColumns+` FROM client_bindings
		 WHERE device_id = ? AND deleted_at IS NULL ORDER BY created_at`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	out := []models.ClientBinding{}
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ListByCustomer(ctx context.Context, customerID string) ([]models.ClientBinding, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bindingColumns+` FROM client_bindings
		 WHERE customer_id = ? AND deleted_at IS NULL ORDER BY created_at`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	out := []models.ClientBinding{}
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Create(ctx context.Context, b *models.ClientBinding) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	if b.Status == "" {
		b.Status = models.BindingStatusActive
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO client_bindings (
			id, device_id, customer_id, contract_id, pppoe_username,
			assigned_ip, download_mbps, upload_mbps, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.DeviceID, b.CustomerID, b.ContractID, b.PPPoEUsername,
		b.AssignedIP, b.DownloadMbps, b.UploadMbps, string(b.Status), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create binding: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status models.BindingStatus) error {
	return r.exec(ctx, `UPDATE client_bindings SET status = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		string(status), time.Now().UTC(), id)
}

func (r *SQLiteRepository) UpdateLimits(ctx context.Context, id string, downloadMbps, uploadMbps int) error {
	return r.exec(ctx, `UPDATE client_bindings SET download_mbps = ?, upload_mbps = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		downloadMbps, uploadMbps, time.Now().UTC(), id)
}

func (r *SQLiteRepository) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.exec(ctx, `UPDATE client_bindings SET deleted_at = ?, status = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, string(models.BindingStatusDisconnected), now, id)
}

func (r *SQLiteRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update binding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBinding(row scanner) (*models.ClientBinding, error) {
	var b models.ClientBinding
	var status string
	err := row.Scan(
		&b.ID, &b.DeviceID, &b.CustomerID, &b.ContractID, &b.PPPoEUsername,
		&b.AssignedIP, &b.DownloadMbps, &b.UploadMbps, &status,
		&b.CreatedAt, &b.UpdatedAt, &b.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = models.BindingStatus(status)
	return &b, nil
}
