// Package devices is the device registry: the single source of truth for
// device identity, credentials, and capacity, and the mapping from a
// device's brand to its vendor adapter.
package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fibratel/routerpilot/pkg/models"
	"github.com/google/uuid"
)

// Sentinel errors returned by the repository.
var (
	ErrNotFound     = errors.New("device not found")
	ErrAtCapacity   = errors.New("device at client capacity")
	ErrNoneAssigned = errors.New("no clients to release")
)

// Filter controls which devices List returns. Status and Statuses are
// alternatives; Statuses matches any of the listed values.
type Filter struct {
	Status       models.DeviceStatus
	Statuses     []models.DeviceStatus
	Brand        models.Brand
	Zone         string
	ParentNodeID string
}

// Repository provides access to devices and their metrics history.
type Repository interface {
	Get(ctx context.Context, id string) (*models.Device, error)
	GetByCode(ctx context.Context, code string) (*models.Device, error)
	List(ctx context.Context, filter Filter) ([]models.Device, error)
	Create(ctx context.Context, d *models.Device) error
	Update(ctx context.Context, d *models.Device) error

	// UpdateStatus changes only the operational status.
	UpdateStatus(ctx context.Context, id string, status models.DeviceStatus) error

	// SetLastReboot stamps last_reboot and moves the device back to active.
	SetLastReboot(ctx context.Context, id string, at time.Time) error

	// RecordMetrics overwrites the live metric fields, updates
	// last_health_check, and appends one metrics-history row. History is
	// append-only and never mutated.
	RecordMetrics(ctx context.Context, id string, m models.DeviceMetrics, connectedClients int, at time.Time) error

	SnapshotsSince(ctx context.Context, id string, since time.Time) ([]models.MetricsSnapshot, error)

	// IncrementConnected and DecrementConnected adjust the connected client
	// counter atomically: the guard lives in the UPDATE itself, so
	// concurrent assign/remove calls cannot lose updates or cross bounds.
	IncrementConnected(ctx context.Context, id string) error
	DecrementConnected(ctx context.Context, id string) error
}

// Compile-time interface guard.
var _ Repository = (*SQLiteRepository)(nil)

// SQLiteRepository implements Repository on the shared SQLite store.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a device repository. The devices tables must
// already exist (created by this package's Migrations).
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, code, brand, model, serial, ip, mac, zone, parent_node_id, endpoint, credentials,
	max_clients, connected_clients, cpu_usage, memory_usage, signal_quality,
	uptime_seconds, bandwidth_usage, status, last_reboot, last_health_check,
	created_at, updated_at`

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", id, err)
	}
	return d, nil
}

func (r *SQLiteRepository) GetByCode(ctx context.Context, code string) (*models.Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE code = ?`, code)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device by code %q: %w", code, err)
	}
	return d, nil
}

func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]models.Device, error) {
	where := "1=1"
	var args []any
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if len(filter.Statuses) > 0 {
		where += " AND status IN (?" + strings.Repeat(",?", len(filter.Statuses)-1) + ")"
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Brand != "" {
		where += " AND brand = ?"
		args = append(args, string(filter.Brand))
	}
	if filter.Zone != "" {
		where += " AND zone = ?"
		args = append(args, filter.Zone)
	}
	if filter.ParentNodeID != "" {
		where += " AND parent_node_id = ?"
		args = append(args, filter.ParentNodeID)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE `+where+` ORDER BY code`, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, d *models.Device) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = models.DeviceStatusInactive
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (
			id, code, brand, model, serial, ip, mac, zone, parent_node_id, endpoint, credentials,
			max_clients, connected_clients, cpu_usage, memory_usage,
			signal_quality, uptime_seconds, bandwidth_usage, status,
			last_reboot, last_health_check, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Code, string(d.Brand), d.Model, d.Serial, d.IP, d.MAC,
		d.Zone, d.ParentNodeID, d.Endpoint, d.Credentials,
		d.MaxClients, d.ConnectedClients, d.Metrics.CPUUsage, d.Metrics.MemoryUsage,
		d.Metrics.SignalQuality, d.Metrics.UptimeSeconds, d.Metrics.BandwidthUsage, string(d.Status),
		d.LastReboot, d.LastHealthCheck, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, d *models.Device) error {
	d.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			code = ?, brand = ?, model = ?, serial = ?, ip = ?, mac = ?,
			zone = ?, parent_node_id = ?,
			endpoint = ?, credentials = ?, max_clients = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		d.Code, string(d.Brand), d.Model, d.Serial, d.IP, d.MAC,
		d.Zone, d.ParentNodeID,
		d.Endpoint, d.Credentials, d.MaxClients, string(d.Status), d.UpdatedAt,
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status models.DeviceStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update device status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) SetLastReboot(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_reboot = ?, status = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), string(models.DeviceStatusActive), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set last reboot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) RecordMetrics(ctx context.Context, id string, m models.DeviceMetrics, connectedClients int, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record metrics: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE devices SET
			cpu_usage = ?, memory_usage = ?, signal_quality = ?,
			uptime_seconds = ?, bandwidth_usage = ?, connected_clients = ?,
			last_health_check = ?, updated_at = ?
		WHERE id = ?`,
		m.CPUUsage, m.MemoryUsage, m.SignalQuality,
		m.UptimeSeconds, m.BandwidthUsage, connectedClients,
		at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("record metrics: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_metrics_history (
			id, device_id, cpu_usage, memory_usage, signal_quality,
			uptime_seconds, bandwidth_usage, connected_clients, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), id, m.CPUUsage, m.MemoryUsage, m.SignalQuality,
		m.UptimeSeconds, m.BandwidthUsage, connectedClients, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append metrics history: %w", err)
	}

	return tx.Commit()
}

func (r *SQLiteRepository) SnapshotsSince(ctx context.Context, id string, since time.Time) ([]models.MetricsSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, cpu_usage, memory_usage, signal_quality,
			uptime_seconds, bandwidth_usage, connected_clients, recorded_at
		FROM device_metrics_history
		WHERE device_id = ? AND recorded_at >= ?
		ORDER BY recorded_at`,
		id, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []models.MetricsSnapshot{}
	for rows.Next() {
		var s models.MetricsSnapshot
		if err := rows.Scan(
			&s.ID, &s.DeviceID, &s.Metrics.CPUUsage, &s.Metrics.MemoryUsage,
			&s.Metrics.SignalQuality, &s.Metrics.UptimeSeconds,
			&s.Metrics.BandwidthUsage, &s.ConnectedClients, &s.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

func (r *SQLiteRepository) IncrementConnected(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET connected_clients = connected_clients + 1, updated_at = ?
		WHERE id = ? AND connected_clients < max_clients`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("increment connected: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrAtCapacity
	}
	return nil
}

func (r *SQLiteRepository) DecrementConnected(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET connected_clients = connected_clients - 1, updated_at = ?
		WHERE id = ? AND connected_clients > 0`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("decrement connected: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrNoneAssigned
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*models.Device, error) {
	var d models.Device
	var brand, status string
	err := row.Scan(
		&d.ID, &d.Code, &brand, &d.Model, &d.Serial, &d.IP, &d.MAC,
		&d.Zone, &d.ParentNodeID, &d.Endpoint, &d.Credentials,
		&d.MaxClients, &d.ConnectedClients, &d.Metrics.CPUUsage, &d.Metrics.MemoryUsage,
		&d.Metrics.SignalQuality, &d.Metrics.UptimeSeconds, &d.Metrics.BandwidthUsage, &status,
		&d.LastReboot, &d.LastHealthCheck, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Brand = models.Brand(brand)
	d.Status = models.DeviceStatus(status)
	return &d, nil
}
