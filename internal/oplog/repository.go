// Package oplog is the append-only audit trail: one row per adapter
// invocation, with scrubbed payloads and before/after metrics snapshots.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fibratel/routerpilot/internal/store"
	"github.com/fibratel/routerpilot/pkg/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned for queries against an unknown log id.
var ErrNotFound = errors.New("operation log not found")

// Filter narrows List queries. Zero values mean "any".
type Filter struct {
	DeviceID string
	Action   models.OperationAction
	Status   models.OperationStatus
	From     time.Time
	To       time.Time
	Limit    int
}

// Repository provides append and query access to operation logs. Rows are
// only ever inserted or promoted from initiated to a final status; nothing
// is deleted.
type Repository interface {
	Create(ctx context.Context, l *models.OperationLog) error
	MarkSuccess(ctx context.Context, id string, response map[string]any, after *models.DeviceMetrics, execMs int64) error
	MarkFailed(ctx context.Context, id string, status models.OperationStatus, errMsg string, execMs int64) error
	Get(ctx context.Context, id string) (*models.OperationLog, error)
	List(ctx context.Context, f Filter) ([]models.OperationLog, error)
	SuccessRate(ctx context.Context, f Filter) (*models.SuccessRate, error)
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

// Migrations owns the operation_logs schema.
var Migrations = []store.Migration{
	{
		Version:     1,
		Description: "create operation logs table",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE operation_logs (
					id                 TEXT PRIMARY KEY,
					device_id          TEXT NOT NULL,
					action             TEXT NOT NULL,
					status             TEXT NOT NULL,
					request_payload    TEXT NOT NULL DEFAULT '{}',
					response_payload   TEXT NOT NULL DEFAULT '{}',
					error_message      TEXT NOT NULL DEFAULT '',
					metrics_before     TEXT,
					metrics_after      TEXT,
					execution_ms       INTEGER NOT NULL DEFAULT 0,
					operator_id        TEXT NOT NULL DEFAULT '',
					source_ip          TEXT NOT NULL DEFAULT '',
					service_request_id TEXT NOT NULL DEFAULT '',
					automation_rule_id TEXT NOT NULL DEFAULT '',
					created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_oplog_device ON operation_logs(device_id, created_at)`,
				`CREATE INDEX idx_oplog_action_status ON operation_logs(action, status)`,
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

func (r *SQLiteRepository) Create(ctx context.Context, l *models.OperationLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Status == "" {
		l.Status = models.OperationInitiated
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO operation_logs (
			id, device_id, action, status, request_payload, response_payload,
			error_message, metrics_before, metrics_after, execution_ms,
			operator_id, source_ip, service_request_id, automation_rule_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.DeviceID, string(l.Action), string(l.Status),
		marshalMap(l.RequestPayload), marshalMap(l.ResponsePayload),
		l.ErrorMessage, marshalMetrics(l.MetricsBefore), marshalMetrics(l.MetricsAfter),
		l.ExecutionMs, l.OperatorID, l.SourceIP, l.ServiceRequestID, l.AutomationRuleID, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create operation log: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) MarkSuccess(ctx context.Context, id string, response map[string]any, after *models.DeviceMetrics, execMs int64) error {
	return r.finish(ctx, id, `
		UPDATE operation_logs SET status = ?, response_payload = ?, metrics_after = ?, execution_ms = ?
		WHERE id = ?`,
		string(models.OperationSuccess), marshalMap(response), marshalMetrics(after), execMs, id)
}

func (r *SQLiteRepository) MarkFailed(ctx context.Context, id string, status models.OperationStatus, errMsg string, execMs int64) error {
	return r.finish(ctx, id, `
		UPDATE operation_logs SET status = ?, error_message = ?, execution_ms = ?
		WHERE id = ?`,
		string(status), errMsg, execMs, id)
}

func (r *SQLiteRepository) finish(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finish operation log %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.OperationLog, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM operation_logs WHERE id = ?`, id)
	l, err := scanLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get operation log %q: %w", id, err)
	}
	return l, nil
}

func (r *SQLiteRepository) List(ctx context.Context, f Filter) ([]models.OperationLog, error) {
	where, args := buildWhere(f)
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+logColumns+` FROM operation_logs WHERE `+where+` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list operation logs: %w", err)
	}
	defer rows.Close()

	logs := []models.OperationLog{}
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation log: %w", err)
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

// SuccessRate computes success_count / execution_count over the filtered
// rows, as a percentage rounded to 2 decimal places. Initiated rows are
// excluded: they are operations still in flight.
func (r *SQLiteRepository) SuccessRate(ctx context.Context, f Filter) (*models.SuccessRate, error) {
	f.Status = "" // Rate is over all finished rows regardless of filter status.
	where, args := buildWhere(f)

	var total, successes int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0)
		FROM operation_logs WHERE `+where+` AND status != 'initiated'`, args...,
	).Scan(&total, &successes)
	if err != nil {
		return nil, fmt.Errorf("success rate: %w", err)
	}

	rate := &models.SuccessRate{Total: total, Successes: successes}
	if total > 0 {
		rate.Percentage = math.Round(float64(successes)/float64(total)*10000) / 100
	}
	return rate, nil
}

const logColumns = `id, device_id, action, status, request_payload, response_payload,
	error_message, metrics_before, metrics_after, execution_ms,
	operator_id, source_ip, service_request_id, automation_rule_id, created_at`

func buildWhere(f Filter) (string, []any) {
	where := "1=1"
	var args []any
	if f.DeviceID != "" {
		where += " AND device_id = ?"
		args = append(args, f.DeviceID)
	}
	if f.Action != "" {
		where += " AND action = ?"
		args = append(args, string(f.Action))
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		where += " AND created_at < ?"
		args = append(args, f.To.UTC())
	}
	return where, args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLog(row scanner) (*models.OperationLog, error) {
	var l models.OperationLog
	var action, status, reqJSON, respJSON string
	var beforeJSON, afterJSON sql.NullString
	err := row.Scan(
		&l.ID, &l.DeviceID, &action, &status, &reqJSON, &respJSON,
		&l.ErrorMessage, &beforeJSON, &afterJSON, &l.ExecutionMs,
		&l.OperatorID, &l.SourceIP, &l.ServiceRequestID, &l.AutomationRuleID, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Action = models.OperationAction(action)
	l.Status = models.OperationStatus(status)
	_ = json.Unmarshal([]byte(reqJSON), &l.RequestPayload)
	_ = json.Unmarshal([]byte(respJSON), &l.ResponsePayload)
	if beforeJSON.Valid {
		l.MetricsBefore = &models.DeviceMetrics{}
		_ = json.Unmarshal([]byte(beforeJSON.String), l.MetricsBefore)
	}
	if afterJSON.Valid {
		l.MetricsAfter = &models.DeviceMetrics{}
		_ = json.Unmarshal([]byte(afterJSON.String), l.MetricsAfter)
	}
	return &l, nil
}

func marshalMap(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func marshalMetrics(m *models.DeviceMetrics) any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}
