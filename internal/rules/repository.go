// Package rules evaluates automation rules: scheduled or threshold-driven
// policies that invoke router control operations on sets of devices.
package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fibratel/routerpilot/internal/store"
	"github.com/fibratel/routerpilot/pkg/models"
	"github.com/google/uuid"
)

// ErrNotFound means no rule with the given id exists.
var ErrNotFound = errors.New("automation rule not found")

// Migrations owns the automation_rules schema.
var Migrations = []store.Migration{
	{
		Version:     1,
		Description: "create automation_rules table",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE automation_rules (
					id                TEXT PRIMARY KEY,
					name              TEXT NOT NULL,
					trigger_type      TEXT NOT NULL,
					trigger_condition TEXT NOT NULL DEFAULT '{}',
					action            TEXT NOT NULL,
					action_config     TEXT NOT NULL DEFAULT '{}',
					scope             TEXT NOT NULL,
					scope_value       TEXT NOT NULL DEFAULT '',
					cron_expr         TEXT NOT NULL DEFAULT '',
					next_execution    DATETIME,
					last_execution    DATETIME,
					is_active         INTEGER NOT NULL DEFAULT 1,
					execution_count   INTEGER NOT NULL DEFAULT 0,
					success_count     INTEGER NOT NULL DEFAULT 0,
					failure_count     INTEGER NOT NULL DEFAULT 0,
					created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_rules_due ON automation_rules(next_execution) WHERE is_active = 1`,
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

// Repository provides access to automation rules.
type Repository interface {
	Get(ctx context.Context, id string) (*models.AutomationRule, error)
	List(ctx context.Context) ([]models.AutomationRule, error)

	// ListDue returns active rules whose next_execution is at or before
	// now, plus active scheduled rules never planned yet.
	ListDue(ctx context.Context, now time.Time) ([]models.AutomationRule, error)

	Create(ctx context.Context, r *models.AutomationRule) error
	Update(ctx context.Context, r *models.AutomationRule) error
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error

	// RecordExecution bumps the counters and stamps last/next execution
	// after a firing.
	RecordExecution(ctx context.Context, id string, succeeded bool, last time.Time, next *time.Time) error
}

// Compile-time interface guard.
var _ Repository = (*SQLiteRepository)(nil)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const ruleColumns = `id, name, trigger_type, trigger_condition, action, action_config,
	scope, scope_value, cron_expr, next_execution, last_execution,
	is_active, execution_count, success_count, failure_count, created_at, updated_at`

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.AutomationRule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM automation_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rule %q: %w", id, err)
	}
	return rule, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]models.AutomationRule, error) {
	return r.query(ctx, `SELECT `+ruleColumns+` FROM automation_rules ORDER BY name`)
}

func (r *SQLiteRepository) ListDue(ctx context.Context, now time.Time) ([]models.AutomationRule, error) {
	return r.query(ctx, `
		SELECT `+ruleColumns+` FROM automation_rules
		WHERE is_active = 1 AND (next_execution IS NULL OR next_execution <= ?)
		ORDER BY next_execution`, now.UTC())
}

func (r *SQLiteRepository) query(ctx context.Context, q string, args ...any) ([]models.AutomationRule, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	out := []models.AutomationRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Create(ctx context.Context, rule *models.AutomationRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_rules (
			id, name, trigger_type, trigger_condition, action, action_config,
			scope, scope_value, cron_expr, next_execution, last_execution,
			is_active, execution_count, success_count, failure_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, string(rule.TriggerType), marshalMap(rule.TriggerCondition),
		string(rule.Action), marshalMap(rule.ActionConfig),
		string(rule.Scope), rule.ScopeValue, rule.CronExpr,
		rule.NextExecution, rule.LastExecution,
		boolInt(rule.IsActive), rule.ExecutionCount, rule.SuccessCount, rule.FailureCount,
		rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, rule *models.AutomationRule) error {
	rule.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_rules SET
			name = ?, trigger_type = ?, trigger_condition = ?, action = ?,
			action_config = ?, scope = ?, scope_value = ?, cron_expr = ?,
			next_execution = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		rule.Name, string(rule.TriggerType), marshalMap(rule.TriggerCondition),
		string(rule.Action), marshalMap(rule.ActionConfig),
		string(rule.Scope), rule.ScopeValue, rule.CronExpr,
		rule.NextExecution, boolInt(rule.IsActive), rule.UpdatedAt,
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE automation_rules SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set rule active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM automation_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) RecordExecution(ctx context.Context, id string, succeeded bool, last time.Time, next *time.Time) error {
	success, failure := 0, 1
	if succeeded {
		success, failure = 1, 0
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_rules SET
			execution_count = execution_count + 1,
			success_count = success_count + ?,
			failure_count = failure_count + ?,
			last_execution = ?, next_execution = ?, updated_at = ?
		WHERE id = ?`,
		success, failure, last.UTC(), next, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("record rule execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	var trigger, action, scope, condJSON, cfgJSON string
	var active int
	err := row.Scan(
		&rule.ID, &rule.Name, &trigger, &condJSON, &action, &cfgJSON,
		&scope, &rule.ScopeValue, &rule.CronExpr,
		&rule.NextExecution, &rule.LastExecution,
		&active, &rule.ExecutionCount, &rule.SuccessCount, &rule.FailureCount,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.TriggerType = models.TriggerType(trigger)
	rule.Action = models.RuleAction(action)
	rule.Scope = models.RuleScope(scope)
	rule.IsActive = active != 0
	_ = json.Unmarshal([]byte(condJSON), &rule.TriggerCondition)
	_ = json.Unmarshal([]byte(cfgJSON), &rule.ActionConfig)
	return &rule, nil
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
