// Package notify records outbound customer notifications. Delivery
// (email/SMS/push) belongs to an external collaborator; this package only
// persists the records that collaborator consumes.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fibratel/routerpilot/internal/store"
	"github.com/fibratel/routerpilot/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier accepts a notification for eventual delivery.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Compile-time interface guard.
var _ Notifier = (*SQLiteNotifier)(nil)

// SQLiteNotifier persists notification records to the shared store.
type SQLiteNotifier struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteNotifier(db *sql.DB, logger *zap.Logger) *SQLiteNotifier {
	return &SQLiteNotifier{db: db, logger: logger}
}

// Migrations owns the notifications schema.
var Migrations = []store.Migration{
	{
		Version:     1,
		Description: "create notifications table",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE notifications (
					id         TEXT PRIMARY KEY,
					user_id    TEXT NOT NULL,
					type       TEXT NOT NULL,
					title      TEXT NOT NULL,
					message    TEXT NOT NULL DEFAULT '',
					data       TEXT NOT NULL DEFAULT '{}',
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_notifications_user ON notifications(user_id, created_at)`,
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

func (s *SQLiteNotifier) Notify(ctx context.Context, n models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	data := "{}"
	if n.Data != nil {
		if b, err := json.Marshal(n.Data); err == nil {
			data = string(b)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, data, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}

	s.logger.Info("notification recorded",
		zap.String("user_id", n.UserID),
		zap.String("type", string(n.Type)),
	)
	return nil
}

// ListByUser returns a user's notifications, newest first.
func (s *SQLiteNotifier) ListByUser(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, title, message, data, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		var typ, data string
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &data, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = models.NotificationType(typ)
		_ = json.Unmarshal([]byte(data), &n.Data)
		out = append(out, n)
	}
	return out, rows.Err()
}
