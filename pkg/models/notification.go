package models

import "time"

// NotificationType classifies outbound customer notifications.
type NotificationType string

const (
	NotificationRequestCompleted NotificationType = "request_completed"
	NotificationRequestFailed    NotificationType = "request_failed"
)

// Notification is the record handed to the delivery collaborator on the
// terminal state of an automated request. Delivery (email/SMS/push) is the
// collaborator's concern; the core only persists the record.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
