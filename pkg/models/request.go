package models

import "time"

// RequestType classifies a service request.
type RequestType string

const (
	RequestTypeNoInternet      RequestType = "no_internet"
	RequestTypeConnectionIssue RequestType = "connection_issue"
	RequestTypeSlowSpeed       RequestType = "slow_speed"
	RequestTypeRouterReboot    RequestType = "router_reboot"
	RequestTypeEquipmentIssue  RequestType = "equipment_issue"
	RequestTypeOther           RequestType = "other"
)

// RequestPriority orders service requests for technicians.
type RequestPriority string

const (
	PriorityLow      RequestPriority = "low"
	PriorityMedium   RequestPriority = "medium"
	PriorityHigh     RequestPriority = "high"
	PriorityCritical RequestPriority = "critical"
)

// RequestState is a service request's state machine position.
type RequestState string

const (
	StatePending    RequestState = "pending"
	StateInProgress RequestState = "in_progress"
	StateCompleted  RequestState = "completed"
	StateFailed     RequestState = "failed"
	StateCancelled  RequestState = "cancelled"
)

// Terminal reports whether s permits no further transitions. Note that
// failed is not terminal: a failed request may be retried back to pending.
func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// ServiceRequest is a customer-facing ticket tracked through a fixed state
// machine. State changes only through the transition methods in the ticket
// package, never by arbitrary field writes.
type ServiceRequest struct {
	ID           string          `json:"id"`
	TicketNumber string          `json:"ticket_number"` // SR-YYYYMMDD-NNNN, unique.
	Type         RequestType     `json:"type"`
	Priority     RequestPriority `json:"priority"`
	State        RequestState    `json:"state"`
	Description  string          `json:"description,omitempty"`

	CustomerID string `json:"customer_id"`
	ContractID string `json:"contract_id,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`

	IsAutomated bool `json:"is_automated"`

	AssignedTo string     `json:"assigned_to,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ResolutionTime is completed_at - started_at in whole minutes, set
	// only when the request transitions into completed.
	ResolutionTime  *int   `json:"resolution_time,omitempty"`
	ResolutionNotes string `json:"resolution_notes,omitempty"`
	TechnicalNotes  string `json:"technical_notes,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"` // Soft delete only, for audit.
}
