package models

import "time"

// OperationAction names the adapter operation an OperationLog records.
type OperationAction string

const (
	ActionReboot             OperationAction = "reboot"
	ActionBandwidthAdjust    OperationAction = "bandwidth_adjustment"
	ActionStatusCheck        OperationAction = "status_check"
	ActionClientConnected    OperationAction = "client_connected"
	ActionClientDisconnected OperationAction = "client_disconnected"
	ActionClientSuspended    OperationAction = "client_suspended"
	ActionClientActivated    OperationAction = "client_activated"
	ActionConnectionTest     OperationAction = "connection_test"
)

// OperationStatus is the lifecycle state of one logged adapter invocation.
type OperationStatus string

const (
	OperationInitiated OperationStatus = "initiated"
	OperationSuccess   OperationStatus = "success"
	OperationFailed    OperationStatus = "failed"
	OperationTimeout   OperationStatus = "timeout"
)

// OperationLog is one append-only audit row per adapter invocation.
// Request and response payloads are stored with secret fields scrubbed.
type OperationLog struct {
	ID       string          `json:"id"`
	DeviceID string          `json:"device_id"`
	Action   OperationAction `json:"action"`
	Status   OperationStatus `json:"status"`

	RequestPayload  map[string]any `json:"request_payload,omitempty"`
	ResponsePayload map[string]any `json:"response_payload,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`

	MetricsBefore *DeviceMetrics `json:"metrics_before,omitempty"`
	MetricsAfter  *DeviceMetrics `json:"metrics_after,omitempty"`

	ExecutionMs int64 `json:"execution_ms"`

	// Origin of the invocation. OperatorID and SourceIP are passed in
	// explicitly by callers; the core never reads ambient request state.
	OperatorID       string `json:"operator_id,omitempty"`
	SourceIP         string `json:"source_ip,omitempty"`
	ServiceRequestID string `json:"service_request_id,omitempty"`
	AutomationRuleID string `json:"automation_rule_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SuccessRate is the outcome of an operation-log success-rate query.
type SuccessRate struct {
	Total      int     `json:"total"`
	Successes  int     `json:"successes"`
	Percentage float64 `json:"percentage"` // 0-100, 2 decimal places.
}
