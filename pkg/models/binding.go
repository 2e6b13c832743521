package models

import "time"

// BindingStatus represents the connection state of a client binding.
type BindingStatus string

const (
	BindingStatusActive       BindingStatus = "active"
	BindingStatusSuspended    BindingStatus = "suspended"
	BindingStatusDisconnected BindingStatus = "disconnected"
)

// ClientBinding links a device to one customer's PPPoE identity. A binding
// belongs to exactly one device and one customer/contract pair at a time.
type ClientBinding struct {
	ID         string `json:"id"`
	DeviceID   string `json:"device_id"`
	CustomerID string `json:"customer_id"`
	ContractID string `json:"contract_id,omitempty"`

	PPPoEUsername string `json:"pppoe_username"`
	AssignedIP    string `json:"assigned_ip,omitempty"`

	DownloadMbps int `json:"download_mbps"`
	UploadMbps   int `json:"upload_mbps"`

	Status    BindingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	DeletedAt *time.Time    `json:"deleted_at,omitempty"` // Soft delete.
}
