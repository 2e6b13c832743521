package models

import "time"

// Brand identifies the equipment vendor of a device.
type Brand string

const (
	BrandMikroTik Brand = "mikrotik"
	BrandHuawei   Brand = "huawei"
	BrandCisco    Brand = "cisco"
)

// DeviceStatus represents the operational state of a device.
type DeviceStatus string

const (
	DeviceStatusActive      DeviceStatus = "active"
	DeviceStatusInactive    DeviceStatus = "inactive"
	DeviceStatusMaintenance DeviceStatus = "maintenance"
	DeviceStatusError       DeviceStatus = "error"
	DeviceStatusOffline     DeviceStatus = "offline"
)

// Device represents a managed router.
type Device struct {
	ID     string `json:"id"`
	Code   string `json:"code"` // Unique human-assigned identifier.
	Brand  Brand  `json:"brand"`
	Model  string `json:"model,omitempty"`
	Serial string `json:"serial,omitempty"`
	IP     string `json:"ip"`
	MAC    string `json:"mac,omitempty"`

	// Zone and ParentNodeID place the device in the network topology and
	// drive automation rule scoping.
	Zone         string `json:"zone,omitempty"`
	ParentNodeID string `json:"parent_node_id,omitempty"`

	// Endpoint is the management address (REST base URL or SSH host:port).
	// Credentials holds a sealed blob produced by the vault; the plaintext
	// never leaves the device registry.
	Endpoint    string `json:"endpoint"`
	Credentials []byte `json:"-"`

	MaxClients       int `json:"max_clients"`
	ConnectedClients int `json:"connected_clients"`

	Metrics DeviceMetrics `json:"metrics"`
	Status  DeviceStatus  `json:"status"`

	LastReboot      *time.Time `json:"last_reboot,omitempty"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DeviceMetrics holds the live metric fields of a device. They are
// overwritten on every health check; history lives in MetricsSnapshot rows.
type DeviceMetrics struct {
	CPUUsage       float64 `json:"cpu_usage"`
	MemoryUsage    float64 `json:"memory_usage"`
	SignalQuality  float64 `json:"signal_quality,omitempty"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	BandwidthUsage float64 `json:"bandwidth_usage,omitempty"`
}

// MetricsSnapshot is one append-only metrics history row.
type MetricsSnapshot struct {
	ID               string        `json:"id"`
	DeviceID         string        `json:"device_id"`
	Metrics          DeviceMetrics `json:"metrics"`
	ConnectedClients int           `json:"connected_clients"`
	RecordedAt       time.Time     `json:"recorded_at"`
}
