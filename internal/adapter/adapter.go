// Package adapter abstracts heterogeneous router vendors behind one
// capability interface. Each brand ships its own implementation; callers
// obtain one through the Registry and never speak a wire protocol directly.
package adapter

import (
	"context"
	"time"

	"github.com/fibratel/routerpilot/pkg/models"
	"go.uber.org/zap"
)

// Credentials is the plaintext connection secret for one device. It is
// unsealed from the vault immediately before an adapter is built and must
// never be written to logs or operation payloads.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// Community is the SNMP read community, for vendors polled over SNMP.
	Community string `json:"community,omitempty"`
}

// Config is everything an adapter needs to reach one device.
type Config struct {
	// Endpoint is the management address: a base URL for REST vendors
	// (https://10.0.0.1) or host:port for SSH vendors (10.0.0.1:22).
	Endpoint    string
	Credentials Credentials

	// Timeout bounds a single adapter call. Zero means DefaultTimeout.
	Timeout time.Duration

	// InsecureTLS skips certificate verification for REST vendors.
	// Router management certs are almost always self-signed.
	InsecureTLS bool
}

// DefaultTimeout bounds one adapter call when Config.Timeout is zero.
// Reboot uses the shorter RebootTimeout: vendors differ in whether they
// acknowledge before or after actually restarting, and we never wait for
// the full restart.
const (
	DefaultTimeout = 30 * time.Second
	RebootTimeout  = 15 * time.Second
)

// Status is the uniform result of GetStatus. Vendor-specific fields that
// have no uniform slot are preserved in Extra.
type Status struct {
	CPUUsage         float64        `json:"cpu_usage"`
	MemoryUsage      float64        `json:"memory_usage"`
	UptimeSeconds    int64          `json:"uptime_seconds"`
	ConnectedClients int            `json:"connected_clients"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// PPPoEClient describes a subscriber account to provision on a device.
type PPPoEClient struct {
	Username string
	Secret   string
	Profile  string
	Service  string
}

// Adapter is the capability set every vendor implementation must satisfy.
// All methods honor ctx cancellation and return the typed errors declared
// in errors.go.
type Adapter interface {
	Brand() models.Brand

	// GetStatus reads cpu/memory/uptime and the connected client count.
	GetStatus(ctx context.Context) (*Status, error)

	// Reboot is fire-and-acknowledge: it returns once the device accepts
	// the command, bounded by RebootTimeout, never waiting for the device
	// to come back.
	Reboot(ctx context.Context) error

	CreatePPPoEClient(ctx context.Context, client PPPoEClient) error
	DeletePPPoEClient(ctx context.Context, username string) error

	// SuspendClient and ActivateClient are idempotent: suspending an
	// already-suspended client succeeds.
	SuspendClient(ctx context.Context, username string) error
	ActivateClient(ctx context.Context, username string) error

	// SetBandwidthLimit has create-or-update semantics: an existing shaping
	// rule for the username is updated in place, otherwise one is created.
	SetBandwidthLimit(ctx context.Context, username string, downloadMbps, uploadMbps int) error

	// TestConnection is a lightweight reachability and credential check,
	// used before destructive operations and by health sweeps.
	TestConnection(ctx context.Context) error
}

// Factory builds an adapter for one device from its connection config.
type Factory func(cfg Config, logger *zap.Logger) (Adapter, error)

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}
