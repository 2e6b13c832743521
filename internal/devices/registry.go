package devices

import (
	"context"
	"time"

	"github.com/fibratel/routerpilot/internal/adapter"
	"github.com/fibratel/routerpilot/internal/vault"
	"github.com/fibratel/routerpilot/pkg/models"
	"go.uber.org/zap"
)

// Registry resolves adapters for devices and owns capacity and metrics
// bookkeeping.
type Registry struct {
	repo     Repository
	adapters *adapter.Registry
	vault    *vault.Vault
	timeout  time.Duration
	insecure bool
	logger   *zap.Logger
}

// NewRegistry wires the device registry.
func NewRegistry(repo Repository, adapters *adapter.Registry, v *vault.Vault, callTimeout time.Duration, insecureTLS bool, logger *zap.Logger) *Registry {
	return &Registry{
		repo:     repo,
		adapters: adapters,
		vault:    v,
		timeout:  callTimeout,
		insecure: insecureTLS,
		logger:   logger,
	}
}

// Repo exposes the underlying repository.
func (r *Registry) Repo() Repository { return r.repo }

// ResolveAdapter unseals the device's credentials and builds the adapter
// for its brand. Fails with *adapter.UnsupportedBrandError before any
// network attempt when the brand has no registered factory.
func (r *Registry) ResolveAdapter(d *models.Device) (adapter.Adapter, error) {
	if !r.adapters.Supported(d.Brand) {
		return nil, &adapter.UnsupportedBrandError{Brand: d.Brand}
	}

	creds, err := r.vault.Open(d.Credentials)
	if err != nil {
		return nil, err
	}

	return r.adapters.New(d.Brand, adapter.Config{
		Endpoint:    d.Endpoint,
		Credentials: creds,
		Timeout:     r.timeout,
		InsecureTLS: r.insecure,
	})
}

// CreateDevice seals the plaintext credentials and persists the device.
// The plaintext is never stored.
func (r *Registry) CreateDevice(ctx context.Context, d *models.Device, creds adapter.Credentials) error {
	blob, err := r.vault.Seal(creds)
	if err != nil {
		return err
	}
	d.Credentials = blob
	if err := r.repo.Create(ctx, d); err != nil {
		return err
	}
	r.logger.Info("device registered",
		zap.String("device_id", d.ID),
		zap.String("code", d.Code),
		zap.String("brand", string(d.Brand)),
	)
	return nil
}

// UpdateCredentials replaces a device's sealed credential blob.
func (r *Registry) UpdateCredentials(ctx context.Context, id string, creds adapter.Credentials) error {
	d, err := r.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	blob, err := r.vault.Seal(creds)
	if err != nil {
		return err
	}
	d.Credentials = blob
	return r.repo.Update(ctx, d)
}

// HasAvailableCapacity reports whether the device can take another client.
// Soft constraint: transient overshoot is tolerated, enforcement happens at
// assignment time through the atomic counter.
func (r *Registry) HasAvailableCapacity(d *models.Device) bool {
	return d.ConnectedClients < d.MaxClients
}

// RecordMetrics stores the uniform status result of an adapter call:
// overwrite live fields, stamp last_health_check, append a history row.
func (r *Registry) RecordMetrics(ctx context.Context, deviceID string, st *adapter.Status) error {
	m := models.DeviceMetrics{
		CPUUsage:      st.CPUUsage,
		MemoryUsage:   st.MemoryUsage,
		UptimeSeconds: st.UptimeSeconds,
	}
	return r.repo.RecordMetrics(ctx, deviceID, m, st.ConnectedClients, time.Now().UTC())
}
