// Package control is the orchestration façade over vendor adapters. Every
// public operation follows one shape: write an initiated operation log with
// before-metrics, invoke the adapter, then finish the log and device state.
// Callers always get a Result envelope, never a raw error from the wire.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fibratel/routerpilot/internal/adapter"
	"github.com/fibratel/routerpilot/internal/bindings"
	"github.com/fibratel/routerpilot/internal/devices"
	"github.com/fibratel/routerpilot/internal/metrics"
	"github.com/fibratel/routerpilot/internal/oplog"
	"github.com/fibratel/routerpilot/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Result is the uniform success/failure envelope returned by every
// operation. Exactly one of Message and Error is meaningful.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func failure(err error) Result  { return Result{Success: false, Error: err.Error()} }
func success(msg string) Result { return Result{Success: true, Message: msg} }

// Origin carries the explicit invocation context written to every
// operation log. The core never reads ambient request state; callers pass
// operator id and source IP in.
type Origin struct {
	OperatorID       string
	SourceIP         string
	ServiceRequestID string
	AutomationRuleID string
}

// Service orchestrates adapter calls, operation logging, and device state.
type Service struct {
	registry *devices.Registry
	bindings bindings.Repository
	logs     oplog.Repository
	pinger   Pinger
	logger   *zap.Logger

	sweepConcurrency int
}

// NewService wires the router control service. pinger may be nil to skip
// the reachability pre-check in health sweeps.
func NewService(reg *devices.Registry, b bindings.Repository, logs oplog.Repository, pinger Pinger, sweepConcurrency int, logger *zap.Logger) *Service {
	if sweepConcurrency <= 0 {
		sweepConcurrency = 8
	}
	return &Service{
		registry:         reg,
		bindings:         b,
		logs:             logs,
		pinger:           pinger,
		logger:           logger,
		sweepConcurrency: sweepConcurrency,
	}
}

// Logs exposes the operation log repository for reporting queries.
func (s *Service) Logs() oplog.Repository { return s.logs }

// opCall describes one logged adapter invocation.
type opCall struct {
	device  *models.Device
	action  models.OperationAction
	request map[string]any
	origin  Origin

	// setErrorOnFail marks the device status error when the call fails;
	// used for reboot/status operations where failure means the device
	// itself is suspect.
	setErrorOnFail bool
}

// invokeFunc performs the adapter work and returns the response payload
// and, when available, the after-call metrics for the log.
type invokeFunc func(ctx context.Context, a adapter.Adapter) (map[string]any, *models.DeviceMetrics, error)

// run executes one operation in the uniform shape. Adapter resolution
// failures (unsupported brand, unreadable credentials) fail fast before
// any log row: no network attempt was made, so there is nothing to audit.
func (s *Service) run(ctx context.Context, c opCall, invoke invokeFunc) Result {
	a, err := s.registry.ResolveAdapter(c.device)
	if err != nil {
		s.logger.Warn("adapter resolution failed",
			zap.String("device_id", c.device.ID),
			zap.String("brand", string(c.device.Brand)),
			zap.Error(err),
		)
		return failure(err)
	}

	before := c.device.Metrics
	logRow := &models.OperationLog{
		DeviceID:         c.device.ID,
		Action:           c.action,
		Status:           models.OperationInitiated,
		RequestPayload:   adapter.Scrub(c.request),
		MetricsBefore:    &before,
		OperatorID:       c.origin.OperatorID,
		SourceIP:         c.origin.SourceIP,
		ServiceRequestID: c.origin.ServiceRequestID,
		AutomationRuleID: c.origin.AutomationRuleID,
	}
	if err := s.logs.Create(ctx, logRow); err != nil {
		return failure(fmt.Errorf("open operation log: %w", err))
	}

	start := time.Now() // Monotonic; execution time survives wall clock jumps.
	response, after, opErr := invoke(ctx, a)
	execMs := time.Since(start).Milliseconds()

	brand := string(c.device.Brand)
	metrics.AdapterCallDuration.WithLabelValues(brand, string(c.action)).
		Observe(time.Since(start).Seconds())

	if opErr != nil {
		status := models.OperationFailed
		var te *adapter.TimeoutError
		if errors.As(opErr, &te) {
			status = models.OperationTimeout
		}
		// Error message captured verbatim for technicians; customers never
		// see it (the ticket layer translates).
		if err := s.logs.MarkFailed(ctx, logRow.ID, status, opErr.Error(), execMs); err != nil {
			s.logger.Error("mark operation failed", zap.String("log_id", logRow.ID), zap.Error(err))
		}
		if c.setErrorOnFail {
			if err := s.registry.Repo().UpdateStatus(ctx, c.device.ID, models.DeviceStatusError); err != nil {
				s.logger.Error("set device error status", zap.String("device_id", c.device.ID), zap.Error(err))
			}
		}
		metrics.OperationsTotal.WithLabelValues(string(c.action), string(status), brand).Inc()
		s.logger.Warn("operation failed",
			zap.String("device_id", c.device.ID),
			zap.String("action", string(c.action)),
			zap.String("status", string(status)),
			zap.Error(opErr),
		)
		return failure(opErr)
	}

	if err := s.logs.MarkSuccess(ctx, logRow.ID, adapter.Scrub(response), after, execMs); err != nil {
		s.logger.Error("mark operation success", zap.String("log_id", logRow.ID), zap.Error(err))
	}
	metrics.OperationsTotal.WithLabelValues(string(c.action), "success", brand).Inc()
	return success(string(c.action) + " succeeded")
}

// Reboot power-cycles a device. On adapter acknowledgement the device is
// optimistically marked active with last_reboot stamped; the next health
// sweep is the authoritative reachability confirmation, keeping this call's
// latency bounded.
func (s *Service) Reboot(ctx context.Context, deviceID string, origin Origin) Result {
	device, err := s.registry.Repo().Get(ctx, deviceID)
	if err != nil {
		return failure(err)
	}

	return s.run(ctx, opCall{
		device:         device,
		action:         models.ActionReboot,
		request:        map[string]any{"operation": "reboot"},
		origin:         origin,
		setErrorOnFail: true,
	}, func(ctx context.Context, a adapter.Adapter) (map[string]any, *models.DeviceMetrics, error) {
		if err := a.Reboot(ctx); err != nil {
			return nil, nil, err
		}
		if err := s.registry.Repo().SetLastReboot(ctx, device.ID, time.Now().UTC()); err != nil {
			return nil, nil, err
		}
		return map[string]any{"acknowledged": true}, nil, nil
	})
}

// CheckStatus polls a device and records its metrics.
func (s *Service) CheckStatus(ctx context.Context, deviceID string, origin Origin) Result {
	device, err := s.registry.Repo().Get(ctx, deviceID)
	if err != nil {
		return failure(err)
	}
	return s.checkStatus(ctx, device, origin)
}

func (s *Service) checkStatus(ctx context.Context, device *models.Device, origin Origin) Result {
	return s.run(ctx, opCall{
		device:         device,
		action:         models.ActionStatusCheck,
		request:        map[string]any{"operation": "status_check"},
		origin:         origin,
		setErrorOnFail: true,
	}, func(ctx context.Context, a adapter.Adapter) (map[string]any, *models.DeviceMetrics, error) {
		st, err := a.GetStatus(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := s.registry.RecordMetrics(ctx, device.ID, st); err != nil {
			return nil, nil, err
		}
		if device.Status != models.DeviceStatusMaintenance {
			if err := s.registry.Repo().UpdateStatus(ctx, device.ID, models.DeviceStatusActive); err != nil {
				return nil, nil, err
			}
		}
		after := &models.DeviceMetrics{
			CPUUsage:      st.CPUUsage,
			MemoryUsage:   st.MemoryUsage,
			UptimeSeconds: st.UptimeSeconds,
		}
		resp := map[string]any{
			"cpu_usage":         st.CPUUsage,
			"memory_usage":      st.MemoryUsage,
			"uptime_seconds":    st.UptimeSeconds,
			"connected_clients": st.ConnectedClients,
		}
		for k, v := range st.Extra {
			resp[k] = v
		}
		return resp, after, nil
	})
}

// AdjustBandwidth updates the shaping rule for one device+customer pair.
// A missing binding is a data-consistency bug upstream: it fails the
// operation and is never retried.
func (s *Service) AdjustBandwidth(ctx context.Context, deviceID, customerID string, downloadMbps, uploadMbps int, origin Origin) Result {
	device, err := s.registry.Repo().Get(ctx, deviceID)
	if err != nil {
		return failure(err)
	}

	return s.run(ctx, opCall{
		device: device,
		action: models.ActionBandwidthAdjust,
		request: map[string]any{
			"customer_id":   customerID,
			"download_mbps": downloadMbps,
			"upload_mbps":   uploadMbps,
		},
		origin: origin,
	}, func(ctx context.Context, a adapter.Adapter) (map[string]any, *models.DeviceMetrics, error) {
		b, err := s.bindings.Find(ctx, deviceID, customerID)
		if err != nil {
			return nil, nil, err
		}
		if err := a.SetBandwidthLimit(ctx, b.PPPoEUsername, downloadMbps, uploadMbps); err != nil {
			return nil, nil, err
		}
		if err := s.bindings.UpdateLimits(ctx, b.ID, downloadMbps, uploadMbps); err != nil {
			return nil, nil, err
		}
		return map[string]any{
			"pppoe_username": b.PPPoEUsername,
			"download_mbps":  downloadMbps,
			"upload_mbps":    uploadMbps,
		}, nil, nil
	})
}

// SuspendCustomer disables a customer's session on the device.
func (s *Service) SuspendCustomer(ctx context.Context, deviceID, customerID string, origin Origin) Result {
	return s.setCustomerState(ctx, deviceID, customerID, origin,
		models.ActionClientSuspended, models.BindingStatusSuspended,
		func(ctx context.Context, a adapter.Adapter, username string) error {
			return a.SuspendClient(ctx, username)
		})
}

// ActivateCustomer re-enables a suspended customer.
func (s *Service) ActivateCustomer(ctx context.Context, deviceID, customerID string, origin Origin) Result {
	return s.setCustomerState(ctx, deviceID, customerID, origin,
		models.ActionClientActivated, models.BindingStatusActive,
		func(ctx context.Context, a adapter.Adapter, username string) error {
			return a.ActivateClient(ctx, username)
		})
}

func (s *Service) setCustomerState(
	ctx context.Context, deviceID, customerID string, origin Origin,
	action models.OperationAction, target models.BindingStatus,
	call func(ctx context.Context, a adapter.Adapter, username string) error,
) Result {
	device, err := s.registry.Repo().Get(ctx, deviceID)
	if err != nil {
		return failure(err)
	}

	return s.run(ctx, opCall{
		device:  device,
		action:  action,
		request: map[string]any{"customer_id": customerID},
		origin:  origin,
	}, func(ctx context.Context, a adapter.Adapter) (map[string]any, *models.DeviceMetrics, error) {
		b, err := s.bindings.Find(ctx, deviceID, customerID)
		if err != nil {
			return nil, nil, err
		}
		if err := call(ctx, a, b.PPPoEUsername); err != nil {
			return nil, nil, err
		}
		if err := s.bindings.UpdateStatus(ctx, b.ID, target); err != nil {
			return nil, nil, err
		}
		return map[string]any{"pppoe_username": b.PPPoEUsername, "status": string(target)}, nil, nil
	})
}

// AssignCustomer provisions a PPPoE account and binds the customer to the
// device. The capacity check and counter increment are one atomic step, so
// concurrent assigns cannot push connected_clients past max_clients.
func (s *Service) AssignCustomer(ctx context.Context, deviceID string, b models.ClientBinding, secret string, origin Origin) Result {
	device, err := s.registry.Repo().Get(ctx, deviceID)
	if err != nil {
		return failure(err)
	}

	if err := s.registry.Repo().IncrementConnected(ctx, deviceID); err != nil {
		return failure(err)
	}

	res := s.run(ctx, opCall{
		device: device,
		action: models.ActionClientConnected,
		request: map[string]any{
			"customer_id":    b.CustomerID,
			"pppoe_username": b.PPPoEUsername,
			"download_mbps":  b.DownloadMbps,
			"upload_mbps":    b.UploadMbps,
		},
		origin: origin,
	}, func(ctx context.Context, a adapter.Adapter) (map[string]any, *models.DeviceMetrics, error) {
		if err := a.CreatePPPoEClient(ctx, adapter.PPPoEClient{
			Username: b.PPPoEUsername,
			Secret:   secret,
			Service:  "pppoe",
		}); err != nil {
			return nil, nil, err
		}
		if b.DownloadMbps > 0 || b.UploadMbps > 0 {
			if err := a.SetBandwidthLimit(ctx, b.PPPoEUsername, b.DownloadMbps, b.UploadMbps); err != nil {
				return nil, nil, err
			}
		}
		nb := b
		nb.DeviceID = deviceID
		if err := s.bindings.Create(ctx, &nb); err != nil {
			return nil, nil, err
		}
		return map[string]any{"pppoe_username": b.PPPoEUsername}, nil, nil
	})

	if !res.Success {
		// Roll the reservation back; the adapter never connected the client.
		if err := s.registry.Repo().DecrementConnected(ctx, deviceID); err != nil {
			s.logger.Error("release capacity reservation", zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	return res
}

// RemoveCustomer deletes the PPPoE account and soft-deletes the binding.
func (s *Service) RemoveCustomer(ctx context.Context, deviceID, customerID string, origin Origin) Result {
	device, err := s.registry.Repo().Get(ctx, deviceID)
	if err != nil {
		return failure(err)
	}

	res := s.run(ctx, opCall{
		device:  device,
		action:  models.ActionClientDisconnected,
		request: map[string]any{"customer_id": customerID},
		origin:  origin,
	}, func(ctx context.Context, a adapter.Adapter) (map[string]any, *models.DeviceMetrics, error) {
		b, err := s.bindings.Find(ctx, deviceID, customerID)
		if err != nil {
			return nil, nil, err
		}
		if err := a.DeletePPPoEClient(ctx, b.PPPoEUsername); err != nil {
			return nil, nil, err
		}
		if err := s.bindings.SoftDelete(ctx, b.ID); err != nil {
			return nil, nil, err
		}
		return map[string]any{"pppoe_username": b.PPPoEUsername}, nil, nil
	})

	if res.Success {
		if err := s.registry.Repo().DecrementConnected(ctx, deviceID); err != nil {
			s.logger.Error("decrement connected clients", zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	return res
}

// HealthCheckAll sweeps every monitored device concurrently, bounded by
// the configured concurrency. One device's failure never aborts the sweep;
// results are keyed by device id. Devices that fail the ICMP pre-check are
// marked offline without an adapter attempt. Offline and error devices
// stay in the sweep so a later pass can move a responsive one back to
// active; only maintenance and inactive devices are skipped.
func (s *Service) HealthCheckAll(ctx context.Context) map[string]Result {
	sweepStart := time.Now()
	defer func() {
		metrics.HealthSweepDuration.Observe(time.Since(sweepStart).Seconds())
	}()

	active, err := s.registry.Repo().List(ctx, devices.Filter{Statuses: []models.DeviceStatus{
		models.DeviceStatusActive,
		models.DeviceStatusError,
		models.DeviceStatusOffline,
	}})
	if err != nil {
		s.logger.Error("health sweep: list devices", zap.Error(err))
		return map[string]Result{}
	}

	var mu sync.Mutex
	results := make(map[string]Result, len(active))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepConcurrency)

	for i := range active {
		device := active[i]
		g.Go(func() error {
			var res Result
			if s.pinger != nil && device.IP != "" && !s.pinger.Reachable(ctx, device.IP) {
				if err := s.registry.Repo().UpdateStatus(ctx, device.ID, models.DeviceStatusOffline); err != nil {
					s.logger.Error("mark device offline", zap.String("device_id", device.ID), zap.Error(err))
				}
				res = Result{Success: false, Error: "unreachable (icmp)"}
			} else {
				res = s.checkStatus(ctx, &device, Origin{OperatorID: "system:health-sweep"})
			}

			mu.Lock()
			results[device.ID] = res
			mu.Unlock()
			return nil // Per-device failures are data, not sweep errors.
		})
	}
	_ = g.Wait()

	return results
}
