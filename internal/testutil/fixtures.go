package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/fibratel/routerpilot/pkg/models"
)

// NewDevice returns a Device with sensible defaults, suitable for test fixtures.
// Override individual fields through options as needed.
func NewDevice(opts ...func(*models.Device)) models.Device {
	d := models.Device{
		ID:         uuid.New().String(),
		Code:       "RTR-0001",
		Brand:      models.BrandMikroTik,
		Model:      "CCR2004",
		IP:         "10.0.0.1",
		Endpoint:   "https://10.0.0.1",
		MaxClients: 64,
		Status:     models.DeviceStatusActive,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithCode sets the device code.
func WithCode(code string) func(*models.Device) {
	return func(d *models.Device) { d.Code = code }
}

// WithBrand sets the device brand.
func WithBrand(b models.Brand) func(*models.Device) {
	return func(d *models.Device) { d.Brand = b }
}

// WithStatus sets the device status.
func WithStatus(s models.DeviceStatus) func(*models.Device) {
	return func(d *models.Device) { d.Status = s }
}

// WithCapacity sets max and currently connected clients.
func WithCapacity(maxClients, connected int) func(*models.Device) {
	return func(d *models.Device) {
		d.MaxClients = maxClients
		d.ConnectedClients = connected
	}
}

// WithZone places the device in a zone.
func WithZone(zone string) func(*models.Device) {
	return func(d *models.Device) { d.Zone = zone }
}

// NewBinding returns a ClientBinding fixture.
func NewBinding(deviceID string, opts ...func(*models.ClientBinding)) models.ClientBinding {
	b := models.ClientBinding{
		ID:            uuid.New().String(),
		DeviceID:      deviceID,
		CustomerID:    uuid.New().String(),
		PPPoEUsername: "customer1",
		DownloadMbps:  50,
		UploadMbps:    10,
		Status:        models.BindingStatusActive,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// WithCustomer sets the binding's customer id.
func WithCustomer(customerID string) func(*models.ClientBinding) {
	return func(b *models.ClientBinding) { b.CustomerID = customerID }
}

// WithPPPoE sets the binding's PPPoE username.
func WithPPPoE(username string) func(*models.ClientBinding) {
	return func(b *models.ClientBinding) { b.PPPoEUsername = username }
}

// WithBindingStatus sets the binding status.
func WithBindingStatus(s models.BindingStatus) func(*models.ClientBinding) {
	return func(b *models.ClientBinding) { b.Status = s }
}

// NewRequest returns a pending ServiceRequest fixture.
func NewRequest(opts ...func(*models.ServiceRequest)) models.ServiceRequest {
	r := models.ServiceRequest{
		Type:       models.RequestTypeRouterReboot,
		Priority:   models.PriorityMedium,
		State:      models.StatePending,
		CustomerID:  uuid.New().String(),
		IsAutomated: true,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// WithRequestType sets the request type.
func WithRequestType(t models.RequestType) func(*models.ServiceRequest) {
	return func(r *models.ServiceRequest) { r.Type = t }
}

// WithState sets the request state.
func WithState(s models.RequestState) func(*models.ServiceRequest) {
	return func(r *models.ServiceRequest) { r.State = s }
}

// WithDevice links the request to a device.
func WithDevice(deviceID string) func(*models.ServiceRequest) {
	return func(r *models.ServiceRequest) { r.DeviceID = deviceID }
}
