// Package intake is the inbound boundary for customer service requests: it
// validates and classifies new requests, links them to the customer's
// router, and hands automatable ones to the execution engine.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fibratel/routerpilot/internal/bindings"
	"github.com/fibratel/routerpilot/internal/ticket"
	"github.com/fibratel/routerpilot/pkg/models"
	"go.uber.org/zap"
)

// ErrInvalidType means the submitted request type is not one we track.
var ErrInvalidType = errors.New("unknown request type")

// DefaultDispatchDelay gives an operator a short window to cancel an
// automated request before the engine picks it up.
const DefaultDispatchDelay = 5 * time.Second

// NewRequest is the inbound payload for a service request.
type NewRequest struct {
	CustomerID  string             `json:"customer_id"`
	ContractID  string             `json:"contract_id,omitempty"`
	Type        models.RequestType `json:"type"`
	Description string             `json:"description,omitempty"`

	// DeviceID pins the request to a specific router. When empty the
	// customer's binding resolves it.
	DeviceID string `json:"device_id,omitempty"`
}

// Service creates service requests and dispatches automatable ones.
type Service struct {
	tickets  *ticket.Service
	bindings bindings.Repository
	enqueuer ticket.Enqueuer
	delay    time.Duration
	logger   *zap.Logger
}

func NewService(tickets *ticket.Service, b bindings.Repository, enqueuer ticket.Enqueuer, logger *zap.Logger) *Service {
	return &Service{
		tickets:  tickets,
		bindings: b,
		enqueuer: enqueuer,
		delay:    DefaultDispatchDelay,
		logger:   logger,
	}
}

// CreateServiceRequest validates the payload, classifies priority from the
// request type, resolves the customer's device, persists the request, and
// enqueues an async task when the type is automatable. Enqueue failure does
// not fail creation; the request stays pending for manual handling.
func (s *Service) CreateServiceRequest(ctx context.Context, in NewRequest) (*models.ServiceRequest, error) {
	if !ticket.ValidType(in.Type) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, in.Type)
	}
	if in.CustomerID == "" {
		return nil, errors.New("customer_id is required")
	}

	deviceID := in.DeviceID
	if deviceID == "" {
		deviceID = s.resolveDevice(ctx, in.CustomerID)
	}

	r := &models.ServiceRequest{
		Type:        in.Type,
		Priority:    ticket.PriorityFor(in.Type),
		State:       models.StatePending,
		Description: in.Description,
		CustomerID:  in.CustomerID,
		ContractID:  in.ContractID,
		DeviceID:    deviceID,
		IsAutomated: ticket.CanBeAutomated(in.Type),
	}
	if err := s.tickets.Repo().Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create service request: %w", err)
	}

	s.logger.Info("service request created",
		zap.String("ticket", r.TicketNumber),
		zap.String("type", string(r.Type)),
		zap.String("priority", string(r.Priority)),
		zap.Bool("automated", r.IsAutomated),
	)

	if r.IsAutomated && s.enqueuer != nil {
		if err := s.enqueuer.Enqueue(ctx, r.ID, s.delay); err != nil {
			s.logger.Error("enqueue automated request",
				zap.String("ticket", r.TicketNumber),
				zap.Error(err),
			)
		}
	}
	return r, nil
}

// resolveDevice maps a customer to their router through the active
// bindings. A customer without exactly one active binding gets no device;
// the request then routes to a technician instead of the engine failing it.
func (s *Service) resolveDevice(ctx context.Context, customerID string) string {
	bs, err := s.bindings.ListByCustomer(ctx, customerID)
	if err != nil {
		s.logger.Error("resolve customer device",
			zap.String("customer_id", customerID),
			zap.Error(err),
		)
		return ""
	}
	var active []models.ClientBinding
	for _, b := range bs {
		if b.Status == models.BindingStatusActive {
			active = append(active, b)
		}
	}
	if len(active) != 1 {
		return ""
	}
	return active[0].DeviceID
}
