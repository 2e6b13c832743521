package ticket

import (
	"context"
	"time"

	"github.com/fibratel/routerpilot/pkg/models"
	"go.uber.org/zap"
)

// Enqueuer schedules an async task for an automatable request. Implemented
// by the execution engine; declared here so the ticket layer stays free of
// an engine dependency.
type Enqueuer interface {
	Enqueue(ctx context.Context, requestID string, delay time.Duration) error
}

// Service applies state machine transitions and persists them with a
// state guard, so concurrent transitions on the same request cannot
// clobber each other.
type Service struct {
	repo       Repository
	now        func() time.Time
	enqueuer   Enqueuer
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewService wires the ticket service. now defaults to time.Now.
func NewService(repo Repository, now func() time.Time, logger *zap.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:       repo,
		now:        now,
		retryDelay: 5 * time.Second,
		logger:     logger,
	}
}

// SetEnqueuer attaches the execution engine after construction; the engine
// itself depends on this service, so the link is made late.
func (s *Service) SetEnqueuer(e Enqueuer) { s.enqueuer = e }

// Repo exposes the underlying repository.
func (s *Service) Repo() Repository { return s.repo }

func (s *Service) transition(ctx context.Context, id string, apply func(r *models.ServiceRequest) error) (*models.ServiceRequest, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := r.State
	if err := apply(r); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateFrom(ctx, r, from); err != nil {
		return nil, err
	}
	return r, nil
}

// Assign hands the request to a technician.
func (s *Service) Assign(ctx context.Context, id, technicianID string) (*models.ServiceRequest, error) {
	return s.transition(ctx, id, func(r *models.ServiceRequest) error {
		return AssignTo(r, technicianID, s.now())
	})
}

// Escalate hands a failed request to a technician without reopening it.
func (s *Service) Escalate(ctx context.Context, id, technicianID string) (*models.ServiceRequest, error) {
	return s.transition(ctx, id, func(r *models.ServiceRequest) error {
		return EscalateTo(r, technicianID, s.now())
	})
}

// Start marks the request as started.
func (s *Service) Start(ctx context.Context, id string) (*models.ServiceRequest, error) {
	return s.transition(ctx, id, func(r *models.ServiceRequest) error {
		return MarkAsStarted(r, s.now())
	})
}

// Complete finishes the request with resolution notes.
func (s *Service) Complete(ctx context.Context, id, notes string) (*models.ServiceRequest, error) {
	return s.transition(ctx, id, func(r *models.ServiceRequest) error {
		return MarkAsCompleted(r, notes, s.now())
	})
}

// Fail records a failure with technical notes.
func (s *Service) Fail(ctx context.Context, id, notes string) (*models.ServiceRequest, error) {
	return s.transition(ctx, id, func(r *models.ServiceRequest) error {
		return MarkAsFailed(r, notes, s.now())
	})
}

// Cancel aborts a pending or in-progress request.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*models.ServiceRequest, error) {
	return s.transition(ctx, id, func(r *models.ServiceRequest) error {
		return Cancel(r, reason, s.now())
	})
}

// RetryRequest resets a failed request to pending and, for automatable
// types, re-enqueues an async task.
func (s *Service) RetryRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	r, err := s.transition(ctx, id, Retry)
	if err != nil {
		return nil, err
	}

	if CanBeAutomated(r.Type) && s.enqueuer != nil {
		if err := s.enqueuer.Enqueue(ctx, r.ID, s.retryDelay); err != nil {
			s.logger.Error("re-enqueue retried request",
				zap.String("request_id", r.ID),
				zap.String("ticket", r.TicketNumber),
				zap.Error(err),
			)
		}
	}
	return r, nil
}
