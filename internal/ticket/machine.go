// Package ticket models customer service requests and their fixed state
// machine. State moves only through the transition functions here; callers
// never write state fields directly.
package ticket

import (
	"fmt"
	"time"

	"github.com/fibratel/routerpilot/pkg/models"
)

// StateTransitionError means a caller attempted an illegal transition. It
// is rejected immediately and is not an operation failure: nothing reaches
// the device and no operation log is written.
type StateTransitionError struct {
	Op   string
	From models.RequestState
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a request in state %q", e.Op, e.From)
}

// priorityTable is the static type→priority classification used at intake.
var priorityTable = map[models.RequestType]models.RequestPriority{
	models.RequestTypeNoInternet:      models.PriorityHigh,
	models.RequestTypeConnectionIssue: models.PriorityHigh,
	models.RequestTypeSlowSpeed:       models.PriorityMedium,
	models.RequestTypeRouterReboot:    models.PriorityMedium,
}

// PriorityFor returns the intake priority for a request type.
func PriorityFor(t models.RequestType) models.RequestPriority {
	if p, ok := priorityTable[t]; ok {
		return p
	}
	return models.PriorityLow
}

// CanBeAutomated reports whether requests of this type run without a
// technician. Only router reboots qualify; everything else routes to
// manual handling.
func CanBeAutomated(t models.RequestType) bool {
	return t == models.RequestTypeRouterReboot
}

// ValidType reports whether t is a known request type.
func ValidType(t models.RequestType) bool {
	switch t {
	case models.RequestTypeNoInternet, models.RequestTypeConnectionIssue,
		models.RequestTypeSlowSpeed, models.RequestTypeRouterReboot,
		models.RequestTypeEquipmentIssue, models.RequestTypeOther:
		return true
	}
	return false
}

// AssignTo hands the request to a technician and forces it in progress.
// Legal from pending or failed.
func AssignTo(r *models.ServiceRequest, technicianID string, now time.Time) error {
	if r.State != models.StatePending && r.State != models.StateFailed {
		return &StateTransitionError{Op: "assign", From: r.State}
	}
	at := now.UTC()
	r.AssignedTo = technicianID
	r.AssignedAt = &at
	r.State = models.StateInProgress
	return nil
}

// EscalateTo records the technician taking over a failed request. Unlike
// AssignTo it does not reopen the request: the state stays failed, so the
// request remains retryable and its audit trail keeps the failure.
func EscalateTo(r *models.ServiceRequest, technicianID string, now time.Time) error {
	if r.State != models.StateFailed {
		return &StateTransitionError{Op: "escalate", From: r.State}
	}
	at := now.UTC()
	r.AssignedTo = technicianID
	r.AssignedAt = &at
	return nil
}

// MarkAsStarted stamps started_at and moves to in progress. Legal from
// pending.
func MarkAsStarted(r *models.ServiceRequest, now time.Time) error {
	if r.State != models.StatePending {
		return &StateTransitionError{Op: "start", From: r.State}
	}
	at := now.UTC()
	r.StartedAt = &at
	r.State = models.StateInProgress
	return nil
}

// MarkAsCompleted finishes the request and derives resolution time in
// whole minutes. Legal from in progress only; a second call is rejected,
// so resolution time is never recomputed. A missing started_at leaves
// resolution time unset.
func MarkAsCompleted(r *models.ServiceRequest, notes string, now time.Time) error {
	if r.State != models.StateInProgress {
		return &StateTransitionError{Op: "complete", From: r.State}
	}
	at := now.UTC()
	r.CompletedAt = &at
	r.ResolutionNotes = notes
	r.State = models.StateCompleted
	if r.StartedAt != nil {
		mins := int(at.Sub(*r.StartedAt).Minutes())
		r.ResolutionTime = &mins
	}
	return nil
}

// MarkAsFailed records a failure. Legal from any non-terminal state.
// Failed is itself non-terminal: Retry can take it back to pending.
func MarkAsFailed(r *models.ServiceRequest, notes string, now time.Time) error {
	if r.State.Terminal() {
		return &StateTransitionError{Op: "fail", From: r.State}
	}
	at := now.UTC()
	r.CompletedAt = &at
	r.TechnicalNotes = notes
	r.State = models.StateFailed
	return nil
}

// Cancel aborts the request and stamps completed_at, so every terminal
// state carries a terminal timestamp. Legal from pending or in progress.
func Cancel(r *models.ServiceRequest, reason string, now time.Time) error {
	if r.State != models.StatePending && r.State != models.StateInProgress {
		return &StateTransitionError{Op: "cancel", From: r.State}
	}
	at := now.UTC()
	r.CompletedAt = &at
	r.TechnicalNotes = reason
	r.State = models.StateCancelled
	return nil
}

// Retry resets a failed request to pending, clearing its timing fields so
// the next attempt starts fresh.
func Retry(r *models.ServiceRequest) error {
	if r.State != models.StateFailed {
		return &StateTransitionError{Op: "retry", From: r.State}
	}
	r.State = models.StatePending
	r.StartedAt = nil
	r.CompletedAt = nil
	r.ResolutionTime = nil
	return nil
}
