package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/fibratel/routerpilot/internal/intake"
	"github.com/fibratel/routerpilot/internal/ticket"
	"github.com/fibratel/routerpilot/pkg/models"
)

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req intake.NewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	created, err := s.deps.Intake.CreateServiceRequest(r.Context(), req)
	if err != nil {
		if errors.Is(err, intake.ErrInvalidType) {
			BadRequest(w, err.Error(), r.URL.Path)
			return
		}
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := s.deps.Tickets.Repo().List(r.Context(), ticket.Filter{
		State:      models.RequestState(q.Get("state")),
		CustomerID: q.Get("customer_id"),
		Limit:      limit,
	})
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Tickets.Repo().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			NotFound(w, "service request not found", r.URL.Path)
			return
		}
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type assignRequestBody struct {
	TechnicianID string `json:"technician_id"`
}

func (s *Server) handleAssignRequest(w http.ResponseWriter, r *http.Request) {
	var body assignRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.TechnicianID == "" {
		BadRequest(w, "technician_id is required", r.URL.Path)
		return
	}
	s.writeTransition(w, r, func() (*models.ServiceRequest, error) {
		return s.deps.Tickets.Assign(r.Context(), r.PathValue("id"), body.TechnicianID)
	})
}

type notesBody struct {
	Notes string `json:"notes,omitempty"`
}

func (s *Server) handleCompleteRequest(w http.ResponseWriter, r *http.Request) {
	var body notesBody
	if !decodeJSON(w, r, &body) {
		return
	}
	s.writeTransition(w, r, func() (*models.ServiceRequest, error) {
		return s.deps.Tickets.Complete(r.Context(), r.PathValue("id"), body.Notes)
	})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var body notesBody
	if !decodeJSON(w, r, &body) {
		return
	}
	s.writeTransition(w, r, func() (*models.ServiceRequest, error) {
		return s.deps.Tickets.Cancel(r.Context(), r.PathValue("id"), body.Notes)
	})
}

func (s *Server) handleRetryRequest(w http.ResponseWriter, r *http.Request) {
	s.writeTransition(w, r, func() (*models.ServiceRequest, error) {
		return s.deps.Tickets.RetryRequest(r.Context(), r.PathValue("id"))
	})
}

// writeTransition runs a state machine transition and maps its error
// classes: unknown id is 404, an illegal or raced transition is 409.
func (s *Server) writeTransition(w http.ResponseWriter, r *http.Request, fn func() (*models.ServiceRequest, error)) {
	req, err := fn()
	if err != nil {
		var ste *ticket.StateTransitionError
		switch {
		case errors.Is(err, ticket.ErrNotFound):
			NotFound(w, "service request not found", r.URL.Path)
		case errors.As(err, &ste), errors.Is(err, ticket.ErrStaleState):
			Conflict(w, err.Error(), r.URL.Path)
		default:
			InternalError(w, err.Error(), r.URL.Path)
		}
		return
	}
	writeJSON(w, http.StatusOK, req)
}
