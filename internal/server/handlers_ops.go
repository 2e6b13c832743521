package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fibratel/routerpilot/internal/oplog"
	"github.com/fibratel/routerpilot/internal/rules"
	"github.com/fibratel/routerpilot/pkg/models"
)

func opFilter(r *http.Request) (oplog.Filter, error) {
	q := r.URL.Query()
	f := oplog.Filter{
		DeviceID: q.Get("device_id"),
		Action:   models.OperationAction(q.Get("action")),
		Status:   models.OperationStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errors.New("limit must be an integer")
		}
		f.Limit = n
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, errors.New(name + " must be RFC 3339")
			}
			*dst = t
		}
	}
	return f, nil
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	f, err := opFilter(r)
	if err != nil {
		BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	logs, err := s.deps.Logs.List(r.Context(), f)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleSuccessRate(w http.ResponseWriter, r *http.Request) {
	f, err := opFilter(r)
	if err != nil {
		BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	rate, err := s.deps.Logs.SuccessRate(r.Context(), f)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Rules.List(r.Context())
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule models.AutomationRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	if rule.Name == "" || rule.Action == "" || rule.Scope == "" {
		BadRequest(w, "name, action, and scope are required", r.URL.Path)
		return
	}
	if rule.TriggerType == models.TriggerSchedule {
		if _, err := rules.NextAfter(rule.CronExpr, time.Now()); err != nil {
			BadRequest(w, err.Error(), r.URL.Path)
			return
		}
	}
	if err := s.deps.Rules.Create(r.Context(), &rule); err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleActive(w, r, true)
}

func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleActive(w, r, false)
}

func (s *Server) setRuleActive(w http.ResponseWriter, r *http.Request, active bool) {
	err := s.deps.Rules.SetActive(r.Context(), r.PathValue("id"), active)
	if err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			NotFound(w, "rule not found", r.URL.Path)
			return
		}
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_active": active})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Rules.Delete(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			NotFound(w, "rule not found", r.URL.Path)
			return
		}
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		BadRequest(w, "user_id is required", r.URL.Path)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.deps.Notifications.ListByUser(r.Context(), userID, limit)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
