// Package server exposes the orchestration subsystem over HTTP: device
// administration, router operations, service request intake and lifecycle,
// automation rules, and the audit log.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fibratel/routerpilot/internal/control"
	"github.com/fibratel/routerpilot/internal/devices"
	"github.com/fibratel/routerpilot/internal/intake"
	"github.com/fibratel/routerpilot/internal/notify"
	"github.com/fibratel/routerpilot/internal/oplog"
	"github.com/fibratel/routerpilot/internal/rules"
	"github.com/fibratel/routerpilot/internal/ticket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps carries the services the HTTP layer fronts.
type Deps struct {
	Registry      *devices.Registry
	Control       *control.Service
	Tickets       *ticket.Service
	Intake        *intake.Service
	Logs          oplog.Repository
	Rules         rules.Repository
	Notifications *notify.SQLiteNotifier
}

// Server is the routerpilot HTTP server.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a new Server instance.
func New(addr string, deps Deps, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 180 * time.Second, // device round trips can be slow
			IdleTimeout:  60 * time.Second,
		},
		deps:   deps,
		logger: logger,
		mux:    mux,
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/v1/devices", s.handleListDevices)
	s.mux.HandleFunc("POST /api/v1/devices", s.handleCreateDevice)
	s.mux.HandleFunc("GET /api/v1/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("GET /api/v1/devices/{id}/metrics", s.handleDeviceMetrics)
	s.mux.HandleFunc("POST /api/v1/devices/{id}/reboot", s.handleReboot)
	s.mux.HandleFunc("POST /api/v1/devices/{id}/check", s.handleCheckStatus)
	s.mux.HandleFunc("POST /api/v1/devices/{id}/clients", s.handleAssignCustomer)
	s.mux.HandleFunc("DELETE /api/v1/devices/{id}/clients/{customerID}", s.handleRemoveCustomer)
	s.mux.HandleFunc("POST /api/v1/devices/{id}/clients/{customerID}/suspend", s.handleSuspendCustomer)
	s.mux.HandleFunc("POST /api/v1/devices/{id}/clients/{customerID}/activate", s.handleActivateCustomer)
	s.mux.HandleFunc("PUT /api/v1/devices/{id}/clients/{customerID}/bandwidth", s.handleAdjustBandwidth)
	s.mux.HandleFunc("POST /api/v1/devices/health-sweep", s.handleHealthSweep)

	s.mux.HandleFunc("POST /api/v1/requests", s.handleCreateRequest)
	s.mux.HandleFunc("GET /api/v1/requests", s.handleListRequests)
	s.mux.HandleFunc("GET /api/v1/requests/{id}", s.handleGetRequest)
	s.mux.HandleFunc("POST /api/v1/requests/{id}/assign", s.handleAssignRequest)
	s.mux.HandleFunc("POST /api/v1/requests/{id}/complete", s.handleCompleteRequest)
	s.mux.HandleFunc("POST /api/v1/requests/{id}/cancel", s.handleCancelRequest)
	s.mux.HandleFunc("POST /api/v1/requests/{id}/retry", s.handleRetryRequest)

	s.mux.HandleFunc("GET /api/v1/operations", s.handleListOperations)
	s.mux.HandleFunc("GET /api/v1/operations/success-rate", s.handleSuccessRate)

	s.mux.HandleFunc("GET /api/v1/rules", s.handleListRules)
	s.mux.HandleFunc("POST /api/v1/rules", s.handleCreateRule)
	s.mux.HandleFunc("POST /api/v1/rules/{id}/activate", s.handleActivateRule)
	s.mux.HandleFunc("POST /api/v1/rules/{id}/deactivate", s.handleDeactivateRule)
	s.mux.HandleFunc("DELETE /api/v1/rules/{id}", s.handleDeleteRule)

	s.mux.HandleFunc("GET /api/v1/notifications", s.handleListNotifications)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux, for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "routerpilot",
	})
}

// origin derives the audit trail context from the request. Operator
// identity arrives from the authentication layer in front of this service.
func origin(r *http.Request) control.Origin {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}
	return control.Origin{
		OperatorID: r.Header.Get("X-Operator-ID"),
		SourceIP:   ip,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		BadRequest(w, "invalid JSON body: "+err.Error(), r.URL.Path)
		return false
	}
	return true
}

// writeResult maps a control Result envelope onto an HTTP response.
// Operation failures are still 200s: the operation ran and its outcome is
// the payload, not a transport error.
func writeResult(w http.ResponseWriter, res control.Result) {
	writeJSON(w, http.StatusOK, res)
}
