package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/fibratel/routerpilot/internal/adapter"
	"github.com/fibratel/routerpilot/internal/devices"
	"github.com/fibratel/routerpilot/pkg/models"
)

type createDeviceRequest struct {
	Code         string       `json:"code"`
	Brand        models.Brand `json:"brand"`
	Model        string       `json:"model,omitempty"`
	Serial       string       `json:"serial,omitempty"`
	IP           string       `json:"ip"`
	MAC          string       `json:"mac,omitempty"`
	Zone         string       `json:"zone,omitempty"`
	ParentNodeID string       `json:"parent_node_id,omitempty"`
	Endpoint     string       `json:"endpoint"`
	MaxClients   int          `json:"max_clients"`

	// Credentials arrive in plaintext once, are sealed immediately, and
	// are never returned by any endpoint.
	Username  string `json:"username"`
	Password  string `json:"password"`
	Community string `json:"community,omitempty"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" || req.Brand == "" || req.Endpoint == "" {
		BadRequest(w, "code, brand, and endpoint are required", r.URL.Path)
		return
	}

	d := &models.Device{
		Code:         req.Code,
		Brand:        req.Brand,
		Model:        req.Model,
		Serial:       req.Serial,
		IP:           req.IP,
		MAC:          req.MAC,
		Zone:         req.Zone,
		ParentNodeID: req.ParentNodeID,
		Endpoint:     req.Endpoint,
		MaxClients:   req.MaxClients,
		Status:       models.DeviceStatusActive,
	}
	creds := adapter.Credentials{
		Username:  req.Username,
		Password:  req.Password,
		Community: req.Community,
	}
	if err := s.deps.Registry.CreateDevice(r.Context(), d, creds); err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Registry.Repo().List(r.Context(), devices.Filter{
		Status:       models.DeviceStatus(q.Get("status")),
		Brand:        models.Brand(q.Get("brand")),
		Zone:         q.Get("zone"),
		ParentNodeID: q.Get("parent_node_id"),
	})
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Registry.Repo().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			NotFound(w, "device not found", r.URL.Path)
			return
		}
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeviceMetrics(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			BadRequest(w, "since must be RFC 3339", r.URL.Path)
			return
		}
		since = t
	}
	snaps, err := s.deps.Registry.Repo().SnapshotsSince(r.Context(), r.PathValue("id"), since)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Control.Reboot(r.Context(), r.PathValue("id"), origin(r)))
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Control.CheckStatus(r.Context(), r.PathValue("id"), origin(r)))
}

type assignCustomerRequest struct {
	CustomerID    string `json:"customer_id"`
	ContractID    string `json:"contract_id,omitempty"`
	PPPoEUsername string `json:"pppoe_username"`
	PPPoESecret   string `json:"pppoe_secret"`
	AssignedIP    string `json:"assigned_ip,omitempty"`
	DownloadMbps  int    `json:"download_mbps"`
	UploadMbps    int    `json:"upload_mbps"`
}

func (s *Server) handleAssignCustomer(w http.ResponseWriter, r *http.Request) {
	var req assignCustomerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CustomerID == "" || req.PPPoEUsername == "" || req.PPPoESecret == "" {
		BadRequest(w, "customer_id, pppoe_username, and pppoe_secret are required", r.URL.Path)
		return
	}
	b := models.ClientBinding{
		CustomerID:    req.CustomerID,
		ContractID:    req.ContractID,
		PPPoEUsername: req.PPPoEUsername,
		AssignedIP:    req.AssignedIP,
		DownloadMbps:  req.DownloadMbps,
		UploadMbps:    req.UploadMbps,
		Status:        models.BindingStatusActive,
	}
	writeResult(w, s.deps.Control.AssignCustomer(r.Context(), r.PathValue("id"), b, req.PPPoESecret, origin(r)))
}

func (s *Server) handleRemoveCustomer(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Control.RemoveCustomer(r.Context(), r.PathValue("id"), r.PathValue("customerID"), origin(r)))
}

func (s *Server) handleSuspendCustomer(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Control.SuspendCustomer(r.Context(), r.PathValue("id"), r.PathValue("customerID"), origin(r)))
}

func (s *Server) handleActivateCustomer(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.deps.Control.ActivateCustomer(r.Context(), r.PathValue("id"), r.PathValue("customerID"), origin(r)))
}

type bandwidthRequest struct {
	DownloadMbps int `json:"download_mbps"`
	UploadMbps   int `json:"upload_mbps"`
}

func (s *Server) handleAdjustBandwidth(w http.ResponseWriter, r *http.Request) {
	var req bandwidthRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DownloadMbps <= 0 || req.UploadMbps <= 0 {
		BadRequest(w, "download_mbps and upload_mbps must be positive", r.URL.Path)
		return
	}
	writeResult(w, s.deps.Control.AdjustBandwidth(
		r.Context(), r.PathValue("id"), r.PathValue("customerID"),
		req.DownloadMbps, req.UploadMbps, origin(r)))
}

func (s *Server) handleHealthSweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Control.HealthCheckAll(r.Context()))
}
