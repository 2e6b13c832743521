package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fibratel/routerpilot/internal/adapter"
	"github.com/fibratel/routerpilot/internal/bindings"
	"github.com/fibratel/routerpilot/internal/control"
	"github.com/fibratel/routerpilot/internal/devices"
	"github.com/fibratel/routerpilot/internal/intake"
	"github.com/fibratel/routerpilot/internal/notify"
	"github.com/fibratel/routerpilot/internal/oplog"
	"github.com/fibratel/routerpilot/internal/rules"
	"github.com/fibratel/routerpilot/internal/server"
	"github.com/fibratel/routerpilot/internal/testutil"
	"github.com/fibratel/routerpilot/internal/ticket"
	"github.com/fibratel/routerpilot/internal/vault"
	"github.com/fibratel/routerpilot/pkg/models"
	"go.uber.org/zap"
)

// stubAdapter answers every call successfully without touching a network.
type stubAdapter struct{}

func (stubAdapter) Brand() models.Brand { return models.BrandMikroTik }
func (stubAdapter) GetStatus(context.Context) (*adapter.Status, error) {
	return &adapter.Status{CPUUsage: 7, MemoryUsage: 30, UptimeSeconds: 120}, nil
}
func (stubAdapter) Reboot(context.Context) error { return nil }
func (stubAdapter) CreatePPPoEClient(context.Context, adapter.PPPoEClient) error { return nil }
func (stubAdapter) DeletePPPoEClient(context.Context, string) error { return nil }
func (stubAdapter) SuspendClient(context.Context, string) error { return nil }
func (stubAdapter) ActivateClient(context.Context, string) error { return nil }
func (stubAdapter) SetBandwidthLimit(context.Context, string, int, int) error { return nil }
func (stubAdapter) TestConnection(context.Context) error { return nil }

type webHarness struct {
	handler http.Handler
	tickets *ticket.Service
	logs    oplog.Repository
}

func newWebHarness(t *testing.T) *webHarness {
	t.Helper()
	db := testutil.NewStore(t)
	ctx := context.Background()
	logger := zap.NewNop()

	if err := db.Migrate(ctx, "devices", devices.Migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Migrate(ctx, "bindings", bindings.Migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Migrate(ctx, "oplog", oplog.Migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Migrate(ctx, "ticket", ticket.Migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Migrate(ctx, "rules", rules.Migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Migrate(ctx, "notify", notify.Migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	v, err := vault.New("test-master-key")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	adapters := adapter.NewRegistry(logger)
	if err := adapters.Register(models.BrandMikroTik, func(adapter.Config, *zap.Logger) (adapter.Adapter, error) {
		return stubAdapter{}, nil
	}); err != nil {
		t.Fatalf("register factory: %v", err)
	}

	devRepo := devices.NewSQLiteRepository(db.DB())
	reg := devices.NewRegistry(devRepo, adapters, v, 0, false, logger)
	binds := bindings.NewSQLiteRepository(db.DB())
	logs := oplog.NewSQLiteRepository(db.DB())
	ctrl := control.NewService(reg, binds, logs, nil, 2, logger)

	clock := testutil.NewClock()
	tickets := ticket.NewService(ticket.NewSQLiteRepository(db, clock.Now), clock.Now, logger)
	in := intake.NewService(tickets, binds, nil, logger)

	srv := server.New("127.0.0.1:0", server.Deps{
		Registry:      reg,
		Control:       ctrl,
		Tickets:       tickets,
		Intake:        in,
		Logs:          logs,
		Rules:         rules.NewSQLiteRepository(db.DB()),
		Notifications: notify.NewSQLiteNotifier(db.DB(), logger),
	}, logger)

	return &webHarness{handler: srv.Handler(), tickets: tickets, logs: logs}
}

func (h *webHarness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:51234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h := newWebHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestCreateDeviceNeverEchoesCredentials(t *testing.T) {
	h := newWebHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/devices", map[string]any{
		"code":        "RTR-0100",
		"brand":       "mikrotik",
		"endpoint":    "https://10.0.0.100",
		"ip":          "10.0.0.100",
		"max_clients": 32,
		"username":    "api",
		"password":    "super-secret",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "super-secret") {
		t.Fatal("plaintext credential echoed in create response")
	}

	created := decode[models.Device](t, rec)
	if created.ID == "" {
		t.Fatal("device id not assigned")
	}

	get := h.do(t, http.MethodGet, "/api/v1/devices/"+created.ID, nil, nil)
	if get.Code != http.StatusOK {
		t.Fatalf("get status = %d", get.Code)
	}
	if strings.Contains(get.Body.String(), "super-secret") ||
		strings.Contains(get.Body.String(), "credentials") {
		t.Fatal("credentials visible on device read")
	}
}

func TestCreateDeviceValidation(t *testing.T) {
	h := newWebHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/devices", map[string]any{"code": "RTR-0100"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type = %q, want problem+json", ct)
	}
}

func TestRebootRecordsOperatorFromHeader(t *testing.T) {
	h := newWebHarness(t)

	create := h.do(t, http.MethodPost, "/api/v1/devices", map[string]any{
		"code": "RTR-0100", "brand": "mikrotik", "endpoint": "https://10.0.0.100",
		"ip": "10.0.0.100", "max_clients": 32, "username": "api", "password": "x",
	}, nil)
	d := decode[models.Device](t, create)

	rec := h.do(t, http.MethodPost, "/api/v1/devices/"+d.ID+"/reboot", nil,
		map[string]string{"X-Operator-ID": "tech-7"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	res := decode[control.Result](t, rec)
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}

	logs, err := h.logs.List(context.Background(), oplog.Filter{DeviceID: d.ID})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("got %d logs, want 1", len(logs))
	}
	if logs[0].OperatorID != "tech-7" {
		t.Fatalf("operator = %q, want tech-7", logs[0].OperatorID)
	}
	if logs[0].SourceIP != "192.0.2.10" {
		t.Fatalf("source ip = %q, want 192.0.2.10", logs[0].SourceIP)
	}
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	h := newWebHarness(t)

	create := h.do(t, http.MethodPost, "/api/v1/requests", map[string]any{
		"customer_id": "cust-1",
		"type":        "equipment_issue",
		"description": "router makes a clicking noise",
	}, nil)
	if create.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", create.Code, create.Body.String())
	}
	r := decode[models.ServiceRequest](t, create)
	if r.TicketNumber == "" {
		t.Fatal("ticket number missing")
	}

	assign := h.do(t, http.MethodPost, "/api/v1/requests/"+r.ID+"/assign",
		map[string]any{"technician_id": "tech-1"}, nil)
	if assign.Code != http.StatusOK {
		t.Fatalf("assign status = %d: %s", assign.Code, assign.Body.String())
	}

	complete := h.do(t, http.MethodPost, "/api/v1/requests/"+r.ID+"/complete",
		map[string]any{"notes": "replaced the unit"}, nil)
	if complete.Code != http.StatusOK {
		t.Fatalf("complete status = %d: %s", complete.Code, complete.Body.String())
	}
	done := decode[models.ServiceRequest](t, complete)
	if done.State != models.StateCompleted {
		t.Fatalf("state = %q, want completed", done.State)
	}

	// Completing twice is an illegal transition.
	again := h.do(t, http.MethodPost, "/api/v1/requests/"+r.ID+"/complete",
		map[string]any{"notes": "again"}, nil)
	if again.Code != http.StatusConflict {
		t.Fatalf("second complete status = %d, want 409", again.Code)
	}
}

func TestUnknownRequestIs404Problem(t *testing.T) {
	h := newWebHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/requests/ghost", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	p := decode[server.Problem](t, rec)
	if p.Type != server.ProblemTypeNotFound || p.Status != http.StatusNotFound {
		t.Fatalf("problem = %+v", p)
	}
}

func TestCreateRequestRejectsUnknownType(t *testing.T) {
	h := newWebHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/requests", map[string]any{
		"customer_id": "cust-1",
		"type":        "teleportation",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateRuleRejectsBadCron(t *testing.T) {
	h := newWebHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"name":         "nightly",
		"trigger_type": "schedule",
		"action":       "reboot",
		"scope":        "all",
		"cron_expr":    "whenever",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateAndDeactivateRule(t *testing.T) {
	h := newWebHarness(t)

	create := h.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"name":         "nightly reboot",
		"trigger_type": "schedule",
		"action":       "reboot",
		"scope":        "all",
		"cron_expr":    "0 3 * * *",
		"is_active":    true,
	}, nil)
	if create.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", create.Code, create.Body.String())
	}
	rule := decode[models.AutomationRule](t, create)

	deact := h.do(t, http.MethodPost, "/api/v1/rules/"+rule.ID+"/deactivate", nil, nil)
	if deact.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d", deact.Code)
	}

	del := h.do(t, http.MethodDelete, "/api/v1/rules/"+rule.ID, nil, nil)
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", del.Code)
	}
	if again := h.do(t, http.MethodDelete, "/api/v1/rules/"+rule.ID, nil, nil); again.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", again.Code)
	}
}

func TestListNotificationsRequiresUser(t *testing.T) {
	h := newWebHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/notifications", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
