package control_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fibratel/routerpilot/internal/adapter"
	"github.com/fibratel/routerpilot/internal/bindings"
	"github.com/fibratel/routerpilot/internal/control"
	"github.com/fibratel/routerpilot/internal/devices"
	"github.com/fibratel/routerpilot/internal/oplog"
	"github.com/fibratel/routerpilot/internal/testutil"
	"github.com/fibratel/routerpilot/internal/vault"
	"github.com/fibratel/routerpilot/pkg/models"
	"go.uber.org/zap"
)

// fakeAdapter counts calls and fails on demand. No network involved.
type fakeAdapter struct {
	rebootErr   error
	statusErr   error
	status      adapter.Status
	rebooted    int
	suspended   []string
	activated   []string
	created     []adapter.PPPoEClient
	deleted     []string
	limits      map[string][2]int
	sawPassword string
}

func (f *fakeAdapter) Brand() models.Brand { return models.BrandMikroTik }

func (f *fakeAdapter) GetStatus(ctx context.Context) (*adapter.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := f.status
	return &st, nil
}

func (f *fakeAdapter) Reboot(ctx context.Context) error {
	if f.rebootErr != nil {
		return f.rebootErr
	}
	f.rebooted++
	return nil
}

func (f *fakeAdapter) CreatePPPoEClient(ctx context.Context, c adapter.PPPoEClient) error {
	f.created = append(f.created, c)
	return nil
}

func (f *fakeAdapter) DeletePPPoEClient(ctx context.Context, username string) error {
	f.deleted = append(f.deleted, username)
	return nil
}

func (f *fakeAdapter) SuspendClient(ctx context.Context, username string) error {
	f.suspended = append(f.suspended, username)
	return nil
}

func (f *fakeAdapter) ActivateClient(ctx context.Context, username string) error {
	f.activated = append(f.activated, username)
	return nil
}

func (f *fakeAdapter) SetBandwidthLimit(ctx context.Context, username string, down, up int) error {
	if f.limits == nil {
		f.limits = make(map[string][2]int)
	}
	f.limits[username] = [2]int{down, up}
	return nil
}

func (f *fakeAdapter) TestConnection(ctx context.Context) error { return nil }

var _ adapter.Adapter = (*fakeAdapter)(nil)

type harness struct {
	svc     *control.Service
	fake    *fakeAdapter
	devRepo devices.Repository
	binds   bindings.Repository
	logs    oplog.Repository
	device  models.Device
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewStore(t)
	ctx := context.Background()
	if err := db.Migrate(ctx, "devices", devices.Migrations); err != nil {
		t.Fatalf("migrate devices: %v", err)
	}
	if err := db.Migrate(ctx, "bindings", bindings.Migrations); err != nil {
		t.Fatalf("migrate bindings: %v", err)
	}
	if err := db.Migrate(ctx, "oplog", oplog.Migrations); err != nil {
		t.Fatalf("migrate oplog: %v", err)
	}

	logger := zap.NewNop()
	v, err := vault.New("test-master-key")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	fake := &fakeAdapter{status: adapter.Status{CPUUsage: 21, MemoryUsage: 34, UptimeSeconds: 600, ConnectedClients: 3}}
	adapters := adapter.NewRegistry(logger)
	if err := adapters.Register(models.BrandMikroTik, func(cfg adapter.Config, _ *zap.Logger) (adapter.Adapter, error) {
		fake.sawPassword = cfg.Credentials.Password
		return fake, nil
	}); err != nil {
		t.Fatalf("register fake factory: %v", err)
	}

	devRepo := devices.NewSQLiteRepository(db.DB())
	reg := devices.NewRegistry(devRepo, adapters, v, 0, false, logger)
	binds := bindings.NewSQLiteRepository(db.DB())
	logs := oplog.NewSQLiteRepository(db.DB())

	d := testutil.NewDevice()
	if err := reg.CreateDevice(ctx, &d, adapter.Credentials{Username: "api", Password: "s3cret"}); err != nil {
		t.Fatalf("create device: %v", err)
	}

	return &harness{
		svc:     control.NewService(reg, binds, logs, nil, 2, logger),
		fake:    fake,
		devRepo: devRepo,
		binds:   binds,
		logs:    logs,
		device:  d,
	}
}

func (h *harness) lastLog(t *testing.T) models.OperationLog {
	t.Helper()
	rows, err := h.logs.List(context.Background(), oplog.Filter{DeviceID: h.device.ID, Limit: 1})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("expected at least one operation log")
	}
	return rows[0]
}

func TestRebootLogsSuccessAndStampsDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.svc.Reboot(ctx, h.device.ID, control.Origin{OperatorID: "tech-1", SourceIP: "10.9.0.5"})
	if !res.Success {
		t.Fatalf("reboot failed: %s", res.Error)
	}
	if h.fake.rebooted != 1 {
		t.Fatalf("rebooted = %d, want 1", h.fake.rebooted)
	}
	if h.fake.sawPassword != "s3cret" {
		t.Fatalf("adapter got password %q, want unsealed secret", h.fake.sawPassword)
	}

	got, err := h.devRepo.Get(ctx, h.device.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if got.LastReboot == nil {
		t.Fatal("last_reboot not stamped")
	}

	l := h.lastLog(t)
	if l.Status != models.OperationSuccess {
		t.Fatalf("log status = %q, want success", l.Status)
	}
	if l.Action != models.ActionReboot {
		t.Fatalf("log action = %q, want %q", l.Action, models.ActionReboot)
	}
	if l.OperatorID != "tech-1" || l.SourceIP != "10.9.0.5" {
		t.Fatalf("origin not persisted: %q %q", l.OperatorID, l.SourceIP)
	}
	if l.MetricsBefore == nil {
		t.Fatal("before-metrics missing from log")
	}
}

func TestUnsupportedBrandFailsFastWithoutLog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := testutil.NewDevice(testutil.WithCode("RTR-0099"), testutil.WithBrand(models.Brand("juniper")))
	d.Credentials = h.device.Credentials
	if err := h.devRepo.Create(ctx, &d); err != nil {
		t.Fatalf("create device: %v", err)
	}

	res := h.svc.Reboot(ctx, d.ID, control.Origin{OperatorID: "tech-1"})
	if res.Success {
		t.Fatal("expected failure for unsupported brand")
	}

	rows, err := h.logs.List(ctx, oplog.Filter{DeviceID: d.ID})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("got %d log rows, want none before any network attempt", len(rows))
	}
}

func TestCheckStatusRecordsMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.svc.CheckStatus(ctx, h.device.ID, control.Origin{OperatorID: "tech-1"})
	if !res.Success {
		t.Fatalf("check status failed: %s", res.Error)
	}

	got, err := h.devRepo.Get(ctx, h.device.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if got.Metrics.CPUUsage != 21 || got.Metrics.MemoryUsage != 34 {
		t.Fatalf("live metrics = %+v, want cpu 21 mem 34", got.Metrics)
	}
	if got.LastHealthCheck == nil {
		t.Fatal("last_health_check not stamped")
	}

	l := h.lastLog(t)
	if l.MetricsAfter == nil || l.MetricsAfter.CPUUsage != 21 {
		t.Fatalf("after-metrics = %+v, want cpu 21", l.MetricsAfter)
	}
}

func TestRebootFailureMarksDeviceError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.rebootErr = &adapter.ConnectionError{Op: "reboot", Err: errors.New("connection refused")}

	res := h.svc.Reboot(ctx, h.device.ID, control.Origin{OperatorID: "tech-1"})
	if res.Success {
		t.Fatal("expected reboot failure")
	}

	got, err := h.devRepo.Get(ctx, h.device.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if got.Status != models.DeviceStatusError {
		t.Fatalf("device status = %q, want error", got.Status)
	}

	l := h.lastLog(t)
	if l.Status != models.OperationFailed {
		t.Fatalf("log status = %q, want failed", l.Status)
	}
	if l.ErrorMessage == "" {
		t.Fatal("error message not captured")
	}
}

func TestTimeoutErrorGetsTimeoutStatus(t *testing.T) {
	h := newHarness(t)
	h.fake.rebootErr = &adapter.TimeoutError{Op: "reboot", After: 15 * time.Second}

	res := h.svc.Reboot(context.Background(), h.device.ID, control.Origin{OperatorID: "tech-1"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if l := h.lastLog(t); l.Status != models.OperationTimeout {
		t.Fatalf("log status = %q, want timeout", l.Status)
	}
}

func TestAssignCustomerProvisionsAndBinds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := testutil.NewBinding("", testutil.WithCustomer("cust-7"), testutil.WithPPPoE("cust7@isp"))
	res := h.svc.AssignCustomer(ctx, h.device.ID, b, "pppoe-secret", control.Origin{OperatorID: "tech-1"})
	if !res.Success {
		t.Fatalf("assign failed: %s", res.Error)
	}

	if len(h.fake.created) != 1 || h.fake.created[0].Username != "cust7@isp" {
		t.Fatalf("pppoe account not provisioned: %+v", h.fake.created)
	}
	if h.fake.created[0].Secret != "pppoe-secret" {
		t.Fatal("pppoe secret not passed to adapter")
	}

	stored, err := h.binds.Find(ctx, h.device.ID, "cust-7")
	if err != nil {
		t.Fatalf("find binding: %v", err)
	}
	if stored.PPPoEUsername != "cust7@isp" {
		t.Fatalf("binding username = %q", stored.PPPoEUsername)
	}

	d, err := h.devRepo.Get(ctx, h.device.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if d.ConnectedClients != h.device.ConnectedClients+1 {
		t.Fatalf("connected_clients = %d, want %d", d.ConnectedClients, h.device.ConnectedClients+1)
	}

	// The scrubbed log payload must not carry the secret anywhere.
	l := h.lastLog(t)
	for k, v := range l.RequestPayload {
		if s, ok := v.(string); ok && s == "pppoe-secret" {
			t.Fatalf("secret leaked into log payload under %q", k)
		}
	}
}

func TestAssignAtCapacityFailsBeforeAdapter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := testutil.NewDevice(testutil.WithCode("RTR-0050"), testutil.WithCapacity(1, 1))
	d.Credentials = h.device.Credentials
	if err := h.devRepo.Create(ctx, &d); err != nil {
		t.Fatalf("create device: %v", err)
	}

	b := testutil.NewBinding("", testutil.WithCustomer("cust-8"))
	res := h.svc.AssignCustomer(ctx, d.ID, b, "x", control.Origin{OperatorID: "tech-1"})
	if res.Success {
		t.Fatal("expected capacity failure")
	}
	if len(h.fake.created) != 0 {
		t.Fatal("adapter called despite full device")
	}
}

func TestSuspendCustomerUpdatesBinding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := testutil.NewBinding(h.device.ID, testutil.WithCustomer("cust-9"), testutil.WithPPPoE("cust9@isp"))
	if err := h.binds.Create(ctx, &b); err != nil {
		t.Fatalf("create binding: %v", err)
	}

	res := h.svc.SuspendCustomer(ctx, h.device.ID, "cust-9", control.Origin{OperatorID: "tech-1"})
	if !res.Success {
		t.Fatalf("suspend failed: %s", res.Error)
	}
	if len(h.fake.suspended) != 1 || h.fake.suspended[0] != "cust9@isp" {
		t.Fatalf("suspended = %v, want [cust9@isp]", h.fake.suspended)
	}

	got, err := h.binds.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get binding: %v", err)
	}
	if got.Status != models.BindingStatusSuspended {
		t.Fatalf("binding status = %q, want suspended", got.Status)
	}
}

func TestAdjustBandwidthWithoutBindingFailsLogged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.svc.AdjustBandwidth(ctx, h.device.ID, "nobody", 50, 10, control.Origin{OperatorID: "tech-1"})
	if res.Success {
		t.Fatal("expected failure for missing binding")
	}
	if l := h.lastLog(t); l.Status != models.OperationFailed {
		t.Fatalf("log status = %q, want failed", l.Status)
	}
}

func TestRemoveCustomerSoftDeletesAndDecrements(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := testutil.NewBinding("", testutil.WithCustomer("cust-11"), testutil.WithPPPoE("cust11@isp"))
	if res := h.svc.AssignCustomer(ctx, h.device.ID, b, "x", control.Origin{OperatorID: "tech-1"}); !res.Success {
		t.Fatalf("assign failed: %s", res.Error)
	}

	res := h.svc.RemoveCustomer(ctx, h.device.ID, "cust-11", control.Origin{OperatorID: "tech-1"})
	if !res.Success {
		t.Fatalf("remove failed: %s", res.Error)
	}
	if len(h.fake.deleted) != 1 || h.fake.deleted[0] != "cust11@isp" {
		t.Fatalf("deleted = %v, want [cust11@isp]", h.fake.deleted)
	}
	if _, err := h.binds.Find(ctx, h.device.ID, "cust-11"); err == nil {
		t.Fatal("binding still visible after removal")
	}

	d, err := h.devRepo.Get(ctx, h.device.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if d.ConnectedClients != h.device.ConnectedClients {
		t.Fatalf("connected_clients = %d, want back to %d", d.ConnectedClients, h.device.ConnectedClients)
	}
}

func TestHealthCheckAllSweepsMonitoredDevices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d2 := testutil.NewDevice(testutil.WithCode("RTR-0002"))
	d2.Endpoint = "https://10.0.0.2"
	d2.Credentials = h.device.Credentials
	if err := h.devRepo.Create(ctx, &d2); err != nil {
		t.Fatalf("create device: %v", err)
	}
	down := testutil.NewDevice(testutil.WithCode("RTR-0003"), testutil.WithStatus(models.DeviceStatusOffline))
	down.Credentials = h.device.Credentials
	if err := h.devRepo.Create(ctx, &down); err != nil {
		t.Fatalf("create device: %v", err)
	}
	maint := testutil.NewDevice(testutil.WithCode("RTR-0004"), testutil.WithStatus(models.DeviceStatusMaintenance))
	maint.Credentials = h.device.Credentials
	if err := h.devRepo.Create(ctx, &maint); err != nil {
		t.Fatalf("create device: %v", err)
	}

	results := h.svc.HealthCheckAll(ctx)
	if len(results) != 3 {
		t.Fatalf("swept %d devices, want 3", len(results))
	}
	for id, res := range results {
		if !res.Success {
			t.Errorf("device %s sweep failed: %s", id, res.Error)
		}
	}
	if _, ok := results[maint.ID]; ok {
		t.Fatal("maintenance device included in sweep")
	}

	// A responsive offline device comes back to active on the same sweep.
	got, err := h.devRepo.Get(ctx, down.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if got.Status != models.DeviceStatusActive {
		t.Errorf("offline device status after sweep = %s, want active", got.Status)
	}
}

func TestHealthSweepRecoversErrorDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A failed reboot drops the device into error.
	h.fake.rebootErr = errors.New("power supply fault")
	h.svc.Reboot(ctx, h.device.ID, control.Origin{OperatorID: "tech-1"})
	got, err := h.devRepo.Get(ctx, h.device.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if got.Status != models.DeviceStatusError {
		t.Fatalf("status after failed reboot = %s, want error", got.Status)
	}

	// The next sweep still visits the device and, with the fault cleared,
	// moves it back to active.
	h.fake.rebootErr = nil
	results := h.svc.HealthCheckAll(ctx)
	res, ok := results[h.device.ID]
	if !ok {
		t.Fatal("error device excluded from sweep")
	}
	if !res.Success {
		t.Fatalf("sweep result: %s", res.Error)
	}
	got, err = h.devRepo.Get(ctx, h.device.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if got.Status != models.DeviceStatusActive {
		t.Errorf("status after sweep = %s, want active", got.Status)
	}
}
