package rules_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fibratel/routerpilot/internal/rules"
	"github.com/fibratel/routerpilot/internal/testutil"
	"github.com/fibratel/routerpilot/pkg/models"
)

func newRepo(t *testing.T) *rules.SQLiteRepository {
	t.Helper()
	db := testutil.MigratedStore(t, "rules", rules.Migrations)
	return rules.NewSQLiteRepository(db.DB())
}

func nightlyReboot() *models.AutomationRule {
	return &models.AutomationRule{
		Name:        "nightly reboot",
		TriggerType: models.TriggerSchedule,
		Action:      models.RuleActionReboot,
		Scope:       models.ScopeAllDevices,
		CronExpr:    "0 3 * * *",
		IsActive:    true,
	}
}

func TestCreateAndGetRoundTripsJSONFields(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	rule := &models.AutomationRule{
		Name:             "cpu guard",
		TriggerType:      models.TriggerThreshold,
		TriggerCondition: map[string]any{"metric": "cpu_usage", "operator": ">", "value": 90.0},
		Action:           models.RuleActionHealthCheck,
		ActionConfig:     map[string]any{"cooldown_minutes": 5.0},
		Scope:            models.ScopeZone,
		ScopeValue:       "north",
		IsActive:         true,
	}
	if err := repo.Create(ctx, rule); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TriggerCondition["metric"] != "cpu_usage" {
		t.Fatalf("trigger condition = %v", got.TriggerCondition)
	}
	if got.TriggerCondition["value"] != 90.0 {
		t.Fatalf("trigger value = %v (%T)", got.TriggerCondition["value"], got.TriggerCondition["value"])
	}
	if got.ActionConfig["cooldown_minutes"] != 5.0 {
		t.Fatalf("action config = %v", got.ActionConfig)
	}
	if got.ScopeValue != "north" {
		t.Fatalf("scope value = %q", got.ScopeValue)
	}
}

func TestGetUnknownRule(t *testing.T) {
	repo := newRepo(t)
	if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, rules.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDueSkipsInactiveAndFuture(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	unplanned := nightlyReboot()
	if err := repo.Create(ctx, unplanned); err != nil {
		t.Fatalf("create: %v", err)
	}

	past := now.Add(-time.Hour)
	due := nightlyReboot()
	due.Name = "due"
	due.NextExecution = &past
	if err := repo.Create(ctx, due); err != nil {
		t.Fatalf("create: %v", err)
	}

	future := now.Add(time.Hour)
	later := nightlyReboot()
	later.Name = "later"
	later.NextExecution = &future
	if err := repo.Create(ctx, later); err != nil {
		t.Fatalf("create: %v", err)
	}

	off := nightlyReboot()
	off.Name = "off"
	off.IsActive = false
	if err := repo.Create(ctx, off); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d due rules, want 2 (unplanned + past)", len(got))
	}
	for _, r := range got {
		if r.Name == "later" || r.Name == "off" {
			t.Fatalf("rule %q should not be due", r.Name)
		}
	}
}

func TestRecordExecutionBumpsCounters(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	rule := nightlyReboot()
	if err := repo.Create(ctx, rule); err != nil {
		t.Fatalf("create: %v", err)
	}

	last := time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC)
	next := last.Add(24 * time.Hour)
	if err := repo.RecordExecution(ctx, rule.ID, true, last, &next); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if err := repo.RecordExecution(ctx, rule.ID, false, last.Add(24*time.Hour), &next); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	got, err := repo.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExecutionCount != 2 || got.SuccessCount != 1 || got.FailureCount != 1 {
		t.Fatalf("counters = %d/%d/%d, want 2/1/1",
			got.ExecutionCount, got.SuccessCount, got.FailureCount)
	}
	if got.LastExecution == nil || got.NextExecution == nil {
		t.Fatal("execution timestamps not recorded")
	}
}

func TestSetActiveAndDelete(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	rule := nightlyReboot()
	if err := repo.Create(ctx, rule); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.SetActive(ctx, rule.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, err := repo.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IsActive {
		t.Fatal("rule still active")
	}

	if err := repo.Delete(ctx, rule.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, rule.ID); !errors.Is(err, rules.ErrNotFound) {
		t.Fatalf("err after delete = %v, want ErrNotFound", err)
	}
}
