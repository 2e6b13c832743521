package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fibratel/routerpilot/internal/bindings"
	"github.com/fibratel/routerpilot/internal/control"
	"github.com/fibratel/routerpilot/internal/devices"
	"github.com/fibratel/routerpilot/pkg/models"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultCooldown spaces out repeated firings of a threshold rule so one
// sustained spike does not reboot a device every sweep.
const DefaultCooldown = 15 * time.Minute

// Scheduler periodically evaluates automation rules and fires their
// actions through the control service.
type Scheduler struct {
	repo     Repository
	devices  devices.Repository
	bindings bindings.Repository
	control  *control.Service
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewScheduler(
	repo Repository,
	devs devices.Repository,
	binds bindings.Repository,
	ctrl *control.Service,
	interval time.Duration,
	logger *zap.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		repo:     repo,
		devices:  devs,
		bindings: binds,
		control:  ctrl,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// NextAfter computes a rule's next firing time from its cron expression.
// Standard five-field cron syntax.
func NextAfter(expr string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched.Next(after), nil
}

// Run evaluates due rules until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one evaluation pass over all due rules.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now().UTC()
	due, err := s.repo.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("list due rules", zap.Error(err))
		return
	}

	for i := range due {
		rule := &due[i]
		switch rule.TriggerType {
		case models.TriggerSchedule:
			s.evalScheduled(ctx, rule, now)
		case models.TriggerThreshold:
			s.evalThreshold(ctx, rule, now)
		default:
			s.logger.Warn("rule has unknown trigger type, deactivating",
				zap.String("rule_id", rule.ID),
				zap.String("trigger", string(rule.TriggerType)),
			)
			if err := s.repo.SetActive(ctx, rule.ID, false); err != nil {
				s.logger.Error("deactivate rule", zap.Error(err))
			}
		}
	}
}

// evalScheduled fires a cron rule that is due. A rule never planned yet
// gets its first next_execution computed without firing.
func (s *Scheduler) evalScheduled(ctx context.Context, rule *models.AutomationRule, now time.Time) {
	next, err := NextAfter(rule.CronExpr, now)
	if err != nil {
		s.logger.Error("rule has invalid cron expression, deactivating",
			zap.String("rule_id", rule.ID),
			zap.String("cron", rule.CronExpr),
			zap.Error(err),
		)
		if err := s.repo.SetActive(ctx, rule.ID, false); err != nil {
			s.logger.Error("deactivate rule", zap.Error(err))
		}
		return
	}

	if rule.NextExecution == nil {
		rule.NextExecution = &next
		if err := s.repo.Update(ctx, rule); err != nil {
			s.logger.Error("plan rule", zap.String("rule_id", rule.ID), zap.Error(err))
		}
		return
	}

	targets, err := s.resolveScope(ctx, rule)
	if err != nil {
		s.logger.Error("resolve rule scope", zap.String("rule_id", rule.ID), zap.Error(err))
		return
	}
	ok := s.fire(ctx, rule, targets)
	if err := s.repo.RecordExecution(ctx, rule.ID, ok, now, &next); err != nil {
		s.logger.Error("record rule execution", zap.String("rule_id", rule.ID), zap.Error(err))
	}
}

// evalThreshold fires on devices whose live metrics violate the rule's
// condition, then backs off for the cooldown.
func (s *Scheduler) evalThreshold(ctx context.Context, rule *models.AutomationRule, now time.Time) {
	targets, err := s.resolveScope(ctx, rule)
	if err != nil {
		s.logger.Error("resolve rule scope", zap.String("rule_id", rule.ID), zap.Error(err))
		return
	}

	var matched []models.Device
	for _, d := range targets {
		if conditionHolds(rule.TriggerCondition, d) {
			matched = append(matched, d)
		}
	}
	if len(matched) == 0 {
		// Nothing to do, not an execution. Re-check next sweep.
		return
	}

	ok := s.fire(ctx, rule, matched)
	next := now.Add(s.cooldown(rule))
	if err := s.repo.RecordExecution(ctx, rule.ID, ok, now, &next); err != nil {
		s.logger.Error("record rule execution", zap.String("rule_id", rule.ID), zap.Error(err))
	}
}

func (s *Scheduler) cooldown(rule *models.AutomationRule) time.Duration {
	if v, ok := rule.ActionConfig["cooldown_minutes"].(float64); ok && v > 0 {
		return time.Duration(v) * time.Minute
	}
	return DefaultCooldown
}

// conditionHolds evaluates a threshold predicate of the form
// {"metric": "cpu_usage", "operator": ">", "value": 90} against a device.
func conditionHolds(cond map[string]any, d models.Device) bool {
	metric, _ := cond["metric"].(string)
	op, _ := cond["operator"].(string)
	threshold, ok := cond["value"].(float64)
	if !ok {
		return false
	}

	var v float64
	switch metric {
	case "cpu_usage":
		v = d.Metrics.CPUUsage
	case "memory_usage":
		v = d.Metrics.MemoryUsage
	case "signal_quality":
		v = d.Metrics.SignalQuality
	case "bandwidth_usage":
		v = d.Metrics.BandwidthUsage
	case "connected_clients":
		v = float64(d.ConnectedClients)
	default:
		return false
	}

	switch op {
	case ">", "gt":
		return v > threshold
	case ">=", "gte":
		return v >= threshold
	case "<", "lt":
		return v < threshold
	case "<=", "lte":
		return v <= threshold
	default:
		return false
	}
}

// resolveScope expands a rule's scope into the concrete device list. Every
// scope except an explicit device list considers active devices only.
func (s *Scheduler) resolveScope(ctx context.Context, rule *models.AutomationRule) ([]models.Device, error) {
	switch rule.Scope {
	case models.ScopeAllDevices:
		return s.devices.List(ctx, devices.Filter{Status: models.DeviceStatusActive})
	case models.ScopeZone:
		return s.devices.List(ctx, devices.Filter{
			Status: models.DeviceStatusActive,
			Zone:   rule.ScopeValue,
		})
	case models.ScopeParentNode:
		return s.devices.List(ctx, devices.Filter{
			Status:       models.DeviceStatusActive,
			ParentNodeID: rule.ScopeValue,
		})
	case models.ScopeDeviceList:
		var out []models.Device
		for _, id := range splitCSV(rule.ScopeValue) {
			d, err := s.devices.Get(ctx, id)
			if err != nil {
				s.logger.Warn("rule references unknown device",
					zap.String("rule_id", rule.ID),
					zap.String("device_id", id),
				)
				continue
			}
			out = append(out, *d)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown rule scope %q", rule.Scope)
	}
}

// fire runs the rule's action on each target. Reports success only when
// every invocation succeeded.
func (s *Scheduler) fire(ctx context.Context, rule *models.AutomationRule, targets []models.Device) bool {
	origin := control.Origin{
		OperatorID:       "system",
		AutomationRuleID: rule.ID,
	}
	allOK := true
	for _, d := range targets {
		var res control.Result
		switch rule.Action {
		case models.RuleActionReboot:
			res = s.control.Reboot(ctx, d.ID, origin)
		case models.RuleActionHealthCheck:
			res = s.control.CheckStatus(ctx, d.ID, origin)
		case models.RuleActionBandwidthAdjust:
			res = s.adjustDeviceBandwidth(ctx, rule, d, origin)
		default:
			s.logger.Warn("rule has unknown action",
				zap.String("rule_id", rule.ID),
				zap.String("action", string(rule.Action)),
			)
			return false
		}
		if !res.Success {
			allOK = false
			s.logger.Warn("rule action failed",
				zap.String("rule_id", rule.ID),
				zap.String("device_id", d.ID),
				zap.String("action", string(rule.Action)),
				zap.String("error", res.Error),
			)
		}
	}
	s.logger.Info("rule fired",
		zap.String("rule_id", rule.ID),
		zap.String("name", rule.Name),
		zap.Int("targets", len(targets)),
		zap.Bool("all_ok", allOK),
	)
	return allOK
}

// adjustDeviceBandwidth applies the configured limits to every active
// binding on the device.
func (s *Scheduler) adjustDeviceBandwidth(ctx context.Context, rule *models.AutomationRule, d models.Device, origin control.Origin) control.Result {
	down, dok := rule.ActionConfig["download_mbps"].(float64)
	up, uok := rule.ActionConfig["upload_mbps"].(float64)
	if !dok || !uok || down <= 0 || up <= 0 {
		return control.Result{Error: "rule action_config missing download_mbps/upload_mbps"}
	}

	bs, err := s.bindings.ListByDevice(ctx, d.ID)
	if err != nil {
		return control.Result{Error: err.Error()}
	}
	out := control.Result{Success: true, Message: "no active bindings"}
	for _, b := range bs {
		if b.Status != models.BindingStatusActive {
			continue
		}
		res := s.control.AdjustBandwidth(ctx, d.ID, b.CustomerID, int(down), int(up), origin)
		if !res.Success {
			return res
		}
		out = res
	}
	return out
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
