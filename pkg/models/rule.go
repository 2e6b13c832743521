package models

import "time"

// TriggerType says when an automation rule fires.
type TriggerType string

const (
	TriggerSchedule  TriggerType = "schedule"
	TriggerThreshold TriggerType = "threshold"
)

// RuleAction names what an automation rule does when it fires.
type RuleAction string

const (
	RuleActionReboot          RuleAction = "reboot"
	RuleActionBandwidthAdjust RuleAction = "bandwidth_adjustment"
	RuleActionHealthCheck     RuleAction = "health_check"
)

// RuleScope selects which devices a rule applies to.
type RuleScope string

const (
	ScopeAllDevices RuleScope = "all"
	ScopeDeviceList RuleScope = "devices"
	ScopeZone       RuleScope = "zone"
	ScopeParentNode RuleScope = "parent_node"
)

// AutomationRule is a scheduled or threshold-triggered policy that invokes
// router control operations without direct operator action.
type AutomationRule struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	TriggerType      TriggerType    `json:"trigger_type"`
	TriggerCondition map[string]any `json:"trigger_condition,omitempty"`

	Action       RuleAction     `json:"action"`
	ActionConfig map[string]any `json:"action_config,omitempty"`

	Scope      RuleScope `json:"scope"`
	ScopeValue string    `json:"scope_value,omitempty"` // Zone name, parent node id, or CSV device ids.

	CronExpr      string     `json:"cron_expr,omitempty"`
	NextExecution *time.Time `json:"next_execution,omitempty"`
	LastExecution *time.Time `json:"last_execution,omitempty"`

	IsActive       bool `json:"is_active"`
	ExecutionCount int  `json:"execution_count"`
	SuccessCount   int  `json:"success_count"`
	FailureCount   int  `json:"failure_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
