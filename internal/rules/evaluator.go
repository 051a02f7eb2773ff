package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"smarthome-hub/internal/dispatch"
	"smarthome-hub/internal/protocol"
	"smarthome-hub/internal/store"
)

// RuleStore loads rule definitions. Rules are created and edited by the
// management API; the evaluator only ever reads enabled ones.
type RuleStore interface {
	ListEnabledStatusRules(ctx context.Context, userID string) ([]store.AutomationRule, error)
}

// Liveness answers whether a rule's target is reachable.
type Liveness interface {
	IsOnline(ctx context.Context, deviceID string) bool
}

// CommandSender hands a built command to the dispatcher.
type CommandSender interface {
	Send(ctx context.Context, cmd dispatch.OutboundCommand) error
}

// Evaluator decides which device_status rules fire for a reported status
// and builds the resulting commands. Rules fire independently: there is
// no ordering between them and a failure in one never aborts the rest.
type Evaluator struct {
	rules RuleStore
	live  Liveness
	disp  CommandSender
}

func NewEvaluator(rules RuleStore, live Liveness, disp CommandSender) *Evaluator {
	return &Evaluator{rules: rules, live: live, disp: disp}
}

// CheckAndTrigger evaluates every enabled device_status rule of the user
// against one reported status.
func (e *Evaluator) CheckAndTrigger(ctx context.Context, userID, deviceID, deviceType string, status map[string]any) {
	rows, err := e.rules.ListEnabledStatusRules(ctx, userID)
	if err != nil {
		slog.Warn("loading automation rules failed", "user_id", userID, "error", err)
		return
	}

	for _, rule := range rows {
		if err := e.evaluateRule(ctx, rule, deviceID, deviceType, status); err != nil {
			// Isolated per rule; the remaining rules still run.
			slog.Warn("automation rule failed", "rule_id", rule.ID, "rule", rule.RuleName, "error", err)
		}
	}
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule store.AutomationRule, deviceID, deviceType string, status map[string]any) error {
	var cond StatusCondition
	if err := json.Unmarshal(rule.TriggerCondition, &cond); err != nil {
		return fmt.Errorf("invalid trigger condition: %w", err)
	}
	if !cond.MatchesDevice(deviceID, deviceType) {
		return nil
	}
	if !cond.Holds(status) {
		return nil
	}

	if !e.live.IsOnline(ctx, rule.TargetDeviceID) {
		// Rules never queue for later delivery.
		slog.Warn("automation rule skipped, target offline",
			"rule_id", rule.ID, "rule", rule.RuleName, "target_device_id", rule.TargetDeviceID)
		return nil
	}

	cmd, err := CommandFromRule(rule)
	if err != nil {
		return err
	}
	slog.Info("automation rule fired",
		"rule_id", rule.ID, "rule", rule.RuleName,
		"device_id", deviceID, "target_device_id", rule.TargetDeviceID)
	return e.disp.Send(ctx, cmd)
}

// CommandFromRule builds the outbound command a rule issues when it
// fires. The scheduler uses it too: a scheduled rule carries its own
// user id since there is no live event to take it from.
func CommandFromRule(rule store.AutomationRule) (dispatch.OutboundCommand, error) {
	var params map[string]any
	if len(rule.CommandParams) > 0 {
		if err := json.Unmarshal(rule.CommandParams, &params); err != nil {
			return dispatch.OutboundCommand{}, fmt.Errorf("invalid command parameters: %w", err)
		}
	}
	return dispatch.OutboundCommand{
		UserID:     rule.UserID,
		DeviceType: rule.TargetDeviceType,
		DeviceID:   rule.TargetDeviceID,
		Command:    protocol.Command{Type: rule.CommandType, Parameters: params},
	}, nil
}
