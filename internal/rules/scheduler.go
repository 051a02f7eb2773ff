package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"smarthome-hub/internal/store"

	"github.com/robfig/cron/v3"
)

// DefaultTick is how often the scheduler evaluates time_based rules.
const DefaultTick = 60 * time.Second

// ScheduleStore loads the time_based rules across all users.
type ScheduleStore interface {
	ListEnabledScheduledRules(ctx context.Context) ([]store.AutomationRule, error)
}

// DueChecker decides whether a cron expression is due at a given
// instant. The default is a tolerance-window match; an edge-triggered
// implementation can be swapped in without touching the scheduler.
type DueChecker interface {
	Due(expr string, now time.Time) bool
}

// ToleranceDue is an approximate cron match, not an exact scheduler: an
// expression is due when its next fire time after (now - tick) falls
// within one tolerance window of now. It accepts exact hits and
// near-misses alike, and a window that stays open across several ticks
// can fire the same instant more than once.
type ToleranceDue struct {
	Tick      time.Duration
	Tolerance time.Duration
}

func (t ToleranceDue) Due(expr string, now time.Time) bool {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		slog.Warn("invalid cron expression in scheduled rule", "cron", expr, "error", err)
		return false
	}
	next := sched.Next(now.Add(-t.Tick))
	return !next.After(now.Add(t.Tolerance))
}

// Scheduler fires time_based rules on a fixed tick, independent of any
// device event. Dispatches are issued without blocking the tick loop, so
// a slow publish never delays the next evaluation round.
type Scheduler struct {
	rules ScheduleStore
	disp  CommandSender
	due   DueChecker
	tick  time.Duration
	now   func() time.Time
}

func NewScheduler(rules ScheduleStore, disp CommandSender, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		rules: rules,
		disp:  disp,
		due:   ToleranceDue{Tick: tick, Tolerance: tick},
		tick:  tick,
		now:   time.Now,
	}
}

// Start runs the tick loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(s.tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.runTick(ctx)
			}
		}
	}()
}

func (s *Scheduler) runTick(ctx context.Context) {
	rows, err := s.rules.ListEnabledScheduledRules(ctx)
	if err != nil {
		slog.Warn("loading scheduled rules failed", "error", err)
		return
	}
	now := s.now()
	for _, rule := range rows {
		due, err := s.ruleDue(rule, now)
		if err != nil {
			slog.Warn("scheduled rule skipped", "rule_id", rule.ID, "rule", rule.RuleName, "error", err)
			continue
		}
		if !due {
			continue
		}
		cmd, err := CommandFromRule(rule)
		if err != nil {
			slog.Warn("scheduled rule skipped", "rule_id", rule.ID, "rule", rule.RuleName, "error", err)
			continue
		}
		slog.Info("scheduled rule fired", "rule_id", rule.ID, "rule", rule.RuleName,
			"target_device_id", rule.TargetDeviceID)
		go func() {
			if err := s.disp.Send(ctx, cmd); err != nil {
				slog.Warn("scheduled dispatch failed", "device_id", cmd.DeviceID, "error", err)
			}
		}()
	}
}

func (s *Scheduler) ruleDue(rule store.AutomationRule, now time.Time) (bool, error) {
	var cond ScheduleCondition
	if err := json.Unmarshal(rule.TriggerCondition, &cond); err != nil {
		return false, fmt.Errorf("invalid trigger condition: %w", err)
	}
	switch cond.Type {
	case ScheduleTimeRange:
		return timeInRange(now, cond.StartTime, cond.EndTime)
	case ScheduleCron:
		if cond.Cron == "" {
			return false, fmt.Errorf("empty cron expression")
		}
		return s.due.Due(cond.Cron, now), nil
	default:
		return false, fmt.Errorf("unknown schedule type: %q", cond.Type)
	}
}

// timeInRange compares the local time-of-day against [start, end] in
// HH:MM form. A start later than the end means the window crosses
// midnight: 22:00-06:00 covers 23:30 and 05:00 but not 12:00.
func timeInRange(now time.Time, startHHMM, endHHMM string) (bool, error) {
	start, err := time.Parse("15:04", startHHMM)
	if err != nil {
		return false, fmt.Errorf("invalid start_time %q: %w", startHHMM, err)
	}
	end, err := time.Parse("15:04", endHHMM)
	if err != nil {
		return false, fmt.Errorf("invalid end_time %q: %w", endHHMM, err)
	}

	cur := now.Hour()*60 + now.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()

	if s <= e {
		return cur >= s && cur <= e, nil
	}
	return cur >= s || cur <= e, nil
}
