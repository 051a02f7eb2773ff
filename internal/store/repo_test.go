package store

import (
	"context"
	"strings"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func seedRule(t *testing.T, repo *Repo, userID, triggerType string, enabled bool) *AutomationRule {
	t.Helper()
	rule := &AutomationRule{
		UserID:           userID,
		RuleName:         "rule",
		TriggerType:      triggerType,
		TriggerCondition: datatypes.JSON([]byte(`{}`)),
		TargetDeviceID:   "dev-1",
		CommandType:      "set_power",
		Enabled:          enabled,
	}
	if err := repo.CreateRule(context.Background(), rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func TestListEnabledStatusRules_ExcludesDisabled(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	enabled := seedRule(t, repo, "user-1", TriggerTypeDeviceStatus, true)
	seedRule(t, repo, "user-1", TriggerTypeDeviceStatus, false)
	seedRule(t, repo, "user-1", TriggerTypeTimeBased, true)
	seedRule(t, repo, "user-2", TriggerTypeDeviceStatus, true)

	rows, err := repo.ListEnabledStatusRules(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListEnabledStatusRules: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != enabled.ID {
		t.Fatalf("expected only the enabled rule of user-1, got %+v", rows)
	}
}

func TestListEnabledStatusRules_DisableStopsListing(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule := seedRule(t, repo, "user-1", TriggerTypeDeviceStatus, true)
	if err := repo.SetRuleEnabled(ctx, rule.ID, false); err != nil {
		t.Fatalf("SetRuleEnabled: %v", err)
	}

	rows, err := repo.ListEnabledStatusRules(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListEnabledStatusRules: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected disabled rule to be excluded, got %+v", rows)
	}
}

func TestListEnabledScheduledRules_ExcludesDisabled(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	enabled := seedRule(t, repo, "user-1", TriggerTypeTimeBased, true)
	seedRule(t, repo, "user-2", TriggerTypeTimeBased, false)
	seedRule(t, repo, "user-1", TriggerTypeDeviceStatus, true)

	rows, err := repo.ListEnabledScheduledRules(ctx)
	if err != nil {
		t.Fatalf("ListEnabledScheduledRules: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != enabled.ID {
		t.Fatalf("expected only the enabled time_based rule, got %+v", rows)
	}
}
