package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	// Reduce log noise: "record not found" is expected for devices that have
	// never connected.
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()

	// Create missing tables only. We intentionally avoid AutoMigrate here because it
	// can trigger driver/migrator edge-cases in some environments; our schema is
	// stable and managed by explicit model definitions.
	if !m.HasTable(&AutomationRule{}) {
		if err := m.CreateTable(&AutomationRule{}); err != nil {
			return fmt.Errorf("create table automation_rules: %w", err)
		}
	}
	if !m.HasTable(&ConnectionStatus{}) {
		if err := m.CreateTable(&ConnectionStatus{}); err != nil {
			return fmt.Errorf("create table connection_statuses: %w", err)
		}
	}
	if !m.HasTable(&DeviceStatus{}) {
		if err := m.CreateTable(&DeviceStatus{}); err != nil {
			return fmt.Errorf("create table device_statuses: %w", err)
		}
	}
	if !m.HasTable(&UserDeviceOwnership{}) {
		if err := m.CreateTable(&UserDeviceOwnership{}); err != nil {
			return fmt.Errorf("create table user_device_ownerships: %w", err)
		}
	}

	if !m.HasIndex(&AutomationRule{}, "UserID") {
		if err := m.CreateIndex(&AutomationRule{}, "UserID"); err != nil {
			return fmt.Errorf("create index automation_rules.user_id: %w", err)
		}
	}

	return nil
}

// --- automation rules ---

func (r *Repo) ListRules(ctx context.Context, userID string) ([]AutomationRule, error) {
	var rows []AutomationRule
	q := r.db.WithContext(ctx).Order("created_at desc")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListEnabledStatusRules loads the enabled device_status rules for one user.
// Disabled rules never reach the trigger evaluator.
func (r *Repo) ListEnabledStatusRules(ctx context.Context, userID string) ([]AutomationRule, error) {
	var rows []AutomationRule
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND trigger_type = ? AND enabled = ?", userID, TriggerTypeDeviceStatus, true).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListEnabledScheduledRules loads every enabled time_based rule across all users.
func (r *Repo) ListEnabledScheduledRules(ctx context.Context) ([]AutomationRule, error) {
	var rows []AutomationRule
	err := r.db.WithContext(ctx).
		Where("trigger_type = ? AND enabled = ?", TriggerTypeTimeBased, true).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetRule(ctx context.Context, id uuid.UUID) (*AutomationRule, error) {
	var rule AutomationRule
	if err := r.db.WithContext(ctx).First(&rule, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *Repo) CreateRule(ctx context.Context, rule *AutomationRule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *Repo) UpdateRule(ctx context.Context, rule *AutomationRule) error {
	return r.db.WithContext(ctx).Save(rule).Error
}

func (r *Repo) DeleteRule(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&AutomationRule{}, "id = ?", id).Error
}

func (r *Repo) SetRuleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	return r.db.WithContext(ctx).Model(&AutomationRule{}).Where("id = ?", id).Update("enabled", enabled).Error
}

// --- connection status ---

func (r *Repo) GetConnectionStatus(ctx context.Context, deviceID string) (*ConnectionStatus, error) {
	var cs ConnectionStatus
	err := r.db.WithContext(ctx).First(&cs, "device_id = ?", deviceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Normal case: the device has never announced itself.
			return nil, nil
		}
		return nil, err
	}
	return &cs, nil
}

func (r *Repo) UpsertConnectionStatus(ctx context.Context, cs *ConnectionStatus) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		UpdateAll: true,
	}).Create(cs).Error
}

// --- device status ---

func (r *Repo) UpsertDeviceStatus(ctx context.Context, ds *DeviceStatus) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		UpdateAll: true,
	}).Create(ds).Error
}

func (r *Repo) GetDeviceStatus(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	var ds DeviceStatus
	err := r.db.WithContext(ctx).First(&ds, "device_id = ?", deviceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ds, nil
}

// --- ownership ---

// CheckOwnership reports whether the user has been granted access to the
// device. It is a plain boolean predicate; grant management lives in the
// account service.
func (r *Repo) CheckOwnership(ctx context.Context, userID, deviceID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&UserDeviceOwnership{}).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *Repo) GrantOwnership(ctx context.Context, grant *UserDeviceOwnership) error {
	if grant.ID == uuid.Nil {
		grant.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_owner"}),
	}).Create(grant).Error
}
