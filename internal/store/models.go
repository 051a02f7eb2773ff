package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AutomationRule is a persisted user-defined rule. TriggerCondition and
// CommandParameters are intentionally flexible JSON; the rules package
// owns their typed decoding.
type AutomationRule struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           string         `gorm:"index:idx_automation_rules_user_id;not null" json:"user_id"`
	RuleName         string         `gorm:"not null" json:"rule_name"`
	TriggerType      string         `gorm:"not null" json:"trigger_type"` // device_status|time_based
	TriggerCondition datatypes.JSON `gorm:"type:jsonb;not null" json:"trigger_condition"`
	TargetDeviceID   string         `json:"target_device_id"`
	TargetDeviceType string         `json:"target_device_type"`
	CommandType      string         `json:"command_type"`
	CommandParams    datatypes.JSON `gorm:"type:jsonb" json:"command_parameters"`
	Enabled          bool           `gorm:"not null;default:false" json:"enabled"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

const (
	TriggerTypeDeviceStatus = "device_status"
	TriggerTypeTimeBased    = "time_based"
)

// ConnectionStatus holds the single liveness record per device.
type ConnectionStatus struct {
	DeviceID        string     `gorm:"primaryKey" json:"device_id"`
	UserID          string     `gorm:"not null" json:"user_id"`
	State           string     `gorm:"not null" json:"state"` // connected|disconnected
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt  *time.Time `json:"disconnected_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
)

// DeviceStatus is the latest reported state of a device.
type DeviceStatus struct {
	DeviceID   string         `gorm:"primaryKey" json:"device_id"`
	DeviceType string         `json:"device_type"`
	Area       string         `json:"area,omitempty"`
	Status     datatypes.JSON `gorm:"type:jsonb" json:"status"`
	ReportedAt time.Time      `gorm:"not null" json:"reported_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// UserDeviceOwnership grants a user access to a device.
type UserDeviceOwnership struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string    `gorm:"index:idx_user_device_ownerships_user_device,unique;not null" json:"user_id"`
	DeviceID  string    `gorm:"index:idx_user_device_ownerships_user_device,unique;not null" json:"device_id"`
	IsOwner   bool      `gorm:"not null;default:false" json:"is_owner"`
	CreatedAt time.Time `json:"created_at"`
}
