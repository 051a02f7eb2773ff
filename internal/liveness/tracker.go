package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"smarthome-hub/internal/store"
)

// DefaultTimeout is how long a device may stay silent after its last
// connect or heartbeat signal before it reads offline.
const DefaultTimeout = 5 * time.Minute

// Store is the persistence surface the tracker needs.
type Store interface {
	GetConnectionStatus(ctx context.Context, deviceID string) (*store.ConnectionStatus, error)
	UpsertConnectionStatus(ctx context.Context, cs *store.ConnectionStatus) error
}

// Tracker maintains the per-device connection state machine. All
// transitions are idempotent upserts keyed by device id; updates to the
// same device are serialized with a per-device lock, devices never block
// each other. Offline detection is pull-based: IsOnline computes it at
// query time, there is no background expiry.
type Tracker struct {
	store   Store
	timeout time.Duration
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTracker(st Store, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		store:   st,
		timeout: timeout,
		now:     time.Now,
		locks:   map[string]*sync.Mutex{},
	}
}

func (t *Tracker) deviceLock(deviceID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[deviceID] = l
	}
	return l
}

// SetOnline marks the device connected. The first signal for a device
// creates its record; later signals keep the original connect time.
func (t *Tracker) SetOnline(ctx context.Context, userID, deviceID string) error {
	l := t.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	now := t.now().UTC()
	cs, err := t.store.GetConnectionStatus(ctx, deviceID)
	if err != nil {
		return err
	}
	if cs == nil {
		cs = &store.ConnectionStatus{DeviceID: deviceID}
	}
	cs.UserID = userID
	cs.State = store.StateConnected
	if cs.ConnectedAt == nil {
		cs.ConnectedAt = &now
	}
	return t.store.UpsertConnectionStatus(ctx, cs)
}

// SetOffline marks the device disconnected.
func (t *Tracker) SetOffline(ctx context.Context, deviceID string) error {
	l := t.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	now := t.now().UTC()
	cs, err := t.store.GetConnectionStatus(ctx, deviceID)
	if err != nil {
		return err
	}
	if cs == nil {
		cs = &store.ConnectionStatus{DeviceID: deviceID}
	}
	cs.State = store.StateDisconnected
	cs.DisconnectedAt = &now
	return t.store.UpsertConnectionStatus(ctx, cs)
}

// Heartbeat records a fresh heartbeat. A live heartbeat is itself proof
// of liveness, so it also forces the state to connected even if the
// device previously read disconnected. The user id comes from the
// transport topic and is written through like SetOnline does, so a
// device whose only signal is heartbeats still resolves to its user.
func (t *Tracker) Heartbeat(ctx context.Context, userID, deviceID string) error {
	l := t.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	now := t.now().UTC()
	cs, err := t.store.GetConnectionStatus(ctx, deviceID)
	if err != nil {
		return err
	}
	if cs == nil {
		cs = &store.ConnectionStatus{DeviceID: deviceID}
	}
	cs.UserID = userID
	cs.LastHeartbeatAt = &now
	cs.State = store.StateConnected
	if cs.ConnectedAt == nil {
		cs.ConnectedAt = &now
	}
	return t.store.UpsertConnectionStatus(ctx, cs)
}

// IsOnline reports whether the device is connected and has produced a
// connect or heartbeat signal within the liveness timeout.
func (t *Tracker) IsOnline(ctx context.Context, deviceID string) bool {
	cs, err := t.store.GetConnectionStatus(ctx, deviceID)
	if err != nil {
		slog.Warn("liveness lookup failed", "device_id", deviceID, "error", err)
		return false
	}
	if cs == nil || cs.State != store.StateConnected {
		return false
	}

	var last time.Time
	if cs.ConnectedAt != nil {
		last = *cs.ConnectedAt
	}
	if cs.LastHeartbeatAt != nil && cs.LastHeartbeatAt.After(last) {
		last = *cs.LastHeartbeatAt
	}
	if last.IsZero() {
		return false
	}
	return t.now().UTC().Sub(last) < t.timeout
}

// Status returns the raw connection record, nil if the device has never
// announced itself.
func (t *Tracker) Status(ctx context.Context, deviceID string) (*store.ConnectionStatus, error) {
	return t.store.GetConnectionStatus(ctx, deviceID)
}
