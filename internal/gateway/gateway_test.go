package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"smarthome-hub/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	statuses []*store.DeviceStatus
	owned    map[string]bool // "user/device"
}

func (f *fakeStore) UpsertDeviceStatus(_ context.Context, ds *store.DeviceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, ds)
	return nil
}

func (f *fakeStore) CheckOwnership(_ context.Context, userID, deviceID string) (bool, error) {
	return f.owned[userID+"/"+deviceID], nil
}

type fakeTracker struct {
	mu         sync.Mutex
	online     []string
	heartbeats []string
}

func (f *fakeTracker) SetOnline(_ context.Context, userID, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, deviceID)
	return nil
}

func (f *fakeTracker) Heartbeat(_ context.Context, userID, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, userID+"/"+deviceID)
	return nil
}

type fakeEval struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeEval) CheckAndTrigger(_ context.Context, userID, deviceID, deviceType string, status map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deviceID)
}

type fakeAcker struct {
	mu   sync.Mutex
	acks []string
}

func (f *fakeAcker) SendHeartbeatAck(_ context.Context, userID, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, userID+"/"+deviceID)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(deviceID, deviceType string, status map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, deviceID)
}

func newTestGateway(owned map[string]bool) (*Gateway, *fakeStore, *fakeTracker, *fakeEval, *fakeAcker, *fakeNotifier) {
	st := &fakeStore{owned: owned}
	tr := &fakeTracker{}
	ev := &fakeEval{}
	ack := &fakeAcker{}
	nt := &fakeNotifier{}
	return New(nil, st, nil, tr, ev, ack, nt), st, tr, ev, ack, nt
}

func envelope(t *testing.T, msgType string, data map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"user_id":      "user-1",
		"timestamp":    int64(1700000000000),
		"message_type": msgType,
		"data":         data,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return b
}

const dataTopic = "user/user-1/device/data"

func TestHandle_DeviceData(t *testing.T) {
	g, st, _, ev, _, nt := newTestGateway(map[string]bool{"user-1/sensor-1": true})

	g.handle(context.Background(), dataTopic, envelope(t, "device_data", map[string]any{
		"device_id":   "sensor-1",
		"device_type": "temperature_sensor",
		"status":      map[string]any{"temperature": 25},
	}))

	if len(st.statuses) != 1 || st.statuses[0].DeviceID != "sensor-1" {
		t.Fatalf("expected one persisted status, got %+v", st.statuses)
	}
	if len(nt.events) != 1 {
		t.Fatalf("expected one push notification, got %d", len(nt.events))
	}
	if len(ev.calls) != 1 {
		t.Fatalf("expected rule evaluation, got %d calls", len(ev.calls))
	}
}

func TestHandle_Connection(t *testing.T) {
	g, _, tr, _, _, _ := newTestGateway(map[string]bool{"user-1/dev-1": true})

	g.handle(context.Background(), dataTopic, envelope(t, "connection", map[string]any{
		"device_id": "dev-1",
	}))

	if len(tr.online) != 1 || tr.online[0] != "dev-1" {
		t.Fatalf("expected SetOnline for dev-1, got %v", tr.online)
	}
}

func TestHandle_HeartbeatAcked(t *testing.T) {
	g, _, tr, _, ack, _ := newTestGateway(map[string]bool{"user-1/dev-1": true})

	g.handle(context.Background(), dataTopic, envelope(t, "heartbeat", map[string]any{
		"device_id": "dev-1",
	}))

	if len(tr.heartbeats) != 1 || tr.heartbeats[0] != "user-1/dev-1" {
		t.Fatalf("expected heartbeat recorded under the topic's user, got %v", tr.heartbeats)
	}
	if len(ack.acks) != 1 || ack.acks[0] != "user-1/dev-1" {
		t.Fatalf("expected heartbeat ack, got %v", ack.acks)
	}
}

func TestHandle_MalformedEnvelopeDropped(t *testing.T) {
	g, st, tr, ev, _, _ := newTestGateway(map[string]bool{"user-1/dev-1": true})

	// Missing message_type: must never reach downstream components.
	b, _ := json.Marshal(map[string]any{
		"user_id":   "user-1",
		"timestamp": int64(1700000000000),
		"data":      map[string]any{"device_id": "dev-1"},
	})
	g.handle(context.Background(), dataTopic, b)
	g.handle(context.Background(), dataTopic, []byte("{not json"))

	if len(st.statuses) != 0 || len(tr.online) != 0 || len(ev.calls) != 0 {
		t.Fatalf("expected malformed input to be fully dropped")
	}
}

func TestHandle_UnownedDeviceDropped(t *testing.T) {
	g, st, _, ev, _, _ := newTestGateway(map[string]bool{})

	g.handle(context.Background(), dataTopic, envelope(t, "device_data", map[string]any{
		"device_id": "sensor-1",
		"status":    map[string]any{"temperature": 25},
	}))

	if len(st.statuses) != 0 || len(ev.calls) != 0 {
		t.Fatalf("expected unowned report to be dropped")
	}
}

func TestHandle_TopicUserOverridesBody(t *testing.T) {
	g, _, _, ev, _, _ := newTestGateway(map[string]bool{"user-1/sensor-1": true})

	b, _ := json.Marshal(map[string]any{
		"user_id":      "spoofed-user",
		"timestamp":    int64(1700000000000),
		"message_type": "device_data",
		"data": map[string]any{
			"device_id": "sensor-1",
			"status":    map[string]any{"temperature": 25},
		},
	})
	g.handle(context.Background(), dataTopic, b)

	if len(ev.calls) != 1 {
		t.Fatalf("expected the topic's user to own the report and evaluation to run")
	}
}

func TestHandle_UnexpectedTopicDropped(t *testing.T) {
	g, st, _, _, _, _ := newTestGateway(map[string]bool{"user-1/dev-1": true})

	g.handle(context.Background(), "user/user-1/device/control", envelope(t, "device_data", map[string]any{
		"device_id": "dev-1",
	}))

	if len(st.statuses) != 0 {
		t.Fatalf("expected message on non-data topic to be dropped")
	}
}
