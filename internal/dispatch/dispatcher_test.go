package dispatch

import (
	"context"
	"testing"

	"smarthome-hub/internal/protocol"
)

type fakePublisher struct {
	published []publishCall
	err       error
}

type publishCall struct {
	topic   string
	payload []byte
	qos     byte
}

func (f *fakePublisher) PublishQoS(topic string, payload []byte, qos byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishCall{topic: topic, payload: payload, qos: qos})
	return nil
}

type fakeLiveness struct{ online map[string]bool }

func (f *fakeLiveness) IsOnline(_ context.Context, deviceID string) bool { return f.online[deviceID] }

type fakePerms struct{ allowed map[string]bool }

func (f *fakePerms) CheckOwnership(_ context.Context, userID, deviceID string) (bool, error) {
	return f.allowed[userID+"/"+deviceID], nil
}

func cmd() OutboundCommand {
	return OutboundCommand{
		UserID:     "user-1",
		DeviceType: "led",
		DeviceID:   "led-1",
		Command:    protocol.Command{Type: "set_power", Parameters: map[string]any{"power": "on"}},
	}
}

func TestSend_PublishesControlEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	d := New(pub, &fakeLiveness{online: map[string]bool{"led-1": true}}, &fakePerms{allowed: map[string]bool{"user-1/led-1": true}})

	if err := d.Send(context.Background(), cmd()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.published))
	}
	p := pub.published[0]
	if p.topic != "user/user-1/device/control" {
		t.Fatalf("unexpected topic %q", p.topic)
	}
	if p.qos != 1 {
		t.Fatalf("expected QoS 1, got %d", p.qos)
	}

	env, err := protocol.Decode(p.payload)
	if err != nil {
		t.Fatalf("published payload must decode: %v", err)
	}
	if env.Type != protocol.MessageControlCommand {
		t.Fatalf("expected control_command envelope, got %s", env.Type)
	}
	if env.Data.Command == nil || env.Data.Command.Type != "set_power" {
		t.Fatalf("unexpected command body: %+v", env.Data)
	}
	if env.Timestamp == 0 {
		t.Fatalf("expected a populated timestamp")
	}
}

func TestSend_OfflineDeviceIsLoggedNoop(t *testing.T) {
	pub := &fakePublisher{}
	d := New(pub, &fakeLiveness{online: map[string]bool{}}, &fakePerms{allowed: map[string]bool{"user-1/led-1": true}})

	if err := d.Send(context.Background(), cmd()); err != nil {
		t.Fatalf("offline gate must not surface an error, got %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatalf("expected no publish for offline target")
	}
}

func TestSend_PermissionDeniedIsLoggedNoop(t *testing.T) {
	pub := &fakePublisher{}
	d := New(pub, &fakeLiveness{online: map[string]bool{"led-1": true}}, &fakePerms{allowed: map[string]bool{}})

	if err := d.Send(context.Background(), cmd()); err != nil {
		t.Fatalf("permission gate must not surface an error, got %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatalf("expected no publish without permission")
	}
}

func TestSendBatch(t *testing.T) {
	pub := &fakePublisher{}
	d := New(pub, &fakeLiveness{}, &fakePerms{})

	raw := []byte(`{"commands":[]}`)
	if err := d.SendBatch(context.Background(), "user-1", raw); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.published))
	}
	p := pub.published[0]
	if p.topic != "user/user-1/device/control/batch" || p.qos != 1 {
		t.Fatalf("unexpected batch publish: %+v", p)
	}
	if string(p.payload) != string(raw) {
		t.Fatalf("batch payload must pass through untouched")
	}
}

func TestSendHeartbeatAck(t *testing.T) {
	pub := &fakePublisher{}
	d := New(pub, &fakeLiveness{}, &fakePerms{})

	if err := d.SendHeartbeatAck(context.Background(), "user-1", "dev-1"); err != nil {
		t.Fatalf("SendHeartbeatAck: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.published))
	}
	p := pub.published[0]
	if p.topic != "user/user-1/device/dev-1/heartbeat/response" {
		t.Fatalf("unexpected topic %q", p.topic)
	}
	if p.qos != 0 {
		t.Fatalf("expected QoS 0 for heartbeat ack, got %d", p.qos)
	}
	env, err := protocol.Decode(p.payload)
	if err != nil {
		t.Fatalf("ack payload must decode: %v", err)
	}
	if env.Type != protocol.MessageHeartbeatResponse || env.Data.DeviceID != "dev-1" {
		t.Fatalf("unexpected ack envelope: %+v", env)
	}
}
