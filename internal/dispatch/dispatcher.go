package dispatch

import (
	"context"
	"log/slog"
	"time"

	"smarthome-hub/internal/protocol"
)

// Publisher is the transport surface the dispatcher needs. Reconnection
// and backoff are the client's business.
type Publisher interface {
	PublishQoS(topic string, payload []byte, qos byte) error
}

// Liveness answers whether a target device is currently reachable.
type Liveness interface {
	IsOnline(ctx context.Context, deviceID string) bool
}

// Permissions answers whether a user may act on a device.
type Permissions interface {
	CheckOwnership(ctx context.Context, userID, deviceID string) (bool, error)
}

// OutboundCommand is a control command addressed to one device of one user.
type OutboundCommand struct {
	UserID     string
	Area       string
	DeviceType string
	DeviceID   string
	Command    protocol.Command
}

const (
	qosControl   byte = 1
	qosHeartbeat byte = 0
)

// Dispatcher publishes outbound control traffic. Unicast commands pass a
// liveness gate and a permission gate first; a failed gate is a logged
// no-op, never an error to the caller and never a retry.
type Dispatcher struct {
	pub   Publisher
	live  Liveness
	perms Permissions
	now   func() time.Time
}

func New(pub Publisher, live Liveness, perms Permissions) *Dispatcher {
	return &Dispatcher{pub: pub, live: live, perms: perms, now: time.Now}
}

// Send publishes a unicast control command to the target user's control
// topic at QoS 1.
func (d *Dispatcher) Send(ctx context.Context, cmd OutboundCommand) error {
	if !d.live.IsOnline(ctx, cmd.DeviceID) {
		slog.Warn("control command suppressed, device offline",
			"user_id", cmd.UserID, "device_id", cmd.DeviceID, "command", cmd.Command.Type)
		return nil
	}
	ok, err := d.perms.CheckOwnership(ctx, cmd.UserID, cmd.DeviceID)
	if err != nil {
		slog.Warn("ownership check failed", "user_id", cmd.UserID, "device_id", cmd.DeviceID, "error", err)
		return nil
	}
	if !ok {
		slog.Warn("control command suppressed, permission denied",
			"user_id", cmd.UserID, "device_id", cmd.DeviceID, "command", cmd.Command.Type)
		return nil
	}

	env := protocol.Envelope{
		UserID:    cmd.UserID,
		Timestamp: d.now().UTC().UnixMilli(),
		Type:      protocol.MessageControlCommand,
		Data: protocol.DataBody{
			Area:       cmd.Area,
			DeviceType: cmd.DeviceType,
			DeviceID:   cmd.DeviceID,
			Command:    &cmd.Command,
		},
	}
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := d.pub.PublishQoS(protocol.ControlTopic(cmd.UserID), b, qosControl); err != nil {
		return err
	}
	slog.Info("control command dispatched",
		"user_id", cmd.UserID, "device_id", cmd.DeviceID, "command", cmd.Command.Type)
	return nil
}

// SendBatch forwards an already-assembled batch payload to the user's
// batch control topic. The payload is opaque to the hub.
func (d *Dispatcher) SendBatch(ctx context.Context, userID string, raw []byte) error {
	if err := d.pub.PublishQoS(protocol.BatchControlTopic(userID), raw, qosControl); err != nil {
		return err
	}
	slog.Info("batch control command dispatched", "user_id", userID, "bytes", len(raw))
	return nil
}

// SendHeartbeatAck acknowledges a device heartbeat on its per-device
// response topic at QoS 0.
func (d *Dispatcher) SendHeartbeatAck(ctx context.Context, userID, deviceID string) error {
	env := protocol.Envelope{
		UserID:    userID,
		Timestamp: d.now().UTC().UnixMilli(),
		Type:      protocol.MessageHeartbeatResponse,
		Data:      protocol.DataBody{DeviceID: deviceID},
	}
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return d.pub.PublishQoS(protocol.HeartbeatResponseTopic(userID, deviceID), b, qosHeartbeat)
}
