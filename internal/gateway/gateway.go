package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"smarthome-hub/internal/mqtt"
	"smarthome-hub/internal/protocol"
	"smarthome-hub/internal/store"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// StatusStore persists the latest reported state of a device.
type StatusStore interface {
	UpsertDeviceStatus(ctx context.Context, ds *store.DeviceStatus) error
	CheckOwnership(ctx context.Context, userID, deviceID string) (bool, error)
}

// StatusCache keeps a read-optimized copy of the latest status.
type StatusCache interface {
	SetStatus(ctx context.Context, deviceID string, status map[string]any) error
}

// Tracker receives the connection and heartbeat signals.
type Tracker interface {
	SetOnline(ctx context.Context, userID, deviceID string) error
	Heartbeat(ctx context.Context, userID, deviceID string) error
}

// Evaluator runs device_status rules against an accepted report.
type Evaluator interface {
	CheckAndTrigger(ctx context.Context, userID, deviceID, deviceType string, status map[string]any)
}

// Acker sends heartbeat responses back to the device.
type Acker interface {
	SendHeartbeatAck(ctx context.Context, userID, deviceID string) error
}

// Notifier fans a status update out to push clients. Fire-and-forget.
type Notifier interface {
	Notify(deviceID, deviceType string, status map[string]any)
}

// Gateway is the ingestion entry point: it decodes every raw transport
// message and routes it by message type. Handling is embarrassingly
// parallel across devices: each message runs on its own goroutine and
// no ordering is guaranteed between messages.
type Gateway struct {
	mq      mqtt.ClientAPI
	store   StatusStore
	cache   StatusCache
	tracker Tracker
	eval    Evaluator
	acker   Acker
	notify  Notifier
}

func New(mq mqtt.ClientAPI, st StatusStore, cache StatusCache, tracker Tracker, eval Evaluator, acker Acker, notify Notifier) *Gateway {
	return &Gateway{mq: mq, store: st, cache: cache, tracker: tracker, eval: eval, acker: acker, notify: notify}
}

func (g *Gateway) Start(ctx context.Context) error {
	return g.mq.Subscribe(protocol.DataTopicPattern, func(_ paho.Client, m mqtt.Message) {
		topic, payload := m.Topic(), m.Payload()
		go g.handle(ctx, topic, payload)
	})
}

func (g *Gateway) handle(ctx context.Context, topic string, payload []byte) {
	userID := protocol.UserIDFromDataTopic(topic)
	if userID == "" {
		slog.Warn("message on unexpected topic dropped", "topic", topic)
		return
	}

	env, err := protocol.Decode(payload)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			// Malformed input never reaches downstream components.
			slog.Warn("malformed envelope dropped", "topic", topic, "error", err)
			return
		}
		slog.Warn("envelope decode failed", "topic", topic, "error", err)
		return
	}
	// The topic segment is authoritative for the user id.
	env.UserID = userID

	deviceID := env.Data.DeviceID
	if deviceID == "" {
		slog.Warn("envelope without device_id dropped", "topic", topic, "message_type", env.Type)
		return
	}

	ok, err := g.store.CheckOwnership(ctx, userID, deviceID)
	if err != nil {
		slog.Warn("ownership check failed", "user_id", userID, "device_id", deviceID, "error", err)
		return
	}
	if !ok {
		slog.Warn("report from unowned device dropped", "user_id", userID, "device_id", deviceID)
		return
	}

	switch env.Type {
	case protocol.MessageDeviceData:
		g.handleDeviceData(ctx, env)
	case protocol.MessageConnection:
		if err := g.tracker.SetOnline(ctx, userID, deviceID); err != nil {
			slog.Warn("connection signal failed", "device_id", deviceID, "error", err)
			return
		}
		slog.Info("device connected", "user_id", userID, "device_id", deviceID)
	case protocol.MessageHeartbeat:
		g.handleHeartbeat(ctx, userID, deviceID)
	case protocol.MessageControlCommand:
		// Device-side response to a command we sent; nothing to do here.
		slog.Debug("control command response received", "device_id", deviceID)
	case protocol.MessageHeartbeatResponse:
		// Outbound-only type; a device echoing it back is noise.
		slog.Debug("unexpected heartbeat response dropped", "device_id", deviceID)
	}
}

func (g *Gateway) handleDeviceData(ctx context.Context, env protocol.Envelope) {
	d := env.Data
	statusJSON, err := json.Marshal(d.Status)
	if err != nil {
		slog.Warn("status serialization failed", "device_id", d.DeviceID, "error", err)
		return
	}
	ds := &store.DeviceStatus{
		DeviceID:   d.DeviceID,
		DeviceType: d.DeviceType,
		Area:       d.Area,
		Status:     statusJSON,
		ReportedAt: time.UnixMilli(env.Timestamp).UTC(),
	}
	if err := g.store.UpsertDeviceStatus(ctx, ds); err != nil {
		slog.Warn("device status write failed", "device_id", d.DeviceID, "error", err)
		// Keep going: a failed write should not swallow rule evaluation.
	}
	if g.cache != nil {
		if err := g.cache.SetStatus(ctx, d.DeviceID, d.Status); err != nil {
			slog.Warn("status cache write failed", "device_id", d.DeviceID, "error", err)
		}
	}

	g.notify.Notify(d.DeviceID, d.DeviceType, d.Status)
	g.eval.CheckAndTrigger(ctx, env.UserID, d.DeviceID, d.DeviceType, d.Status)
}

func (g *Gateway) handleHeartbeat(ctx context.Context, userID, deviceID string) {
	if err := g.tracker.Heartbeat(ctx, userID, deviceID); err != nil {
		slog.Warn("heartbeat update failed", "device_id", deviceID, "error", err)
		return
	}
	if err := g.acker.SendHeartbeatAck(ctx, userID, deviceID); err != nil {
		slog.Warn("heartbeat ack failed", "device_id", deviceID, "error", err)
	}
}
