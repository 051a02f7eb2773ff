package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"smarthome-hub/internal/dispatch"
	"smarthome-hub/internal/liveness"
	"smarthome-hub/internal/protocol"
	"smarthome-hub/internal/realtime"
	"smarthome-hub/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Server is the thin management surface: rule CRUD, connection queries
// and manual command dispatch. Authentication lives at the API gateway
// in front of this service.
type Server struct {
	repo    *store.Repo
	tracker *liveness.Tracker
	disp    *dispatch.Dispatcher
	hub     *realtime.Hub
	cache   *store.StateCache
}

func New(repo *store.Repo, tracker *liveness.Tracker, disp *dispatch.Dispatcher, hub *realtime.Hub, cache *store.StateCache) *Server {
	return &Server{repo: repo, tracker: tracker, disp: disp, hub: hub, cache: cache}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ws_clients": s.hub.ClientCount()})
	})

	// WebSocket routes are authenticated at the API gateway.
	r.Get("/ws", s.hub.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/connection", func(r chi.Router) {
			r.Get("/is-online/{deviceID}", s.handleIsOnline)
			r.Get("/status/{deviceID}", s.handleConnectionStatus)
			r.Post("/set-online/{userID}/{deviceID}", s.handleSetOnline)
			r.Post("/set-offline/{deviceID}", s.handleSetOffline)
		})

		r.Route("/automation", func(r chi.Router) {
			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleCreateRule)
			r.Route("/rules/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Delete("/", s.handleDeleteRule)
				r.Put("/enable", s.handleSetRuleEnabled(true))
				r.Put("/disable", s.handleSetRuleEnabled(false))
			})
		})

		r.Route("/mqtt", func(r chi.Router) {
			r.Post("/send-control-command", s.handleSendControlCommand)
			r.Post("/send-batch-command/{userID}", s.handleSendBatchCommand)
			r.Post("/send-heartbeat/{userID}/{deviceID}", s.handleSendHeartbeatAck)
		})

		r.Get("/devices/{deviceID}/status", s.handleDeviceStatus)
	})

	return r
}

// --- connection ---

func (s *Server) handleIsOnline(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	online := s.tracker.IsOnline(r.Context(), deviceID)
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "online": online})
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	cs, err := s.tracker.Status(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if cs == nil {
		writeError(w, http.StatusNotFound, "device has never connected")
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleSetOnline(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	deviceID := chi.URLParam(r, "deviceID")
	if err := s.tracker.SetOnline(r.Context(), userID, deviceID); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "state": store.StateConnected})
}

func (s *Server) handleSetOffline(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := s.tracker.SetOffline(r.Context(), deviceID); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "state": store.StateDisconnected})
}

// --- automation rules ---

type ruleRequest struct {
	UserID           string          `json:"user_id"`
	RuleName         string          `json:"rule_name"`
	TriggerType      string          `json:"trigger_type"`
	TriggerCondition json.RawMessage `json:"trigger_condition"`
	TargetDeviceID   string          `json:"target_device_id"`
	TargetDeviceType string          `json:"target_device_type"`
	CommandType      string          `json:"command_type"`
	CommandParams    json.RawMessage `json:"command_parameters"`
	Enabled          bool            `json:"enabled"`
}

func (rr *ruleRequest) validate() error {
	if strings.TrimSpace(rr.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(rr.RuleName) == "" {
		return errors.New("rule_name is required")
	}
	switch rr.TriggerType {
	case store.TriggerTypeDeviceStatus, store.TriggerTypeTimeBased:
	default:
		return errors.New("trigger_type must be device_status or time_based")
	}
	if len(rr.TriggerCondition) == 0 || !json.Valid(rr.TriggerCondition) {
		return errors.New("trigger_condition must be a json object")
	}
	if strings.TrimSpace(rr.TargetDeviceID) == "" {
		return errors.New("target_device_id is required")
	}
	if strings.TrimSpace(rr.CommandType) == "" {
		return errors.New("command_type is required")
	}
	if len(rr.CommandParams) > 0 && !json.Valid(rr.CommandParams) {
		return errors.New("command_parameters must be a json object")
	}
	return nil
}

func (rr *ruleRequest) apply(rule *store.AutomationRule) {
	rule.UserID = rr.UserID
	rule.RuleName = rr.RuleName
	rule.TriggerType = rr.TriggerType
	rule.TriggerCondition = datatypes.JSON(rr.TriggerCondition)
	rule.TargetDeviceID = rr.TargetDeviceID
	rule.TargetDeviceType = rr.TargetDeviceType
	rule.CommandType = rr.CommandType
	rule.CommandParams = datatypes.JSON(rr.CommandParams)
	rule.Enabled = rr.Enabled
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListRules(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing rules failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rows})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	rule, err := s.repo.GetRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rr ruleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&rr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := rr.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var rule store.AutomationRule
	rr.apply(&rule)
	if err := s.repo.CreateRule(r.Context(), &rule); err != nil {
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	rule, err := s.repo.GetRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	var rr ruleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&rr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := rr.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rr.apply(rule)
	if err := s.repo.UpdateRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	if err := s.repo.DeleteRule(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleSetRuleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid rule id")
			return
		}
		if err := s.repo.SetRuleEnabled(r.Context(), id, enabled); err != nil {
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled})
	}
}

// --- manual dispatch ---

type controlCommandRequest struct {
	UserID     string         `json:"user_id"`
	Area       string         `json:"area,omitempty"`
	DeviceType string         `json:"device_type,omitempty"`
	DeviceID   string         `json:"device_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (s *Server) handleSendControlCommand(w http.ResponseWriter, r *http.Request) {
	var req controlCommandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.DeviceID) == "" || strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "user_id, device_id and command are required")
		return
	}
	err := s.disp.Send(r.Context(), dispatch.OutboundCommand{
		UserID:     req.UserID,
		Area:       req.Area,
		DeviceType: req.DeviceType,
		DeviceID:   req.DeviceID,
		Command:    protocol.Command{Type: req.Command, Parameters: req.Parameters},
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "publish failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatched": true})
}

func (s *Server) handleSendBatchCommand(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(raw) == 0 || !json.Valid(raw) {
		writeError(w, http.StatusBadRequest, "body must be a json payload")
		return
	}
	if err := s.disp.SendBatch(r.Context(), userID, raw); err != nil {
		writeError(w, http.StatusBadGateway, "publish failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatched": true})
}

func (s *Server) handleSendHeartbeatAck(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	deviceID := chi.URLParam(r, "deviceID")
	if err := s.disp.SendHeartbeatAck(r.Context(), userID, deviceID); err != nil {
		writeError(w, http.StatusBadGateway, "publish failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatched": true})
}

// --- device status ---

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	// Redis holds the freshest copy; fall back to postgres.
	if s.cache != nil {
		if status, err := s.cache.GetStatus(r.Context(), deviceID); err == nil && status != nil {
			writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "status": status})
			return
		}
	}
	ds, err := s.repo.GetDeviceStatus(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if ds == nil {
		writeError(w, http.StatusNotFound, "device has never reported")
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
