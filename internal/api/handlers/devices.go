package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"subledger/internal/core"
	"subledger/internal/types"
)

// EntitlementReader is implemented by entitlement.Reader.
type EntitlementReader interface {
	GetEntitlement(ctx context.Context, deviceID, appID string) (types.Entitlement, error)
}

// HeartbeatRecorder is implemented by db.DeviceRepository.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, deviceID, appID string, serverCount int, seenAt time.Time) (*types.Device, error)
}

// HeartbeatRequest is the body of POST /v1/devices/{deviceID}/heartbeat.
type HeartbeatRequest struct {
	AppID       string `json:"appId" validate:"omitempty,max=100"`
	ServerCount int    `json:"serverCount" validate:"min=0,max=100000"`
}

// HeartbeatResponse returns the device alongside its current entitlement so
// clients can refresh both in one call.
type HeartbeatResponse struct {
	Device      *types.Device     `json:"device"`
	Entitlement types.Entitlement `json:"entitlement"`
}

// DeviceHandler serves device-facing reads.
type DeviceHandler struct {
	reader       EntitlementReader
	heartbeats   HeartbeatRecorder
	validator    *core.Validator
	defaultAppID string
	now          func() time.Time
	logger       *slog.Logger
}

func NewDeviceHandler(reader EntitlementReader, heartbeats HeartbeatRecorder, v *core.Validator, defaultAppID string, l *slog.Logger) *DeviceHandler {
	if l == nil {
		l = slog.Default()
	}
	return &DeviceHandler{
		reader:       reader,
		heartbeats:   heartbeats,
		validator:    v,
		defaultAppID: defaultAppID,
		now:          time.Now,
		logger:       l,
	}
}

func (h *DeviceHandler) RegisterRoutes(r chi.Router) {
	r.Route("/devices/{deviceID}", func(r chi.Router) {
		r.Get("/entitlement", h.GetEntitlement)
		r.Post("/heartbeat", h.Heartbeat)
	})
}

func (h *DeviceHandler) appID(v string) string {
	if v != "" {
		return v
	}
	return h.defaultAppID
}

// GetEntitlement handles GET /v1/devices/{deviceID}/entitlement?appId=.
func (h *DeviceHandler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	ent, err := h.reader.GetEntitlement(r.Context(), deviceID, h.appID(r.URL.Query().Get("appId")))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, ent)
}

// Heartbeat handles POST /v1/devices/{deviceID}/heartbeat. It registers the
// device on first contact; ownership only changes through activation.
func (h *DeviceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req HeartbeatRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	appID := h.appID(req.AppID)

	device, err := h.heartbeats.RecordHeartbeat(r.Context(), deviceID, appID, req.ServerCount, h.now())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to record heartbeat",
			"device_id", deviceID,
			"app_id", appID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}
	ent, err := h.reader.GetEntitlement(r.Context(), deviceID, appID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, HeartbeatResponse{Device: device, Entitlement: ent})
}
