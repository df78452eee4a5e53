package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"wisefido-bin-monitor/internal/alert"
	"wisefido-bin-monitor/internal/metrics"
	"wisefido-bin-monitor/internal/models"
	"wisefido-bin-monitor/internal/service"
)

// Monitor HTTP层需要的监控服务能力（便于测试注入）
type Monitor interface {
	Devices() []models.Device
	Device(id string) (models.Device, bool)
	Totals() metrics.Totals
	Health() service.Health
	Alerts() []alert.Event
	DismissAlert(alertID string) bool
	DismissAllAlerts()
	SetMuted(ctx context.Context, muted bool) error
	Muted() bool
	VerifyNotifier(ctx context.Context) error
	Delete(ctx context.Context, deviceID string) (service.DeleteResult, error)
	Refresh(ctx context.Context, deviceID string) error
	BackfillLogs(ctx context.Context, deviceID string) (int, error)
}

// Handler 命令面与只读视图的HTTP入口
type Handler struct {
	logger         *zap.Logger
	monitor        Monitor
	metricsHandler http.Handler
}

// NewHandler 创建HTTP处理器
func NewHandler(logger *zap.Logger, monitor Monitor, metricsHandler http.Handler) *Handler {
	return &Handler{
		logger:         logger,
		monitor:        monitor,
		metricsHandler: metricsHandler,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(h.accessLog)

	r.Get("/healthz", h.handleHealthz)
	if h.metricsHandler != nil {
		r.Handle("/metrics", h.metricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", h.handleListDevices)
				r.Route("/{deviceID}", func(r chi.Router) {
					r.Get("/", h.handleGetDevice)
					r.Delete("/", h.handleDeleteDevice)
					r.Post("/refresh", h.handleRefreshDevice)
					r.Get("/logs", h.handleDeviceLogs)
					r.Post("/logs/backfill", h.handleBackfillLogs)
				})
			})

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", h.handleListAlerts)
				r.Post("/dismiss", h.handleDismissAll)
				r.Post("/{alertID}/dismiss", h.handleDismissAlert)
				r.Get("/mute", h.handleGetMute)
				r.Put("/mute", h.handleSetMute)
				r.Post("/notifications/test", h.handleTestNotifications)
			})
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.logger.Info("http_request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.monitor.Health())
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"devices": h.monitor.Devices(),
		"totals":  h.monitor.Totals(),
	})
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	dev, ok := h.monitor.Device(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "device not found", map[string]any{"device_id": id})
		return
	}
	h.writeJSON(w, http.StatusOK, dev)
}

func (h *Handler) handleDeviceLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	dev, ok := h.monitor.Device(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "device not found", map[string]any{"device_id": id})
		return
	}
	logs := dev.Logs
	if logs == nil {
		logs = []models.LogEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"logs":      logs,
	})
}

func (h *Handler) handleBackfillLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	count, err := h.monitor.BackfillLogs(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrBackfillTimeout) {
			h.writeError(w, http.StatusGatewayTimeout, "backfill_timeout", "device did not respond in time", map[string]any{"device_id": id})
			return
		}
		h.logger.Error("Log backfill failed", zap.String("device_id", id), zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "backfill_failed", "failed to request logs from device", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"loaded":    count,
	})
}

func (h *Handler) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	res, err := h.monitor.Delete(r.Context(), id)
	if err != nil {
		// 软失败：已完成的步骤随响应带回，命令可安全重试
		h.logger.Error("Device delete incomplete", zap.String("device_id", id), zap.Error(err))
		h.writeJSON(w, http.StatusBadGateway, map[string]any{
			"result": res,
			"error": map[string]any{
				"code":    "delete_incomplete",
				"message": err.Error(),
			},
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (h *Handler) handleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	if err := h.monitor.Refresh(r.Context(), id); err != nil {
		h.logger.Error("Device refresh failed", zap.String("device_id", id), zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "refresh_failed", "failed to touch device document", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "refreshed": true})
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.monitor.Alerts()
	if alerts == nil {
		alerts = []alert.Event{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"muted":  h.monitor.Muted(),
	})
}

func (h *Handler) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")
	if !h.monitor.DismissAlert(id) {
		h.writeError(w, http.StatusNotFound, "not_found", "alert not found", map[string]any{"alert_id": id})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"dismissed": true})
}

func (h *Handler) handleDismissAll(w http.ResponseWriter, r *http.Request) {
	h.monitor.DismissAllAlerts()
	h.writeJSON(w, http.StatusOK, map[string]any{"dismissed": true})
}

// handleTestNotifications 验证OS级通知通道：投递一条测试通知，
// 报告通道是否已配置、是否可达
func (h *Handler) handleTestNotifications(w http.ResponseWriter, r *http.Request) {
	err := h.monitor.VerifyNotifier(r.Context())
	switch {
	case errors.Is(err, alert.ErrNotifierDisabled):
		h.writeJSON(w, http.StatusOK, map[string]any{
			"configured": false,
			"reachable":  false,
		})
	case err != nil:
		h.logger.Warn("Notification channel unreachable", zap.Error(err))
		h.writeJSON(w, http.StatusBadGateway, map[string]any{
			"configured": true,
			"reachable":  false,
			"error": map[string]any{
				"code":    "notifier_unreachable",
				"message": err.Error(),
			},
		})
	default:
		h.writeJSON(w, http.StatusOK, map[string]any{
			"configured": true,
			"reachable":  true,
		})
	}
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

func (h *Handler) handleGetMute(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"muted": h.monitor.Muted()})
}

func (h *Handler) handleSetMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if err := h.monitor.SetMuted(r.Context(), req.Muted); err != nil {
		// 持久化失败时内存状态已生效，降级返回
		h.logger.Warn("Mute preference not persisted", zap.Error(err))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"muted": h.monitor.Muted()})
}
