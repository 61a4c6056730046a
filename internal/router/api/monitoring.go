package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/dispatcher/internal/router/health"
	"go.flowcatalyst.tech/dispatcher/internal/router/standby"
)

// HealthStatusSource produces the dashboard health view
type HealthStatusSource interface {
	HealthStatus(ctx context.Context) *health.HealthStatus
}

// StandbyStatusSource provides standby status info
type StandbyStatusSource interface {
	Status() standby.Status
}

// ConsumptionControl pauses and resumes queue consumption
type ConsumptionControl interface {
	Pause()
	Resume()
	Paused() bool
}

// MonitoringHandler serves the /monitoring endpoints behind the dashboard
type MonitoringHandler struct {
	status   HealthStatusSource
	standby  StandbyStatusSource
	consumer ConsumptionControl
}

// NewMonitoringHandler creates a monitoring handler. standby and consumer may be nil.
func NewMonitoringHandler(status HealthStatusSource, standby StandbyStatusSource, consumer ConsumptionControl) *MonitoringHandler {
	return &MonitoringHandler{status: status, standby: standby, consumer: consumer}
}

// RegisterRoutes mounts the monitoring routes on r
func (h *MonitoringHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.GetHealthStatus)
	r.Get("/standby-status", h.GetStandbyStatus)
	r.Get("/dashboard", h.GetDashboard)
	if h.consumer != nil {
		r.Get("/consumption", h.GetConsumption)
		r.Post("/consumption/pause", h.PauseConsumption)
		r.Post("/consumption/resume", h.ResumeConsumption)
	}
}

// GetHealthStatus handles GET /monitoring/health
func (h *MonitoringHandler) GetHealthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.HealthStatus(r.Context()))
}

// GetStandbyStatus handles GET /monitoring/standby-status
func (h *MonitoringHandler) GetStandbyStatus(w http.ResponseWriter, r *http.Request) {
	if h.standby == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"standbyEnabled": false})
		return
	}
	writeJSON(w, http.StatusOK, h.standby.Status())
}

type consumptionResponse struct {
	Paused bool `json:"paused"`
}

// GetConsumption handles GET /monitoring/consumption
func (h *MonitoringHandler) GetConsumption(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, consumptionResponse{Paused: h.consumer.Paused()})
}

// PauseConsumption handles POST /monitoring/consumption/pause. A standby
// transition overrides a manual pause or resume.
func (h *MonitoringHandler) PauseConsumption(w http.ResponseWriter, r *http.Request) {
	h.consumer.Pause()
	writeJSON(w, http.StatusOK, consumptionResponse{Paused: true})
}

// ResumeConsumption handles POST /monitoring/consumption/resume
func (h *MonitoringHandler) ResumeConsumption(w http.ResponseWriter, r *http.Request) {
	h.consumer.Resume()
	writeJSON(w, http.StatusOK, consumptionResponse{Paused: false})
}

// GetDashboard handles GET /monitoring/dashboard
func (h *MonitoringHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}
