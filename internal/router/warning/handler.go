package warning

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
)

// Handler serves the warning store over HTTP
type Handler struct {
	service Service
}

// NewHandler creates a warning HTTP handler
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the warning routes on r
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/warnings", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/{id}/acknowledge", h.Acknowledge)
		r.Delete("/", h.ClearAll)
		r.Delete("/old", h.ClearOld)
	})
}

// List returns warnings, optionally filtered by ?severity=, ?category= and ?unacknowledged=true
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unacked, _ := strconv.ParseBool(q.Get("unacknowledged"))
	writeJSON(w, http.StatusOK, h.service.List(Filter{
		Severity:       q.Get("severity"),
		Category:       q.Get("category"),
		Unacknowledged: unacked,
	}))
}

// Acknowledge acknowledges a warning
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	if !h.service.Acknowledge(chi.URLParam(r, "id")) {
		http.Error(w, "Warning not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearAll removes all warnings
func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": h.service.ClearAll()})
}

// ClearOld removes warnings older than ?hours= (default 24)
func (h *Handler) ClearOld(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v, err := strconv.Atoi(r.URL.Query().Get("hours")); err == nil && v > 0 {
		hours = v
	}
	n := h.service.ClearOlderThan(time.Duration(hours) * time.Hour)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := sonic.Marshal(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
