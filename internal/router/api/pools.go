package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/dispatcher/internal/router/breaker"
	"go.flowcatalyst.tech/dispatcher/internal/router/group"
	"go.flowcatalyst.tech/dispatcher/internal/router/manager"
	"go.flowcatalyst.tech/dispatcher/internal/router/pool"
)

// Engine is the dispatch manager as seen by the operations API
type Engine interface {
	Pool(code string) *pool.Pool
	PoolStats() map[string]pool.Stats
	ResumeGroup(poolCode, groupKey string) error
	SkipGroup(poolCode, groupKey string) error
}

// PoolHandler serves pool and message group operations
type PoolHandler struct {
	engine Engine
}

// NewPoolHandler creates a pool handler
func NewPoolHandler(engine Engine) *PoolHandler {
	return &PoolHandler{engine: engine}
}

// RegisterRoutes mounts the pool routes on r
func (h *PoolHandler) RegisterRoutes(r chi.Router) {
	r.Route("/pools", func(r chi.Router) {
		r.Get("/", h.List)
		r.Route("/{code}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Get("/groups", h.Groups)
			r.Get("/groups/{group}", h.Group)
			r.Post("/groups/{group}/resume", h.Resume)
			r.Post("/groups/{group}/skip", h.Skip)
		})
	})
}

// List handles GET /api/pools
func (h *PoolHandler) List(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.PoolStats()
	out := make([]pool.Stats, 0, len(stats))
	for _, s := range stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolCode < out[j].PoolCode })
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /api/pools/{code}
func (h *PoolHandler) Get(w http.ResponseWriter, r *http.Request) {
	p := h.pool(w, r)
	if p == nil {
		return
	}
	writeJSON(w, http.StatusOK, p.Stats())
}

// Groups handles GET /api/pools/{code}/groups?blocked=true
func (h *PoolHandler) Groups(w http.ResponseWriter, r *http.Request) {
	p := h.pool(w, r)
	if p == nil {
		return
	}
	onlyBlocked := r.URL.Query().Get("blocked") == "true"
	groups := make([]group.Info, 0)
	for _, g := range p.Groups() {
		if onlyBlocked && !g.Blocked {
			continue
		}
		groups = append(groups, g)
	}
	writeJSON(w, http.StatusOK, groups)
}

// Group handles GET /api/pools/{code}/groups/{group}
func (h *PoolHandler) Group(w http.ResponseWriter, r *http.Request) {
	p := h.pool(w, r)
	if p == nil {
		return
	}
	info, err := p.Group(chi.URLParam(r, "group"))
	if err != nil {
		writeGroupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Resume handles POST /api/pools/{code}/groups/{group}/resume
func (h *PoolHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ResumeGroup(chi.URLParam(r, "code"), chi.URLParam(r, "group")); err != nil {
		writeGroupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// Skip handles POST /api/pools/{code}/groups/{group}/skip
func (h *PoolHandler) Skip(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.SkipGroup(chi.URLParam(r, "code"), chi.URLParam(r, "group")); err != nil {
		writeGroupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
}

func (h *PoolHandler) pool(w http.ResponseWriter, r *http.Request) *pool.Pool {
	code := chi.URLParam(r, "code")
	p := h.engine.Pool(code)
	if p == nil {
		writeError(w, http.StatusNotFound, "pool not found: "+code)
	}
	return p
}

func writeGroupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrPoolNotFound), errors.Is(err, group.ErrGroupNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, group.ErrGroupNotBlocked):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// BreakerRegistry is the circuit breaker registry as seen by the API
type BreakerRegistry interface {
	AllStats() []breaker.Stats
	Stats(target string) (breaker.Stats, bool)
	Reset(target string) bool
	ResetAll() int
}

// BreakerHandler serves circuit breaker stats and resets
type BreakerHandler struct {
	breakers BreakerRegistry
}

// NewBreakerHandler creates a breaker handler
func NewBreakerHandler(breakers BreakerRegistry) *BreakerHandler {
	return &BreakerHandler{breakers: breakers}
}

// RegisterRoutes mounts the breaker routes on r. Targets are URLs, so they
// are passed as the ?target= query parameter.
func (h *BreakerHandler) RegisterRoutes(r chi.Router) {
	r.Route("/breakers", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/reset", h.Reset)
		r.Post("/reset-all", h.ResetAll)
	})
}

// List handles GET /api/breakers and GET /api/breakers?target=
func (h *BreakerHandler) List(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		writeJSON(w, http.StatusOK, h.breakers.AllStats())
		return
	}
	stats, ok := h.breakers.Stats(target)
	if !ok {
		writeError(w, http.StatusNotFound, "no circuit breaker for target")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Reset handles POST /api/breakers/reset?target=
func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	if !h.breakers.Reset(target) {
		writeError(w, http.StatusNotFound, "no circuit breaker for target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ResetAll handles POST /api/breakers/reset-all
func (h *BreakerHandler) ResetAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"reset": h.breakers.ResetAll()})
}
