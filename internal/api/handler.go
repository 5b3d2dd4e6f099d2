// Package api exposes the persona memory engines over JSON HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/consciousness"
	"github.com/nidhogg/nuka-mind/internal/consolidation"
	"github.com/nidhogg/nuka-mind/internal/episodic"
	"github.com/nidhogg/nuka-mind/internal/graph"
	"github.com/nidhogg/nuka-mind/internal/metrics"
	"github.com/nidhogg/nuka-mind/internal/persona"
	"github.com/nidhogg/nuka-mind/internal/procedural"
	"github.com/nidhogg/nuka-mind/internal/semantic"
	"github.com/nidhogg/nuka-mind/internal/sleep"
)

// Services are the engines the handler serves. Graph and Metrics are
// optional.
type Services struct {
	Personas      *persona.Core
	Episodic      *episodic.Store
	Semantic      *semantic.Store
	Procedural    *procedural.Store
	Consolidation *consolidation.Engine
	Consciousness *consciousness.Engine
	Sleep         *sleep.Manager
	Graph         *graph.Projector
	Metrics       *metrics.Collector
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc         Services
	corsOrigins []string
	logger      *zap.Logger
}

// NewHandler creates a new API handler. Empty corsOrigins allows any
// origin.
func NewHandler(svc Services, corsOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	return &Handler{svc: svc, corsOrigins: corsOrigins, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	if h.svc.Metrics != nil {
		r.Handle("/metrics", h.svc.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/personas", h.listPersonas)
		r.Post("/personas", h.initializePersona)

		r.Route("/personas/{personaID}", func(r chi.Router) {
			r.Use(h.requirePersona)
			r.Get("/", h.personaStatus)
			r.Post("/sleep", h.sleepPersona)
			r.Post("/awaken", h.awakenPersona)
			r.Get("/traits", h.listTraits)
			r.Put("/traits/{name}", h.updateTrait)
			r.Post("/experiences", h.evolvePersonality)

			r.Route("/consciousness", func(r chi.Router) {
				r.Get("/", h.consciousnessMetrics)
				r.Get("/history", h.consciousnessHistory)
				r.Get("/insights", h.consciousnessInsights)
				r.Post("/levels", h.updateConsciousness)
				r.Post("/impact", h.experienceImpact)
				r.Post("/dream", h.enterDream)
			})

			r.Route("/episodes", func(r chi.Router) {
				r.Post("/", h.storeEpisode)
				r.Get("/", h.recentEpisodes)
				r.Get("/search", h.searchEpisodes)
				r.Get("/stats", h.episodeStats)
				r.Get("/{id}", h.getEpisode)
				r.Delete("/{id}", h.deleteEpisode)
			})

			r.Route("/knowledge", func(r chi.Router) {
				r.Post("/", h.storeKnowledge)
				r.Get("/", h.listKnowledge)
				r.Get("/search", h.queryKnowledge)
				r.Get("/graph", h.knowledgeGraph)
				r.Get("/graph/related", h.graphRelated)
				r.Get("/related", h.relatedKnowledge)
				r.Get("/{id}", h.getKnowledge)
				r.Post("/{id}/reinforce", h.reinforceKnowledge)
				r.Delete("/{id}", h.deleteKnowledge)
			})

			r.Route("/skills", func(r chi.Router) {
				r.Post("/", h.storeSkill)
				r.Get("/", h.listSkills)
				r.Get("/applicable", h.applicableSkills)
				r.Get("/search", h.searchSkills)
				r.Post("/evolve", h.evolveSkill)
				r.Get("/{id}", h.getSkill)
				r.Post("/{id}/performance", h.skillPerformance)
				r.Delete("/{id}", h.deleteSkill)
			})

			r.Post("/consolidate", h.consolidate)
			r.Post("/maintenance", h.maintenance)
			r.Route("/sleep-cycles", func(r chi.Router) {
				r.Post("/", h.processSleepCycle)
				r.Get("/", h.recentSleepCycles)
				r.Get("/analytics", h.sleepAnalytics)
			})
		})
	})

	return r
}

// observe logs and measures each request by its route pattern.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		h.svc.Metrics.RecordHTTPRequest(r.Method, route, status, elapsed)
		h.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("took", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *Handler) requirePersona(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.svc.Personas.Get(r.Context(), chi.URLParam(r, "personaID")); err != nil {
			h.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "nuka-mind"})
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrEmbedding):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Invalid("body", "%v", err)
	}
	return nil
}

func personaID(r *http.Request) string { return chi.URLParam(r, "personaID") }

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Invalid(key, "must be a non-negative integer")
	}
	return v, nil
}

func queryFloat(r *http.Request, key string, def float64) (float64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apperr.Invalid(key, "must be a number")
	}
	return v, nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.Invalid(key, "must be RFC 3339")
	}
	return t, nil
}

func queryList(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// owned returns NotFound when an entity belongs to another persona.
func owned(r *http.Request, kind, id, owner string) error {
	if owner != personaID(r) {
		return apperr.NotFound(kind, id)
	}
	return nil
}
