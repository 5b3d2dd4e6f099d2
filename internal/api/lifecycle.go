package api

import (
	"net/http"
	"time"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/consciousness"
	"github.com/nidhogg/nuka-mind/internal/consolidation"
	"github.com/nidhogg/nuka-mind/internal/sleep"
)

// --- consciousness ---

func (h *Handler) consciousnessMetrics(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Consciousness.GetConsciousnessMetrics(r.Context(), personaID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) consciousnessHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Consciousness.History(r.Context(), personaID(r), limit))
}

func (h *Handler) consciousnessInsights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Consciousness.GenerateInsights(r.Context(), personaID(r)))
}

type levelsRequest struct {
	Reason string                           `json:"reason"`
	Levels map[consciousness.Metric]float64 `json:"levels"`
}

type levelsResponse struct {
	State   *consciousness.State `json:"state"`
	Written bool                 `json:"written"`
}

func (h *Handler) updateConsciousness(w http.ResponseWriter, r *http.Request) {
	var req levelsRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	st, written, err := h.svc.Consciousness.UpdateConsciousnessLevel(r.Context(), personaID(r), req.Reason, req.Levels)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, levelsResponse{State: st, Written: written})
}

func (h *Handler) experienceImpact(w http.ResponseWriter, r *http.Request) {
	var exp consciousness.Experience
	if err := decode(r, &exp); err != nil {
		h.writeError(w, err)
		return
	}
	st, err := h.svc.Consciousness.ProcessExperienceImpact(r.Context(), personaID(r), exp)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type dreamRequest struct {
	DreamType string `json:"dream_type"`
}

func (h *Handler) enterDream(w http.ResponseWriter, r *http.Request) {
	var req dreamRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	st, err := h.svc.Consciousness.EnterDreamState(r.Context(), personaID(r), req.DreamType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- consolidation and sleep ---

func (h *Handler) consolidate(w http.ResponseWriter, r *http.Request) {
	pass := consolidation.Pass(r.URL.Query().Get("pass"))
	if pass == "" {
		pass = consolidation.PassRecent
	}
	rep, err := h.svc.Consolidation.Run(r.Context(), personaID(r), pass)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type maintenanceResponse struct {
	Ran   bool         `json:"ran"`
	Cycle *sleep.Cycle `json:"cycle,omitempty"`
}

func (h *Handler) maintenance(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Sleep.ScheduleMaintenance(r.Context(), personaID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maintenanceResponse{Ran: c != nil, Cycle: c})
}

type sleepCycleRequest struct {
	Duration   string `json:"duration"`
	DurationMS int64  `json:"duration_ms"`
}

func (r sleepCycleRequest) parse() (time.Duration, error) {
	if r.Duration == "" {
		return time.Duration(r.DurationMS) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(r.Duration)
	if err != nil {
		return 0, apperr.Invalid("duration", "%v", err)
	}
	return d, nil
}

func (h *Handler) processSleepCycle(w http.ResponseWriter, r *http.Request) {
	var req sleepCycleRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	d, err := req.parse()
	if err != nil {
		h.writeError(w, err)
		return
	}
	c, err := h.svc.Sleep.ProcessSleepCycle(r.Context(), personaID(r), d)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) recentSleepCycles(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		h.writeError(w, err)
		return
	}
	cycles, err := h.svc.Sleep.RecentCycles(r.Context(), personaID(r), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (h *Handler) sleepAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Sleep.Analytics(r.Context(), personaID(r)))
}
