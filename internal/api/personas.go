package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/persona"
)

type initializeRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *Handler) listPersonas(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.Personas.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *Handler) initializePersona(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	s, err := h.svc.Personas.Initialize(r.Context(), req.ID, req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if s.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, s)
}

func (h *Handler) personaStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Personas.Status(r.Context(), personaID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) sleepPersona(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Personas.Sleep(r.Context(), personaID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) awakenPersona(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Personas.Awaken(r.Context(), personaID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) listTraits(w http.ResponseWriter, r *http.Request) {
	traits, err := h.svc.Personas.Traits(r.Context(), personaID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, traits)
}

type traitRequest struct {
	Value       *float64 `json:"value"`
	Description string   `json:"description"`
}

func (h *Handler) updateTrait(w http.ResponseWriter, r *http.Request) {
	var req traitRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Value == nil {
		h.writeError(w, apperr.Invalid("value", "is required"))
		return
	}
	t, err := h.svc.Personas.UpdateTrait(r.Context(), personaID(r), chi.URLParam(r, "name"), *req.Value, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) evolvePersonality(w http.ResponseWriter, r *http.Request) {
	var exp persona.Experience
	if err := decode(r, &exp); err != nil {
		h.writeError(w, err)
		return
	}
	changes, err := h.svc.Personas.EvolvePersonalityFromExperience(r.Context(), personaID(r), exp)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}
