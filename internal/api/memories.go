package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/episodic"
	"github.com/nidhogg/nuka-mind/internal/procedural"
	"github.com/nidhogg/nuka-mind/internal/semantic"
)

type createdResponse struct {
	ID string `json:"id"`
}

// --- episodes ---

func (h *Handler) storeEpisode(w http.ResponseWriter, r *http.Request) {
	var e episodic.Entry
	if err := decode(r, &e); err != nil {
		h.writeError(w, err)
		return
	}
	e.ID = ""
	id, err := h.svc.Episodic.StoreEpisode(r.Context(), personaID(r), &e)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createdResponse{ID: id})
}

func (h *Handler) recentEpisodes(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		h.writeError(w, err)
		return
	}
	entries, err := h.svc.Episodic.GetRecentEpisodes(r.Context(), personaID(r), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) searchEpisodes(w http.ResponseWriter, r *http.Request) {
	var (
		opts episodic.SearchOptions
		err  error
	)
	if opts.Limit, err = queryInt(r, "limit", 10); err != nil {
		h.writeError(w, err)
		return
	}
	if opts.MinImportance, err = queryFloat(r, "min_importance", 0); err != nil {
		h.writeError(w, err)
		return
	}
	if opts.Threshold, err = queryFloat(r, "threshold", 0); err != nil {
		h.writeError(w, err)
		return
	}
	if opts.From, err = queryTime(r, "from"); err != nil {
		h.writeError(w, err)
		return
	}
	if opts.To, err = queryTime(r, "to"); err != nil {
		h.writeError(w, err)
		return
	}
	opts.EventTypes = queryList(r, "event_type")
	results, err := h.svc.Episodic.SearchEpisodes(r.Context(), personaID(r), r.URL.Query().Get("q"), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) episodeStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Episodic.Statistics(r.Context(), personaID(r)))
}

func (h *Handler) episode(r *http.Request) (*episodic.Entry, error) {
	id := chi.URLParam(r, "id")
	e, err := h.svc.Episodic.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return e, owned(r, "episode", id, e.PersonaID)
}

func (h *Handler) getEpisode(w http.ResponseWriter, r *http.Request) {
	e, err := h.episode(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) deleteEpisode(w http.ResponseWriter, r *http.Request) {
	e, err := h.episode(r)
	if err == nil {
		err = h.svc.Episodic.Delete(r.Context(), e.ID)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- knowledge ---

func (h *Handler) storeKnowledge(w http.ResponseWriter, r *http.Request) {
	var k semantic.Knowledge
	if err := decode(r, &k); err != nil {
		h.writeError(w, err)
		return
	}
	k.ID = ""
	id, err := h.svc.Semantic.StoreKnowledge(r.Context(), personaID(r), &k)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createdResponse{ID: id})
}

func (h *Handler) listKnowledge(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Semantic.ListForPersona(r.Context(), personaID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) queryKnowledge(w http.ResponseWriter, r *http.Request) {
	var (
		opts semantic.QueryOptions
		err  error
	)
	if opts.Limit, err = queryInt(r, "limit", 10); err != nil {
		h.writeError(w, err)
		return
	}
	if opts.MinConfidence, err = queryFloat(r, "min_confidence", 0); err != nil {
		h.writeError(w, err)
		return
	}
	if opts.Threshold, err = queryFloat(r, "threshold", 0); err != nil {
		h.writeError(w, err)
		return
	}
	opts.Domain = r.URL.Query().Get("domain")
	results, err := h.svc.Semantic.QueryKnowledge(r.Context(), personaID(r), r.URL.Query().Get("q"), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) knowledgeGraph(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.Semantic.BuildKnowledgeGraph(r.Context(), personaID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) relatedKnowledge(w http.ResponseWriter, r *http.Request) {
	start := r.URL.Query().Get("start")
	if start == "" {
		h.writeError(w, apperr.Invalid("start", "is required"))
		return
	}
	depth, err := queryInt(r, "depth", 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	items, err := h.svc.Semantic.FindRelatedKnowledge(r.Context(), personaID(r), start, depth)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) graphRelated(w http.ResponseWriter, r *http.Request) {
	if h.svc.Graph == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "graph projection is not configured"})
		return
	}
	concept := r.URL.Query().Get("concept")
	if concept == "" {
		h.writeError(w, apperr.Invalid("concept", "is required"))
		return
	}
	depth, err := queryInt(r, "depth", 2)
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.writeError(w, err)
		return
	}
	related, err := h.svc.Graph.Related(r.Context(), personaID(r), concept, depth, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, related)
}

func (h *Handler) knowledge(r *http.Request) (*semantic.Knowledge, error) {
	id := chi.URLParam(r, "id")
	k, err := h.svc.Semantic.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return k, owned(r, "knowledge", id, k.PersonaID)
}

func (h *Handler) getKnowledge(w http.ResponseWriter, r *http.Request) {
	k, err := h.knowledge(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

type reinforceRequest struct {
	Delta float64 `json:"delta"`
}

func (h *Handler) reinforceKnowledge(w http.ResponseWriter, r *http.Request) {
	var req reinforceRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	k, err := h.knowledge(r)
	if err == nil {
		k, err = h.svc.Semantic.ReinforceKnowledge(r.Context(), k.ID, req.Delta)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

func (h *Handler) deleteKnowledge(w http.ResponseWriter, r *http.Request) {
	k, err := h.knowledge(r)
	if err == nil {
		err = h.svc.Semantic.Delete(r.Context(), k.ID)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- skills ---

func (h *Handler) storeSkill(w http.ResponseWriter, r *http.Request) {
	var sk procedural.Skill
	if err := decode(r, &sk); err != nil {
		h.writeError(w, err)
		return
	}
	sk.ID = ""
	id, err := h.svc.Procedural.StoreSkillPattern(r.Context(), personaID(r), &sk)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createdResponse{ID: id})
}

func (h *Handler) listSkills(w http.ResponseWriter, r *http.Request) {
	skills, err := h.svc.Procedural.ListForPersona(r.Context(), personaID(r), r.URL.Query().Get("domain"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, skills)
}

func (h *Handler) applicableSkills(w http.ResponseWriter, r *http.Request) {
	skills, err := h.svc.Procedural.GetApplicableSkills(r.Context(), personaID(r), queryList(r, "tags"), r.URL.Query().Get("domain"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, skills)
}

func (h *Handler) searchSkills(w http.ResponseWriter, r *http.Request) {
	var (
		opts procedural.SearchOptions
		err  error
	)
	if opts.Limit, err = queryInt(r, "limit", 10); err != nil {
		h.writeError(w, err)
		return
	}
	if opts.MinSuccessRate, err = queryFloat(r, "min_success_rate", 0); err != nil {
		h.writeError(w, err)
		return
	}
	if opts.Threshold, err = queryFloat(r, "threshold", 0); err != nil {
		h.writeError(w, err)
		return
	}
	opts.Domain = r.URL.Query().Get("domain")
	results, err := h.svc.Procedural.SearchSkills(r.Context(), personaID(r), r.URL.Query().Get("q"), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) evolveSkill(w http.ResponseWriter, r *http.Request) {
	var exp procedural.Experience
	if err := decode(r, &exp); err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.svc.Procedural.EvolveSkillFromExperience(r.Context(), personaID(r), exp)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) skill(r *http.Request) (*procedural.Skill, error) {
	id := chi.URLParam(r, "id")
	sk, err := h.svc.Procedural.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return sk, owned(r, "skill", id, sk.PersonaID)
}

func (h *Handler) getSkill(w http.ResponseWriter, r *http.Request) {
	sk, err := h.skill(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

type performanceRequest struct {
	Success bool `json:"success"`
}

func (h *Handler) skillPerformance(w http.ResponseWriter, r *http.Request) {
	var req performanceRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	sk, err := h.skill(r)
	if err == nil {
		sk, err = h.svc.Procedural.UpdateSkillPerformance(r.Context(), sk.ID, req.Success)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

func (h *Handler) deleteSkill(w http.ResponseWriter, r *http.Request) {
	sk, err := h.skill(r)
	if err == nil {
		err = h.svc.Procedural.Delete(r.Context(), sk.ID)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
