package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/nuka-mind/internal/consciousness"
	"github.com/nidhogg/nuka-mind/internal/consolidation"
	"github.com/nidhogg/nuka-mind/internal/episodic"
	"github.com/nidhogg/nuka-mind/internal/metrics"
	"github.com/nidhogg/nuka-mind/internal/persona"
	"github.com/nidhogg/nuka-mind/internal/procedural"
	"github.com/nidhogg/nuka-mind/internal/semantic"
	"github.com/nidhogg/nuka-mind/internal/sleep"
	"github.com/nidhogg/nuka-mind/internal/testutil"
)

// newTestServer wires every engine over an in-memory SQLite store.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	env := testutil.NewEnv(t)
	ep := episodic.NewStore(env.DB, env.Index, env.Embedder, episodic.DefaultConfig(), env.Logger)
	sem := semantic.NewStore(env.DB, env.Index, env.Embedder, semantic.DefaultConfig(), env.Logger)
	proc := procedural.NewStore(env.DB, env.Index, env.Embedder, procedural.DefaultConfig(), env.Logger)
	collector := metrics.NewCollector("nuka_mind", env.Logger)
	engine := consolidation.NewEngine(consolidation.Deps{
		Episodic:   ep,
		Semantic:   sem,
		Procedural: proc,
		Index:      env.Index,
		Locker:     consolidation.NewKeyedMutex(),
		Recorder:   collector,
	}, consolidation.DefaultConfig(), env.Logger)
	cons := consciousness.NewEngine(env.DB, consciousness.DefaultConfig(), env.Logger)
	sleeper := sleep.NewManager(env.DB, engine, 12*time.Hour, env.Logger)
	sleeper.SetRecorder(collector)
	core := persona.NewCore(env.DB, cons, sleeper, persona.DefaultConfig(), env.Logger)

	h := NewHandler(Services{
		Personas:      core,
		Episodic:      ep,
		Semantic:      sem,
		Procedural:    proc,
		Consolidation: engine,
		Consciousness: cons,
		Sleep:         sleeper,
		Metrics:       collector,
	}, nil, env.Logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts
}

func send(t *testing.T, ts *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		r = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, ts.URL+path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("got status %d, want %d: %s", resp.StatusCode, want, body)
	}
}

func createPersona(t *testing.T, ts *httptest.Server, id string) {
	t.Helper()
	resp := send(t, ts, "POST", "/api/personas", map[string]string{"id": id, "name": "Ada"})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)
	resp := send(t, ts, "GET", "/api/health", nil)
	expectStatus(t, resp, http.StatusOK)
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("got %v", body)
	}
}

func TestPersonaLifecycle(t *testing.T) {
	ts := newTestServer(t)
	createPersona(t, ts, "p1")

	resp := send(t, ts, "POST", "/api/personas", map[string]string{"id": "p1"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	var ids []string
	decodeJSON(t, send(t, ts, "GET", "/api/personas", nil), &ids)
	if len(ids) != 1 || ids[0] != "p1" {
		t.Fatalf("got ids %v", ids)
	}

	resp = send(t, ts, "GET", "/api/personas/p1", nil)
	expectStatus(t, resp, http.StatusOK)
	var status persona.Status
	decodeJSON(t, resp, &status)
	if status.Persona.Name != "Ada" || len(status.Traits) != 7 {
		t.Fatalf("got %+v", status)
	}

	resp = send(t, ts, "GET", "/api/personas/ghost", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = send(t, ts, "POST", "/api/personas/p1/sleep", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = send(t, ts, "POST", "/api/personas/p1/sleep", nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
	resp = send(t, ts, "POST", "/api/personas/p1/awaken", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestTraitsAndExperiences(t *testing.T) {
	ts := newTestServer(t)
	createPersona(t, ts, "p1")

	resp := send(t, ts, "PUT", "/api/personas/p1/traits/openness", map[string]any{})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = send(t, ts, "PUT", "/api/personas/p1/traits/openness", map[string]any{"value": 0.9})
	expectStatus(t, resp, http.StatusOK)
	var tr persona.Trait
	decodeJSON(t, resp, &tr)
	if tr.Value != 0.9 {
		t.Fatalf("got %+v", tr)
	}

	resp = send(t, ts, "POST", "/api/personas/p1/experiences", persona.Experience{
		EventType: "problem_solving", Outcome: persona.OutcomePositive, EmotionalImpact: 1,
	})
	expectStatus(t, resp, http.StatusOK)
	var changes []persona.TraitChange
	decodeJSON(t, resp, &changes)
	if len(changes) != 3 {
		t.Fatalf("got %+v, want 3 changes", changes)
	}
}

func TestEpisodeRoutes(t *testing.T) {
	ts := newTestServer(t)
	createPersona(t, ts, "p1")
	createPersona(t, ts, "p2")

	resp := send(t, ts, "POST", "/api/personas/p1/episodes", map[string]any{
		"event_type":        "conversation",
		"content":           "talked about the garden",
		"importance_score":  0.9,
		"emotional_valence": 0.8,
	})
	expectStatus(t, resp, http.StatusCreated)
	var created createdResponse
	decodeJSON(t, resp, &created)

	var recent []episodic.Entry
	decodeJSON(t, send(t, ts, "GET", "/api/personas/p1/episodes?limit=1", nil), &recent)
	if len(recent) != 1 || recent[0].ID != created.ID || recent[0].ImportanceScore != 0.9 {
		t.Fatalf("got %+v, want the stored episode", recent)
	}

	resp = send(t, ts, "GET", "/api/personas/p1/episodes/"+created.ID, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = send(t, ts, "GET", "/api/personas/p2/episodes/"+created.ID, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = send(t, ts, "GET", "/api/personas/p1/episodes/search?q=garden&threshold=0", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = send(t, ts, "GET", "/api/personas/p1/episodes/search?limit=abc", nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = send(t, ts, "POST", "/api/personas/p1/episodes", map[string]any{
		"event_type": "conversation", "importance_score": 2,
	})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = send(t, ts, "DELETE", "/api/personas/p1/episodes/"+created.ID, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
	resp = send(t, ts, "GET", "/api/personas/p1/episodes/"+created.ID, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestKnowledgeAndSkillRoutes(t *testing.T) {
	ts := newTestServer(t)
	createPersona(t, ts, "p1")

	resp := send(t, ts, "POST", "/api/personas/p1/knowledge", map[string]any{
		"domain": "math", "concept": "addition", "content": "adding numbers", "confidence_level": 0.5,
	})
	expectStatus(t, resp, http.StatusCreated)
	var k createdResponse
	decodeJSON(t, resp, &k)

	resp = send(t, ts, "POST", "/api/personas/p1/knowledge/"+k.ID+"/reinforce", map[string]float64{"delta": 0.2})
	expectStatus(t, resp, http.StatusOK)
	var got semantic.Knowledge
	decodeJSON(t, resp, &got)
	if got.ConfidenceLevel < 0.69 || got.ConfidenceLevel > 0.71 {
		t.Fatalf("got confidence %v, want 0.7", got.ConfidenceLevel)
	}

	resp = send(t, ts, "GET", "/api/personas/p1/knowledge/related", nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
	resp = send(t, ts, "GET", "/api/personas/p1/knowledge/graph/related?concept=addition", nil)
	expectStatus(t, resp, http.StatusNotImplemented)
	resp.Body.Close()

	resp = send(t, ts, "POST", "/api/personas/p1/skills", map[string]any{
		"name": "debug go", "domain": "coding", "success_rate": 0.5, "context_conditions": []string{"go"},
	})
	expectStatus(t, resp, http.StatusCreated)
	var sk createdResponse
	decodeJSON(t, resp, &sk)

	resp = send(t, ts, "POST", "/api/personas/p1/skills/"+sk.ID+"/performance", map[string]bool{"success": true})
	expectStatus(t, resp, http.StatusOK)
	var skill procedural.Skill
	decodeJSON(t, resp, &skill)
	if skill.SuccessRate < 0.549 || skill.SuccessRate > 0.551 {
		t.Fatalf("got rate %v, want 0.55", skill.SuccessRate)
	}

	var applicable []procedural.Skill
	decodeJSON(t, send(t, ts, "GET", "/api/personas/p1/skills/applicable?tags=Go", nil), &applicable)
	if len(applicable) != 1 {
		t.Fatalf("got %d applicable skills, want 1", len(applicable))
	}
}

func TestConsolidationAndSleepRoutes(t *testing.T) {
	ts := newTestServer(t)
	createPersona(t, ts, "p1")

	resp := send(t, ts, "POST", "/api/personas/p1/consolidate?pass=patterns", nil)
	expectStatus(t, resp, http.StatusOK)
	var rep consolidation.Report
	decodeJSON(t, resp, &rep)
	if rep.Pass != consolidation.PassPatterns {
		t.Fatalf("got %+v", rep)
	}
	resp = send(t, ts, "POST", "/api/personas/p1/consolidate?pass=bogus", nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = send(t, ts, "POST", "/api/personas/p1/sleep-cycles", map[string]string{"duration": "3h"})
	expectStatus(t, resp, http.StatusCreated)
	var c sleep.Cycle
	decodeJSON(t, resp, &c)
	if c.Type != sleep.DeepConsolidation || !c.ConsolidationProcessed {
		t.Fatalf("got %+v", c)
	}
	resp = send(t, ts, "POST", "/api/personas/p1/sleep-cycles", map[string]string{"duration": "soon"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	var a sleep.Analytics
	decodeJSON(t, send(t, ts, "GET", "/api/personas/p1/sleep-cycles/analytics", nil), &a)
	if a.TotalCycles != 1 || a.Efficiency != 1 {
		t.Fatalf("got %+v", a)
	}

	var m maintenanceResponse
	decodeJSON(t, send(t, ts, "POST", "/api/personas/p1/maintenance", nil), &m)
	if !m.Ran {
		t.Fatal("want first maintenance to run")
	}
	decodeJSON(t, send(t, ts, "POST", "/api/personas/p1/maintenance", nil), &m)
	if m.Ran {
		t.Fatal("want second maintenance skipped")
	}
}

func TestConsciousnessRoutes(t *testing.T) {
	ts := newTestServer(t)
	createPersona(t, ts, "p1")

	resp := send(t, ts, "POST", "/api/personas/p1/consciousness/levels", map[string]any{
		"levels": map[string]float64{"self_awareness": 1.5},
	})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = send(t, ts, "POST", "/api/personas/p1/consciousness/levels", map[string]any{
		"reason": "reflection", "levels": map[string]float64{"self_awareness": 0.7},
	})
	expectStatus(t, resp, http.StatusOK)
	var lr levelsResponse
	decodeJSON(t, resp, &lr)
	if !lr.Written || lr.State.Levels.SelfAwareness != 0.7 {
		t.Fatalf("got %+v", lr)
	}

	var rep consciousness.Report
	decodeJSON(t, send(t, ts, "GET", "/api/personas/p1/consciousness", nil), &rep)
	if rep.CurrentState != consciousness.Awake || rep.RecentChanges != 1 {
		t.Fatalf("got %+v", rep)
	}

	resp = send(t, ts, "POST", "/api/personas/p1/consciousness/dream", map[string]string{"dream_type": "lucid"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	resp := send(t, ts, "POST", "/api/personas", "{not json")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := send(t, ts, "GET", "/api/health", nil)
	resp.Body.Close()

	resp = send(t, ts, "GET", "/metrics", nil)
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `nuka_mind_http_requests_total{method="GET",route="/api/health",status="200"} 1`) {
		t.Fatalf("metrics output missing health request:\n%s", body)
	}
}
