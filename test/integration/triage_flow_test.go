// Package integration drives the triage API end to end: HTTP handlers, the model
// backed judgment provider behind its circuit breaker, the service and the FHIR export.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-esi/internal/api/handlers"
	"github.com/drfirst/go-esi/internal/api/middleware"
	"github.com/drfirst/go-esi/internal/domain/triage"
	"github.com/drfirst/go-esi/internal/esi"
	"github.com/drfirst/go-esi/internal/fhir/mapper"
	fhir "github.com/drfirst/go-esi/internal/fhir/r5"
	"github.com/drfirst/go-esi/internal/judgment"
	"github.com/drfirst/go-esi/internal/observability/metrics"
	"github.com/drfirst/go-esi/internal/service"
	"github.com/drfirst/go-esi/pkg/circuitbreaker"
)

const apiKey = "integration-key"

// fakeModel answers chat completions in the OpenAI wire format
type fakeModel struct {
	calls     atomic.Int32
	failing   atomic.Bool
	resources atomic.Int32
}

func (f *fakeModel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if f.failing.Load() {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var answer string
	switch prompt := string(body); {
	case strings.Contains(prompt, "Decision point A"):
		answer = `{"answer": false, "reason": "stable airway"}`
	case strings.Contains(prompt, "Decision point B"):
		answer = `{"answer": false, "reason": "no red flags"}`
	case strings.Contains(prompt, "Decision point C"):
		answer = `{"resources": ` + jsonNumber(int(f.resources.Load())) + `, "reason": "labs and imaging"}`
	default:
		answer = `{"rationale": "Likely pneumonia, needs labs and a chest x-ray."}`
	}

	reply, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": answer}}},
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(reply)
}

func jsonNumber(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

type harness struct {
	api     *httptest.Server
	model   *fakeModel
	metrics *metrics.Metrics
	breaker *circuitbreaker.CircuitBreaker
}

func newHarness(t *testing.T, breakerCfg circuitbreaker.Config) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	model := &fakeModel{}
	model.resources.Store(2)
	llmServer := httptest.NewServer(model)
	t.Cleanup(llmServer.Close)

	m := metrics.New(prometheus.NewRegistry())

	client, err := judgment.NewLLMClient("openai", "sk-test",
		judgment.WithBaseURL(llmServer.URL+"/v1/chat/completions"),
		judgment.WithModel("gpt-test"),
		judgment.WithRetries(1, time.Millisecond))
	require.NoError(t, err)

	breakers := circuitbreaker.NewManager(logger, circuitbreaker.WithStateListener(func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	}))
	cb, err := breakers.GetOrCreate(breakerCfg.Name, breakerCfg)
	require.NoError(t, err)

	judge := judgment.NewGuarded(judgment.NewLLMProvider(client, logger, judgment.WithObserver(m)), cb)
	svc := service.New(triage.NewMemoryStore(), judge, nil, logger, service.WithRecorder(m))
	h := handlers.NewTriageHandler(svc, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Metrics(m))
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(map[string]string{apiKey: "triage-desk"}))
		r.Mount("/patients", h.Routes())
		r.Mount("/board", h.BoardRoutes())
	})
	api := httptest.NewServer(r)
	t.Cleanup(api.Close)

	return &harness{api: api, model: model, metrics: m, breaker: cb}
}

func (h *harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.api.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := h.api.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func intake(id string, age float64) map[string]any {
	return map[string]any{
		"patient_id":                            id,
		"age":                                   age,
		"arrival_time":                          "2026-10-16T08:15:00Z",
		"chief_complaint_and_reported_symptoms": "fever and productive cough for three days",
	}
}

func TestTriageFlow_IntakeVitalsConfirmExport(t *testing.T) {
	h := newHarness(t, circuitbreaker.DefaultConfig("judgment"))

	// A, B and C answered by the model, then the rationale
	resp := h.do(t, http.MethodPost, "/api/v1/patients", intake("er_0001", 52))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[triage.ResultRecord](t, resp)
	assert.Equal(t, esi.WirePendingVitals, rec.TriageLevel)
	assert.Equal(t, esi.TriagedPending, rec.Triaged)
	assert.Equal(t, "Likely pneumonia, needs labs and a chest x-ray.", rec.Rationale)
	assert.Equal(t, int32(4), h.model.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PendingVitals))

	// HR over the adult limit is a danger-zone breach
	resp = h.do(t, http.MethodPost, "/api/v1/patients/er_0001/vitals", map[string]any{"sao2": 96, "hr": 124, "rr": 22})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec = decode[triage.ResultRecord](t, resp)
	assert.Equal(t, "2", rec.TriageLevel)
	assert.Equal(t, esi.TriagedYes, rec.Triaged)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.PendingVitals))

	resp = h.do(t, http.MethodPost, "/api/v1/patients/er_0001/confirm", map[string]string{"triage_level": "2", "confirmed_by": "nurse-okafor"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Confirmations.WithLabelValues("false")))

	resp = h.do(t, http.MethodGet, "/api/v1/patients/er_0001/fhir", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bundle := decode[fhir.Bundle](t, resp)
	obs, err := bundle.Observations()
	require.NoError(t, err)

	var acuity *fhir.Observation
	for i := range obs {
		if obs[i].Code.HasCode(fhir.SystemLOINC, mapper.LOINCAcuity) {
			acuity = &obs[i]
		}
	}
	require.NotNil(t, acuity)
	assert.Equal(t, fhir.StatusFinal, acuity.Status)
	require.NotNil(t, acuity.ValueInteger)
	assert.Equal(t, 2, *acuity.ValueInteger)
	assert.Len(t, acuity.DerivedFrom, 3)

	resp = h.do(t, http.MethodGet, "/api/v1/board", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[handlers.BoardResponse](t, resp)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "2", page.Entries[0].Record.ConfirmedLevel)

	assert.Positive(t, testutil.CollectAndCount(h.metrics.JudgmentDuration))
	assert.Positive(t, testutil.CollectAndCount(h.metrics.HTTPDuration))
}

func TestTriageFlow_SingleResourceSkipsVitals(t *testing.T) {
	h := newHarness(t, circuitbreaker.DefaultConfig("judgment"))
	h.model.resources.Store(1)

	resp := h.do(t, http.MethodPost, "/api/v1/patients", intake("er_0002", 30))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decode[triage.ResultRecord](t, resp)
	assert.Equal(t, "4", rec.TriageLevel)

	resp = h.do(t, http.MethodPost, "/api/v1/patients/er_0002/vitals", map[string]any{"sao2": 99, "hr": 70, "rr": 14})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTriageFlow_BreakerOpensOnFailingModel(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("judgment")
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Minute
	h := newHarness(t, cfg)
	h.model.failing.Store(true)

	resp := h.do(t, http.MethodPost, "/api/v1/patients", intake("er_0003", 40))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, circuitbreaker.StateOpen, h.breaker.GetState())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CircuitBreakerState.WithLabelValues("judgment")))
	calls := h.model.calls.Load()

	// open breaker fails fast without reaching the model
	resp = h.do(t, http.MethodPost, "/api/v1/patients", intake("er_0004", 40))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, calls, h.model.calls.Load())

	// nothing was stored, so the patient can be triaged again later
	resp = h.do(t, http.MethodGet, "/api/v1/patients/er_0003", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.TriageFailures.WithLabelValues("intake", "judgment_unavailable")))
}
