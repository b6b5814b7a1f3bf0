package judgment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-esi/internal/esi"
	"github.com/drfirst/go-esi/pkg/circuitbreaker"
)

// scriptedLLM answers by matching a marker in the prompt
type scriptedLLM struct {
	mu      sync.Mutex
	answers map[string]string
	err     error
	prompts []string
}

func (s *scriptedLLM) Complete(_ context.Context, _, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	for marker, answer := range s.answers {
		if strings.Contains(prompt, marker) {
			return answer, nil
		}
	}
	return "", errors.New("unscripted prompt")
}

type recordingObserver struct {
	decisions []string
}

func (r *recordingObserver) ObserveJudgment(decision string, _ time.Duration, _ error) {
	r.decisions = append(r.decisions, decision)
}

func TestParseYesNo(t *testing.T) {
	yes, reason, err := ParseYesNo("Sure.\n```json\n{\"answer\": true, \"reason\": \"apneic\"}\n```")
	require.NoError(t, err)
	assert.True(t, yes)
	assert.Equal(t, "apneic", reason)

	yes, _, err = ParseYesNo(`Here you go: {"answer": false, "reason": "stable {no distress}"} thanks`)
	require.NoError(t, err)
	assert.False(t, yes)

	_, _, err = ParseYesNo(`{"reason": "forgot"}`)
	assert.Error(t, err)

	_, _, err = ParseYesNo("no json here")
	assert.Error(t, err)
}

func TestParseResources(t *testing.T) {
	n, _, err := ParseResources(`{"resources": 3, "reason": "labs, CT, IV fluids"}`)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, _, err = ParseResources(`{"resources": -1}`)
	assert.Error(t, err)

	_, _, err = ParseResources(`{"resources": "two"}`)
	assert.Error(t, err)
}

func TestParseRationale(t *testing.T) {
	r, err := ParseRationale(`{"rationale": "  Stable, needs labs and imaging. "}`)
	require.NoError(t, err)
	assert.Equal(t, "Stable, needs labs and imaging.", r)

	_, err = ParseRationale(`{"rationale": ""}`)
	assert.Error(t, err)
}

func TestPatientSummary(t *testing.T) {
	v := esi.NewVitals(97, 120, 30).WithTemperature(38.2)
	s := PatientSummary(esi.Patient{ID: "er_0001", Age: 1.25, ChiefComplaint: "fever", Vitals: &v})
	assert.Contains(t, s, "15 months")
	assert.Contains(t, s, "SaO2 97%")
	assert.Contains(t, s, "T 38.2")

	s = PatientSummary(esi.Patient{ID: "er_0002", Age: 45})
	assert.Contains(t, s, "45 years")
	assert.Contains(t, s, "(none reported)")
	assert.NotContains(t, s, "vital signs")
}

func TestLLMProvider_ClassifiesThroughEngine(t *testing.T) {
	llm := &scriptedLLM{answers: map[string]string{
		"Decision point A": `{"answer": false, "reason": "alert, breathing"}`,
		"Decision point B": `{"answer": false, "reason": "no high-risk features"}`,
		"Decision point C": `{"resources": 2, "reason": "labs and CT"}`,
	}}
	obs := &recordingObserver{}
	p := NewLLMProvider(llm, nil, WithObserver(obs))

	r, err := esi.Classify(context.Background(), esi.Patient{ID: "er_0100", Age: 22, ChiefComplaint: "RLQ pain since morning"}, p)
	require.NoError(t, err)
	assert.Equal(t, esi.StateLevel3PendingVitals, r.State)
	assert.Equal(t, 2, r.Resources)
	assert.Equal(t, []string{"A", "B", "C"}, obs.decisions)
	assert.Contains(t, llm.prompts[0], "RLQ pain since morning")
}

func TestLLMProvider_FailureSurfacesAsJudgmentUnavailable(t *testing.T) {
	p := NewLLMProvider(&scriptedLLM{err: errors.New("connection refused")}, nil)

	_, err := esi.Classify(context.Background(), esi.Patient{ID: "er_0101", Age: 40}, p)
	assert.ErrorIs(t, err, esi.ErrJudgmentUnavailable)
}

func TestLLMProvider_MalformedAnswer(t *testing.T) {
	p := NewLLMProvider(&scriptedLLM{answers: map[string]string{"Decision point A": "I think so"}}, nil)

	_, err := p.IsImmediatelyLifeThreatening(context.Background(), esi.Patient{ID: "er_0102", Age: 40})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision point A")
}

func TestLLMProvider_Explain(t *testing.T) {
	llm := &scriptedLLM{answers: map[string]string{"already been assigned": `{"rationale": "Chest pain, stable; high risk."}`}}
	p := NewLLMProvider(llm, nil)

	got, err := p.Explain(context.Background(), esi.Patient{ID: "er_0103", Age: 60}, esi.Result{State: esi.StateLevel2, Justification: esi.JustifyHighRisk})
	require.NoError(t, err)
	assert.Equal(t, "Chest pain, stable; high risk.", got)
	assert.Contains(t, llm.prompts[0], "Assigned level: 2")
}

func TestStaticProvider(t *testing.T) {
	two := 2
	p := NewStaticProvider(Assessment{Resources: &two, Rationale: "needs labs and x-ray"})

	r, err := esi.Classify(context.Background(), esi.Patient{ID: "er_0200", Age: 30}, p)
	require.NoError(t, err)
	assert.Equal(t, esi.StateLevel3PendingVitals, r.State)

	why, err := p.Explain(context.Background(), esi.Patient{}, r)
	require.NoError(t, err)
	assert.Equal(t, "needs labs and x-ray", why)
}

func TestStaticProvider_ResourcesNotAssessed(t *testing.T) {
	p := NewStaticProvider(Assessment{})

	_, err := esi.Classify(context.Background(), esi.Patient{ID: "er_0201", Age: 30}, p)
	assert.ErrorIs(t, err, esi.ErrJudgmentUnavailable)
	assert.ErrorIs(t, err, ErrNotAssessed)

	// A short-circuits before C is reached
	r, err := esi.Classify(context.Background(), esi.Patient{ID: "er_0201", Age: 30}, NewStaticProvider(Assessment{LifeThreatening: true}))
	require.NoError(t, err)
	assert.Equal(t, esi.StateLevel1, r.State)
}

func TestGuarded_OpensAfterFailures(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("judgment-test")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	llm := &scriptedLLM{err: errors.New("upstream 500")}
	g := NewGuarded(NewLLMProvider(llm, nil), cb)
	patient := esi.Patient{ID: "er_0300", Age: 50}

	for i := 0; i < 2; i++ {
		_, err := g.IsImmediatelyLifeThreatening(context.Background(), patient)
		require.Error(t, err)
	}
	assert.True(t, cb.IsOpen())

	_, err = esi.Classify(context.Background(), patient, g)
	assert.ErrorIs(t, err, esi.ErrJudgmentUnavailable)
	assert.True(t, circuitbreaker.IsOpenError(err))
	assert.Len(t, llm.prompts, 2, "open breaker must not reach the model")
}

func TestGuarded_PassesAnswersThrough(t *testing.T) {
	cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("judgment-ok"), nil)
	require.NoError(t, err)

	one := 1
	g := NewGuarded(NewStaticProvider(Assessment{Resources: &one, Rationale: "x-ray"}), cb)

	r, err := esi.Classify(context.Background(), esi.Patient{ID: "er_0301", Age: 12}, g)
	require.NoError(t, err)
	assert.Equal(t, esi.StateLevel4, r.State)

	why, err := g.Explain(context.Background(), esi.Patient{}, r)
	require.NoError(t, err)
	assert.Equal(t, "x-ray", why)
}
