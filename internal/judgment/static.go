package judgment

import (
	"context"
	"errors"

	"github.com/drfirst/go-esi/internal/esi"
)

// Assessment is a clinician's own answer to decision points A, B and C.
type Assessment struct {
	LifeThreatening bool   `json:"life_threatening"`
	HighRisk        bool   `json:"high_risk"`
	Resources       *int   `json:"resources,omitempty"`
	Rationale       string `json:"rationale,omitempty"`
}

// ErrNotAssessed is returned when a decision point the clinician left blank is reached
var ErrNotAssessed = errors.New("decision point not assessed")

// StaticProvider replays a clinician-entered Assessment
type StaticProvider struct {
	a Assessment
}

// NewStaticProvider creates a provider answering from a
func NewStaticProvider(a Assessment) *StaticProvider {
	return &StaticProvider{a: a}
}

// IsImmediatelyLifeThreatening answers decision point A
func (s *StaticProvider) IsImmediatelyLifeThreatening(context.Context, esi.Patient) (bool, error) {
	return s.a.LifeThreatening, nil
}

// IsHighRiskOrSevereDistress answers decision point B
func (s *StaticProvider) IsHighRiskOrSevereDistress(context.Context, esi.Patient) (bool, error) {
	return s.a.HighRisk, nil
}

// EstimateResourceCount answers decision point C
func (s *StaticProvider) EstimateResourceCount(context.Context, esi.Patient) (int, error) {
	if s.a.Resources == nil {
		return 0, ErrNotAssessed
	}
	return *s.a.Resources, nil
}

// Explain returns the clinician's rationale, if one was given
func (s *StaticProvider) Explain(context.Context, esi.Patient, esi.Result) (string, error) {
	if s.a.Rationale == "" {
		return "", ErrNotAssessed
	}
	return s.a.Rationale, nil
}
