package judgment

import (
	"context"
	"errors"
	"fmt"

	"github.com/drfirst/go-esi/internal/esi"
)

// Breaker runs a call through a circuit breaker
type Breaker interface {
	Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error)
}

// Guarded fails fast while the wrapped provider keeps failing.
type Guarded struct {
	inner   esi.JudgmentProvider
	breaker Breaker
}

// NewGuarded wraps inner with breaker
func NewGuarded(inner esi.JudgmentProvider, breaker Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

// IsImmediatelyLifeThreatening answers decision point A
func (g *Guarded) IsImmediatelyLifeThreatening(ctx context.Context, p esi.Patient) (bool, error) {
	v, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.inner.IsImmediatelyLifeThreatening(ctx, p)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// IsHighRiskOrSevereDistress answers decision point B
func (g *Guarded) IsHighRiskOrSevereDistress(ctx context.Context, p esi.Patient) (bool, error) {
	v, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.inner.IsHighRiskOrSevereDistress(ctx, p)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// EstimateResourceCount answers decision point C
func (g *Guarded) EstimateResourceCount(ctx context.Context, p esi.Patient) (int, error) {
	v, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.inner.EstimateResourceCount(ctx, p)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Explain delegates to the wrapped provider when it can explain. The rationale is
// optional text, so its failures stay outside the breaker and never block intake.
func (g *Guarded) Explain(ctx context.Context, p esi.Patient, r esi.Result) (string, error) {
	ex, ok := g.inner.(Explainer)
	if !ok {
		return "", errors.New("provider has no explainer")
	}
	text, err := ex.Explain(ctx, p, r)
	if err != nil {
		return "", fmt.Errorf("explain: %w", err)
	}
	return text, nil
}
