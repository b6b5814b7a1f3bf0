package judgment

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-esi/internal/esi"
)

// Explainer produces the free-text rationale shown to the nurse for an assigned level.
type Explainer interface {
	Explain(ctx context.Context, p esi.Patient, r esi.Result) (string, error)
}

// Observer receives the latency and outcome of each judgment call
type Observer interface {
	ObserveJudgment(decision string, elapsed time.Duration, err error)
}

// LLMProvider asks a language model the questions of decision points A, B and C.
type LLMProvider struct {
	llm      Completer
	logger   *zap.Logger
	tracer   trace.Tracer
	observer Observer
}

// ProviderOption configures an LLMProvider
type ProviderOption func(*LLMProvider)

// WithObserver reports call latency to o
func WithObserver(o Observer) ProviderOption {
	return func(p *LLMProvider) { p.observer = o }
}

// NewLLMProvider creates a provider backed by llm
func NewLLMProvider(llm Completer, logger *zap.Logger, opts ...ProviderOption) *LLMProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &LLMProvider{
		llm:    llm,
		logger: logger,
		tracer: otel.Tracer("judgment-llm"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsImmediatelyLifeThreatening answers decision point A
func (p *LLMProvider) IsImmediatelyLifeThreatening(ctx context.Context, patient esi.Patient) (bool, error) {
	return p.askYesNo(ctx, esi.DecisionA, LifeThreatPromptTemplate, patient)
}

// IsHighRiskOrSevereDistress answers decision point B
func (p *LLMProvider) IsHighRiskOrSevereDistress(ctx context.Context, patient esi.Patient) (bool, error) {
	return p.askYesNo(ctx, esi.DecisionB, HighRiskPromptTemplate, patient)
}

// EstimateResourceCount answers decision point C
func (p *LLMProvider) EstimateResourceCount(ctx context.Context, patient esi.Patient) (int, error) {
	content, err := p.complete(ctx, string(esi.DecisionC), patient.ID, fmt.Sprintf(ResourcesPromptTemplate, PatientSummary(patient)))
	if err != nil {
		return 0, err
	}
	n, reason, err := ParseResources(content)
	if err != nil {
		return 0, fmt.Errorf("decision point C answer: %w", err)
	}
	p.logger.Debug("resource estimate",
		zap.String("patient_id", patient.ID),
		zap.Int("resources", n),
		zap.String("reason", reason))
	return n, nil
}

// Explain asks the model for a short rationale of an already assigned level
func (p *LLMProvider) Explain(ctx context.Context, patient esi.Patient, r esi.Result) (string, error) {
	prompt := fmt.Sprintf(RationalePromptTemplate, PatientSummary(patient), r.State.WireLevel(), r.Justification.Describe())
	content, err := p.complete(ctx, "rationale", patient.ID, prompt)
	if err != nil {
		return "", err
	}
	return ParseRationale(content)
}

func (p *LLMProvider) askYesNo(ctx context.Context, dp esi.DecisionPoint, tmpl string, patient esi.Patient) (bool, error) {
	content, err := p.complete(ctx, string(dp), patient.ID, fmt.Sprintf(tmpl, PatientSummary(patient)))
	if err != nil {
		return false, err
	}
	yes, reason, err := ParseYesNo(content)
	if err != nil {
		return false, fmt.Errorf("decision point %s answer: %w", dp, err)
	}
	p.logger.Debug("judgment",
		zap.String("patient_id", patient.ID),
		zap.String("decision_point", string(dp)),
		zap.Bool("answer", yes),
		zap.String("reason", reason))
	return yes, nil
}

func (p *LLMProvider) complete(ctx context.Context, decision, patientID, prompt string) (string, error) {
	ctx, span := p.tracer.Start(ctx, "judgment."+decision,
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("decision_point", decision),
		))
	defer span.End()

	start := time.Now()
	content, err := p.llm.Complete(ctx, SystemPrompt, prompt)
	if p.observer != nil {
		p.observer.ObserveJudgment(decision, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("judgment call failed",
			zap.String("patient_id", patientID),
			zap.String("decision_point", decision),
			zap.Error(err))
		return "", err
	}
	return content, nil
}
