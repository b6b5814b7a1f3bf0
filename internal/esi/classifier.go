package esi

import (
	"context"
	"fmt"
	"strings"
)

// Patient is the structured intake the rule engine consumes.
// ChiefComplaint and ArrivalTime are opaque to the engine.
type Patient struct {
	ID             string
	Age            float64
	ChiefComplaint string
	ArrivalTime    string
	Vitals         *Vitals
}

// JudgmentProvider answers the questions at decision points A, B and C that cannot be
// derived from structured data. Implementations may call a model or record a clinician's answer.
type JudgmentProvider interface {
	IsImmediatelyLifeThreatening(ctx context.Context, p Patient) (bool, error)
	IsHighRiskOrSevereDistress(ctx context.Context, p Patient) (bool, error)
	EstimateResourceCount(ctx context.Context, p Patient) (int, error)
}

// DecisionPoint identifies one step of the ESI algorithm
type DecisionPoint string

const (
	DecisionA DecisionPoint = "A"
	DecisionB DecisionPoint = "B"
	DecisionC DecisionPoint = "C"
	DecisionD DecisionPoint = "D"
)

// Justification is a structured code explaining which rule produced a state
type Justification string

const (
	JustifyLifeThreat      Justification = "A_IMMEDIATE_LIFE_THREAT"
	JustifyHighRisk        Justification = "B_HIGH_RISK"
	JustifyNoResources     Justification = "C_NO_RESOURCES"
	JustifyOneResource     Justification = "C_ONE_RESOURCE"
	JustifyVitalsNeeded    Justification = "D_VITALS_NEEDED"
	JustifyDangerZone      Justification = "D_DANGER_ZONE"
	JustifyVitalsWithin    Justification = "D_VITALS_WITHIN_LIMITS"
	JustifyPriorEscalation Justification = "D_PRIOR_ESCALATION"
)

var justificationText = map[Justification]string{
	JustifyLifeThreat:      "Requires immediate life-saving intervention.",
	JustifyHighRisk:        "High-risk situation, new confusion or severe pain/distress; should not wait.",
	JustifyNoResources:     "No resources expected beyond exam and prescription.",
	JustifyOneResource:     "One resource expected.",
	JustifyVitalsNeeded:    "Two or more resources expected; vital signs needed to confirm level 3.",
	JustifyDangerZone:      "Two or more resources expected and vital signs in the danger zone; upgraded to level 2.",
	JustifyVitalsWithin:    "Two or more resources expected and vital signs within age limits.",
	JustifyPriorEscalation: "Already at level 2 or higher; vital signs do not lower acuity.",
}

// DecisionPoint returns the step that produced the justification
func (j Justification) DecisionPoint() DecisionPoint {
	if i := strings.IndexByte(string(j), '_'); i > 0 {
		return DecisionPoint(j[:i])
	}
	return ""
}

// Describe returns a short human-readable explanation
func (j Justification) Describe() string {
	return justificationText[j]
}

// NotEstimated marks a Result whose resource count was never requested.
const NotEstimated = -1

// Result is the outcome of a classification or re-evaluation
type Result struct {
	State         TriageState
	NeedsVitals   bool
	Justification Justification
	Resources     int
	Vitals        *VitalsAssessment
}

// Level returns the numeric level of the result
func (r Result) Level() Level { return r.State.Level() }

// Classify runs decision points A through D in order, stopping at the first match.
// No level is assigned when the judgment provider fails.
func Classify(ctx context.Context, p Patient, judge JudgmentProvider) (Result, error) {
	if err := validatePatient(p); err != nil {
		return Result{}, err
	}
	if judge == nil {
		return Result{}, fmt.Errorf("%w: no judgment provider", ErrJudgmentUnavailable)
	}

	dying, err := judge.IsImmediatelyLifeThreatening(ctx, p)
	if err != nil {
		return Result{}, judgmentFailed(DecisionA, err)
	}
	if dying {
		return Result{State: StateLevel1, Justification: JustifyLifeThreat, Resources: NotEstimated}, nil
	}

	shouldNotWait, err := judge.IsHighRiskOrSevereDistress(ctx, p)
	if err != nil {
		return Result{}, judgmentFailed(DecisionB, err)
	}
	if shouldNotWait {
		return Result{State: StateLevel2, Justification: JustifyHighRisk, Resources: NotEstimated}, nil
	}

	resources, err := judge.EstimateResourceCount(ctx, p)
	if err != nil {
		return Result{}, judgmentFailed(DecisionC, err)
	}
	switch {
	case resources < 0:
		return Result{}, fmt.Errorf("%w: decision point C: negative resource count %d", ErrJudgmentUnavailable, resources)
	case resources == 0:
		return Result{State: StateLevel5, Justification: JustifyNoResources, Resources: 0}, nil
	case resources == 1:
		return Result{State: StateLevel4, Justification: JustifyOneResource, Resources: 1}, nil
	}

	r, err := decideVitals(p)
	if err != nil {
		return Result{}, err
	}
	r.Resources = resources
	return r, nil
}

// Reevaluate re-runs decision point D for a patient whose vitals arrived after classification.
// It never revisits A-C and never lowers acuity: level 1 and 2 are returned unchanged.
// Age and readings are validated even when the level cannot change.
func Reevaluate(current TriageState, p Patient) (Result, error) {
	switch current {
	case StateLevel1, StateLevel2, StateLevel3PendingVitals, StateLevel3Confirmed:
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrNotReevaluable, current)
	}

	if err := validateAge(p.Age); err != nil {
		return Result{}, err
	}
	if p.Vitals == nil {
		return Result{}, fmt.Errorf("%w: re-evaluation requires vital signs", ErrIncompleteVitals)
	}
	if current == StateLevel1 || current == StateLevel2 {
		if err := validateVitals(*p.Vitals); err != nil {
			return Result{}, err
		}
		return Result{State: current, Justification: JustifyPriorEscalation, Resources: NotEstimated}, nil
	}

	r, err := decideVitals(p)
	if err != nil {
		return Result{}, err
	}
	r.Resources = NotEstimated
	return r, nil
}

// decideVitals is decision point D for a provisional level 3
func decideVitals(p Patient) (Result, error) {
	if p.Vitals == nil {
		return Result{State: StateLevel3PendingVitals, NeedsVitals: true, Justification: JustifyVitalsNeeded}, nil
	}

	a, err := EvaluateVitals(p.Age, *p.Vitals)
	if err != nil {
		return Result{}, err
	}
	if a.Danger {
		return Result{State: StateLevel2, Justification: JustifyDangerZone, Vitals: &a}, nil
	}
	return Result{State: StateLevel3Confirmed, Justification: JustifyVitalsWithin, Vitals: &a}, nil
}

func validatePatient(p Patient) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}
	return validateAge(p.Age)
}

func judgmentFailed(dp DecisionPoint, err error) error {
	return fmt.Errorf("%w: decision point %s: %w", ErrJudgmentUnavailable, dp, err)
}
