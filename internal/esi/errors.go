// Package esi implements the deterministic parts of the Emergency Severity Index triage algorithm.
package esi

import "errors"

var (
	// ErrInvalidInput indicates malformed structured input (negative age, impossible readings).
	ErrInvalidInput = errors.New("invalid input")

	// ErrIncompleteVitals indicates decision point D was reached with required vital signs missing.
	ErrIncompleteVitals = errors.New("incomplete vitals")

	// ErrJudgmentUnavailable indicates the injected judgment provider failed or returned an unusable answer.
	ErrJudgmentUnavailable = errors.New("judgment unavailable")

	// ErrNotReevaluable indicates a re-evaluation was requested for a level decision point D never applies to.
	ErrNotReevaluable = errors.New("triage state is not re-evaluable")
)
