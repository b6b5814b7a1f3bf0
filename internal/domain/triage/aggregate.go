package triage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/drfirst/go-esi/internal/esi"
)

// Aggregate is one patient's triage record, rebuilt from its events
type Aggregate struct {
	id             string
	version        int
	registered     bool
	patient        esi.Patient
	state          esi.TriageState
	justification  esi.Justification
	resources      int
	rationale      string
	source         string
	assessment     *esi.VitalsAssessment
	confirmed      bool
	confirmedLevel esi.Level
	confirmedBy    string
	registeredAt   time.Time
	updatedAt      time.Time
	changes        []*Event
}

// NewAggregate creates an empty record for the patient id
func NewAggregate(id string) *Aggregate {
	return &Aggregate{
		id:        id,
		resources: esi.NotEstimated,
		changes:   make([]*Event, 0),
	}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.id }

// Version returns the current version
func (a *Aggregate) Version() int { return a.version }

// State returns the current triage state, empty before classification
func (a *Aggregate) State() esi.TriageState { return a.state }

// Justification returns the rule that produced the current state
func (a *Aggregate) Justification() esi.Justification { return a.justification }

// Rationale returns the free-text explanation shown to the nurse
func (a *Aggregate) Rationale() string { return a.rationale }

// Patient returns a copy of the structured intake, including the latest vitals
func (a *Aggregate) Patient() esi.Patient {
	p := a.patient
	if p.Vitals != nil {
		v := p.Vitals.Clone()
		p.Vitals = &v
	}
	return p
}

// Assessment returns the latest vitals assessment, if decision point D ran
func (a *Aggregate) Assessment() *esi.VitalsAssessment { return a.assessment }

// Confirmed reports whether a nurse confirmed the level, and which
func (a *Aggregate) Confirmed() (esi.Level, string, bool) {
	return a.confirmedLevel, a.confirmedBy, a.confirmed
}

// RegisteredAt returns when the intake was recorded
func (a *Aggregate) RegisteredAt() time.Time { return a.registeredAt }

// UpdatedAt returns the time of the latest event
func (a *Aggregate) UpdatedAt() time.Time { return a.updatedAt }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = make([]*Event, 0) }

// Register records the intake
func (a *Aggregate) Register(p esi.Patient) error {
	if a.registered {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, a.id)
	}
	if p.ID != a.id {
		return fmt.Errorf("%w: patient id %q does not match record %q", esi.ErrInvalidInput, p.ID, a.id)
	}

	data := &PatientRegisteredData{
		PatientID:      p.ID,
		Age:            p.Age,
		ChiefComplaint: p.ChiefComplaint,
		ArrivalTime:    p.ArrivalTime,
		Vitals:         p.Vitals,
	}
	return a.record(EventPatientRegistered, data)
}

// Classify records the outcome of the rule engine
func (a *Aggregate) Classify(r esi.Result, rationale, source string) error {
	if !a.registered {
		return fmt.Errorf("%w: classify before register", ErrInvalidTransition)
	}
	if a.state != "" {
		return fmt.Errorf("%w: already classified as %s", ErrInvalidTransition, a.state)
	}
	if !r.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, r.State)
	}

	data := &PatientClassifiedData{
		State:         r.State,
		Justification: r.Justification,
		Resources:     r.Resources,
		NeedsVitals:   r.NeedsVitals,
		Assessment:    r.Vitals,
		Rationale:     rationale,
		Source:        source,
	}
	return a.record(EventPatientClassified, data)
}

// Reevaluate runs decision point D against newly supplied vitals and records the outcome.
// Level 1 and 2 records accept the reading without changing level.
func (a *Aggregate) Reevaluate(v esi.Vitals) (esi.Result, error) {
	if a.state == "" {
		return esi.Result{}, fmt.Errorf("%w: patient %s is not classified", ErrInvalidTransition, a.id)
	}
	if a.confirmed {
		return esi.Result{}, fmt.Errorf("%w: patient %s already confirmed by a nurse", ErrInvalidTransition, a.id)
	}

	p := a.Patient()
	reading := v.Clone()
	p.Vitals = &reading

	r, err := esi.Reevaluate(a.state, p)
	if err != nil {
		return esi.Result{}, err
	}

	// an unchanged level keeps the rule that set it
	rationale, justification := a.rationale, a.justification
	if r.State != a.state {
		rationale, justification = r.Justification.Describe(), r.Justification
	}

	data := &PatientReevaluatedData{
		Vitals:        reading,
		PreviousState: a.state,
		State:         r.State,
		Justification: justification,
		Assessment:    r.Vitals,
		Rationale:     rationale,
	}
	if err := a.record(EventPatientReevaluated, data); err != nil {
		return esi.Result{}, err
	}
	return r, nil
}

// Confirm records the nurse's final level, which may override the proposed one.
func (a *Aggregate) Confirm(level esi.Level, by string) error {
	if a.state == "" {
		return fmt.Errorf("%w: patient %s is not classified", ErrInvalidTransition, a.id)
	}
	if a.confirmed {
		return fmt.Errorf("%w: patient %s already confirmed at level %s", ErrInvalidTransition, a.id, a.confirmedLevel)
	}
	state, err := esi.StateForLevel(level)
	if err != nil {
		return err
	}

	data := &TriageConfirmedData{
		Level:       level,
		State:       state,
		Proposed:    a.state,
		Override:    state != a.state,
		ConfirmedBy: by,
		ConfirmedAt: time.Now().UTC(),
	}
	return a.record(EventTriageConfirmed, data)
}

func (a *Aggregate) record(eventType EventType, data interface{}) error {
	event, err := NewEvent(a.id, eventType, data)
	if err != nil {
		return err
	}
	if err := a.apply(event); err != nil {
		return err
	}
	a.changes = append(a.changes, event)
	return nil
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) error {
	switch event.EventType {
	case EventPatientRegistered:
		var data PatientRegisteredData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.registered = true
		a.registeredAt = event.Timestamp
		a.patient = esi.Patient{
			ID:             data.PatientID,
			Age:            data.Age,
			ChiefComplaint: data.ChiefComplaint,
			ArrivalTime:    data.ArrivalTime,
			Vitals:         data.Vitals,
		}

	case EventPatientClassified:
		var data PatientClassifiedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.state = data.State
		a.justification = data.Justification
		a.resources = data.Resources
		a.rationale = data.Rationale
		a.source = data.Source
		a.assessment = data.Assessment

	case EventPatientReevaluated:
		var data PatientReevaluatedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		v := data.Vitals
		a.patient.Vitals = &v
		a.state = data.State
		a.justification = data.Justification
		a.rationale = data.Rationale
		if data.Assessment != nil {
			a.assessment = data.Assessment
		}

	case EventTriageConfirmed:
		var data TriageConfirmedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.confirmed = true
		a.confirmedLevel = data.Level
		a.confirmedBy = data.ConfirmedBy
		a.state = data.State

	default:
		return fmt.Errorf("unknown event type %q", event.EventType)
	}

	a.version++
	a.updatedAt = event.Timestamp
	return nil
}

// LoadFromHistory rebuilds state from events
func (a *Aggregate) LoadFromHistory(events []*Event) error {
	for _, event := range events {
		if err := a.apply(event); err != nil {
			return fmt.Errorf("replay version %d: %w", event.Version, err)
		}
	}
	return nil
}
