// Package triage implements the event-sourced patient triage record.
package triage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-esi/internal/esi"
)

var (
	// ErrNotFound indicates no events exist for the patient
	ErrNotFound = errors.New("patient not found")
	// ErrAlreadyRegistered indicates the patient id was already triaged
	ErrAlreadyRegistered = errors.New("patient already registered")
	// ErrConcurrentUpdate indicates another writer appended events first
	ErrConcurrentUpdate = errors.New("concurrent update")
	// ErrInvalidTransition indicates the operation does not apply to the record's current state
	ErrInvalidTransition = errors.New("invalid triage transition")
)

// AggregateType tags triage events in the event store and outbox
const AggregateType = "PatientTriage"

// EventType represents the type of domain event
type EventType string

const (
	EventPatientRegistered  EventType = "PatientRegistered"
	EventPatientClassified  EventType = "PatientClassified"
	EventPatientReevaluated EventType = "PatientReevaluated"
	EventTriageConfirmed    EventType = "TriageConfirmed"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         string          `json:"actor,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithActor records who caused the event
func (e *Event) WithActor(actor, correlationID string) *Event {
	e.Actor = actor
	e.CorrelationID = correlationID
	return e
}

// PatientRegisteredData is the intake as received
type PatientRegisteredData struct {
	PatientID      string      `json:"patient_id"`
	Age            float64     `json:"age"`
	ChiefComplaint string      `json:"chief_complaint_and_reported_symptoms"`
	ArrivalTime    string      `json:"arrival_time,omitempty"`
	Vitals         *esi.Vitals `json:"vitals,omitempty"`
}

// PatientClassifiedData is the outcome of decision points A-D
type PatientClassifiedData struct {
	State         esi.TriageState       `json:"state"`
	Justification esi.Justification     `json:"justification"`
	Resources     int                   `json:"resources"`
	NeedsVitals   bool                  `json:"needs_vitals"`
	Assessment    *esi.VitalsAssessment `json:"vitals_assessment,omitempty"`
	Rationale     string                `json:"rationale,omitempty"`
	Source        string                `json:"judgment_source"`
}

// PatientReevaluatedData records late vitals and the decision point D outcome
type PatientReevaluatedData struct {
	Vitals        esi.Vitals            `json:"vitals"`
	PreviousState esi.TriageState       `json:"previous_state"`
	State         esi.TriageState       `json:"state"`
	Justification esi.Justification     `json:"justification"`
	Assessment    *esi.VitalsAssessment `json:"vitals_assessment,omitempty"`
	Rationale     string                `json:"rationale,omitempty"`
}

// TriageConfirmedData records the nurse's final level
type TriageConfirmedData struct {
	Level       esi.Level       `json:"level"`
	State       esi.TriageState `json:"state"`
	Proposed    esi.TriageState `json:"proposed_state"`
	Override    bool            `json:"override"`
	ConfirmedBy string          `json:"confirmed_by,omitempty"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}
