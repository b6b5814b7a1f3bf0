package triage

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/drfirst/go-esi/internal/esi"
	"github.com/drfirst/go-esi/internal/judgment"
)

var patientIDPattern = regexp.MustCompile(`^er_[0-9A-Za-z]{4,}$`)

// WellFormedID reports whether id follows the er_xxxx convention.
// Other non-empty ids are accepted.
func WellFormedID(id string) bool {
	return patientIDPattern.MatchString(id)
}

// VitalsInput is a set of readings as submitted on the wire
type VitalsInput = esi.Vitals

// IntakeRecord is the patient intake as submitted by reception
type IntakeRecord struct {
	PatientID      string               `json:"patient_id"`
	Age            *float64             `json:"age"`
	AgeMonths      *float64             `json:"age_months,omitempty"`
	ArrivalTime    string               `json:"arrival_time"`
	ChiefComplaint string               `json:"chief_complaint_and_reported_symptoms"`
	Vitals         *VitalsInput         `json:"vitals,omitempty"`
	Assessment     *judgment.Assessment `json:"assessment,omitempty"`
}

// Patient converts the intake to the rule engine's input. age_months, when present,
// takes precedence over age.
func (r IntakeRecord) Patient() (esi.Patient, error) {
	id := strings.TrimSpace(r.PatientID)
	if id == "" {
		return esi.Patient{}, fmt.Errorf("%w: patient_id is required", esi.ErrInvalidInput)
	}

	var age float64
	switch {
	case r.AgeMonths != nil:
		age = *r.AgeMonths / 12
	case r.Age != nil:
		age = *r.Age
	default:
		return esi.Patient{}, fmt.Errorf("%w: age is required", esi.ErrInvalidInput)
	}

	p := esi.Patient{
		ID:             id,
		Age:            age,
		ChiefComplaint: r.ChiefComplaint,
		ArrivalTime:    r.ArrivalTime,
	}
	if r.Vitals != nil {
		v := r.Vitals.Clone()
		p.Vitals = &v
	}
	return p, nil
}

// ResultRecord is the triage outcome as shown to the nurse and published downstream
type ResultRecord struct {
	PatientID      string            `json:"patient_id"`
	TriageLevel    string            `json:"triage_level"`
	Triaged        string            `json:"triaged"`
	Rationale      string            `json:"rationale"`
	ArrivalTime    string            `json:"arrival_time,omitempty"`
	ChiefComplaint string            `json:"chief_complaint_and_reported_symptoms,omitempty"`
	Justification  esi.Justification `json:"justification,omitempty"`
	NeedsVitals    bool              `json:"needs_vitals"`
	ConfirmedLevel string            `json:"confirmed_level,omitempty"`
	ConfirmedBy    string            `json:"confirmed_by,omitempty"`
	Version        int               `json:"version,omitempty"`
	UpdatedAt      *time.Time        `json:"updated_at,omitempty"`
}

// State interprets the record's level fields
func (r ResultRecord) State() (esi.TriageState, error) {
	return esi.ParseWireState(r.TriageLevel, r.Triaged)
}

// Normalize validates an externally produced record and rewrites its level fields
// into canonical form.
func (r ResultRecord) Normalize() (ResultRecord, error) {
	r.PatientID = strings.TrimSpace(r.PatientID)
	if r.PatientID == "" {
		return ResultRecord{}, fmt.Errorf("%w: patient_id is required", esi.ErrInvalidInput)
	}
	state, err := r.State()
	if err != nil {
		return ResultRecord{}, err
	}
	r.TriageLevel = state.WireLevel()
	r.Triaged = state.Triaged()
	r.NeedsVitals = state.NeedsVitals()
	return r, nil
}

// Record renders the aggregate as a ResultRecord
func (a *Aggregate) Record() ResultRecord {
	rec := ResultRecord{
		PatientID:      a.id,
		TriageLevel:    a.state.WireLevel(),
		Triaged:        a.state.Triaged(),
		Rationale:      a.rationale,
		ArrivalTime:    a.patient.ArrivalTime,
		ChiefComplaint: a.patient.ChiefComplaint,
		Justification:  a.justification,
		NeedsVitals:    a.state.NeedsVitals(),
		Version:        a.version,
	}
	if !a.updatedAt.IsZero() {
		t := a.updatedAt
		rec.UpdatedAt = &t
	}
	if a.confirmed {
		rec.ConfirmedLevel = a.confirmedLevel.String()
		rec.ConfirmedBy = a.confirmedBy
	}
	return rec
}

// ConfirmRequest is a nurse's confirmation of a triage level
type ConfirmRequest struct {
	TriageLevel string `json:"triage_level"`
	ConfirmedBy string `json:"confirmed_by,omitempty"`
}

// Level parses the requested level
func (c ConfirmRequest) Level() (esi.Level, error) {
	return esi.ParseLevel(c.TriageLevel)
}
