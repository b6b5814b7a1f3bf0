// Package mapper exports triage records as FHIR R5 resources.
package mapper

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-esi/internal/domain/triage"
	"github.com/drfirst/go-esi/internal/esi"
	"github.com/drfirst/go-esi/internal/fhir/r5"
)

// LOINC codes for the exported observations
const (
	LOINCAcuity          = "75636-1"
	LOINCOxygenSat       = "59408-5"
	LOINCHeartRate       = "8867-4"
	LOINCRespiratoryRate = "9279-1"
	LOINCBodyTemperature = "8310-5"
	LOINCAge             = "30525-0"
)

// DefaultIdentifierSystem namespaces emergency department patient ids
const DefaultIdentifierSystem = "urn:esi-triage:patient-id"

// SystemJustification codes the rule that produced a level
const SystemJustification = "urn:esi-triage:justification"

// idNamespace seeds deterministic resource ids so repeated exports of one
// record version produce the same bundle.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:esi-triage"))

type vitalSign struct {
	sign    esi.Sign
	code    string
	display string
	unit    string
	ucum    string
}

var vitalSigns = []vitalSign{
	{esi.SignOxygenSaturation, LOINCOxygenSat, "Oxygen saturation in Arterial blood by Pulse oximetry", "%", "%"},
	{esi.SignHeartRate, LOINCHeartRate, "Heart rate", "beats/minute", "/min"},
	{esi.SignRespiratoryRate, LOINCRespiratoryRate, "Respiratory rate", "breaths/minute", "/min"},
	{esi.SignTemperature, LOINCBodyTemperature, "Body temperature", "C", "Cel"},
}

// Mapper converts triage aggregates to FHIR bundles
type Mapper struct {
	identifierSystem string
	now              func() time.Time
}

// New creates a mapper. An empty system uses DefaultIdentifierSystem.
func New(identifierSystem string) *Mapper {
	if identifierSystem == "" {
		identifierSystem = DefaultIdentifierSystem
	}
	return &Mapper{
		identifierSystem: identifierSystem,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Bundle renders the record as a collection Bundle: the Patient, an age
// Observation, one Observation per vital sign on file and the ESI acuity
// Observation, which is derived from the vital signs.
func (m *Mapper) Bundle(agg *triage.Aggregate) (*r5.Bundle, error) {
	if agg.State() == "" {
		return nil, fmt.Errorf("%w: patient %s has no triage level", triage.ErrInvalidTransition, agg.ID())
	}

	version := strconv.Itoa(agg.Version())
	bundle := r5.NewBundle(m.resourceID(agg.ID(), "bundle", version), r5.BundleCollection, m.now())

	patientID := m.resourceID(agg.ID(), "patient", "")
	subject := &r5.Reference{Reference: "urn:uuid:" + patientID, Type: r5.TypePatient}
	if err := bundle.Add("urn:uuid:"+patientID, m.patient(patientID, agg)); err != nil {
		return nil, err
	}

	effective := agg.UpdatedAt()
	p := agg.Patient()

	age := m.ageObservation(agg.ID(), subject, p.Age, agg.RegisteredAt())
	if err := bundle.Add("urn:uuid:"+age.ID, age); err != nil {
		return nil, err
	}

	var derived []r5.Reference
	if p.Vitals != nil {
		for _, obs := range m.vitalObservations(agg, subject, version, effective) {
			if err := bundle.Add("urn:uuid:"+obs.ID, obs); err != nil {
				return nil, err
			}
			derived = append(derived, r5.Reference{Reference: "urn:uuid:" + obs.ID, Type: r5.TypeObservation})
		}
	}

	acuity := m.acuityObservation(agg, subject, version, effective, derived)
	if err := bundle.Add("urn:uuid:"+acuity.ID, acuity); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (m *Mapper) resourceID(patientID, kind, version string) string {
	return uuid.NewSHA1(idNamespace, []byte(patientID+"/"+kind+"/"+version)).String()
}

func (m *Mapper) patient(id string, agg *triage.Aggregate) *r5.Patient {
	return &r5.Patient{
		ResourceType: r5.TypePatient,
		ID:           id,
		Identifier: []r5.Identifier{{
			Use:    "usual",
			System: m.identifierSystem,
			Value:  agg.ID(),
		}},
		Active: true,
	}
}

func (m *Mapper) ageObservation(patientID string, subject *r5.Reference, age float64, at time.Time) *r5.Observation {
	obs := &r5.Observation{
		ResourceType: r5.TypeObservation,
		ID:           m.resourceID(patientID, "age", ""),
		Status:       r5.StatusFinal,
		Code:         loinc(LOINCAge, "Age"),
		Subject:      subject,
		ValueQuantity: &r5.Quantity{
			Value:  age,
			Unit:   "years",
			System: r5.SystemUCUM,
			Code:   "a",
		},
	}
	if !at.IsZero() {
		obs.EffectiveDateTime = &at
	}
	return obs
}

func (m *Mapper) vitalObservations(agg *triage.Aggregate, subject *r5.Reference, version string, effective time.Time) []*r5.Observation {
	v := agg.Patient().Vitals
	readings := map[esi.Sign]*float64{
		esi.SignOxygenSaturation: v.OxygenSaturation,
		esi.SignHeartRate:        v.HeartRate,
		esi.SignRespiratoryRate:  v.RespiratoryRate,
		esi.SignTemperature:      v.Temperature,
	}

	assessment := agg.Assessment()
	var out []*r5.Observation
	for _, vs := range vitalSigns {
		value := readings[vs.sign]
		if value == nil {
			continue
		}
		obs := &r5.Observation{
			ResourceType: r5.TypeObservation,
			ID:           m.resourceID(agg.ID(), string(vs.sign), version),
			Status:       r5.StatusFinal,
			Category:     []r5.CodeableConcept{category("vital-signs", "Vital Signs")},
			Code:         loinc(vs.code, vs.display),
			Subject:      subject,
			ValueQuantity: &r5.Quantity{
				Value:  *value,
				Unit:   vs.unit,
				System: r5.SystemUCUM,
				Code:   vs.ucum,
			},
		}
		if !effective.IsZero() {
			obs.EffectiveDateTime = &effective
		}
		if assessment != nil {
			obs.ReferenceRange = referenceRange(vs, assessment.Thresholds)
			if interp := interpretation(vs.sign, assessment.Breaches); interp != nil {
				obs.Interpretation = []r5.CodeableConcept{*interp}
			}
		}
		out = append(out, obs)
	}
	return out
}

func (m *Mapper) acuityObservation(agg *triage.Aggregate, subject *r5.Reference, version string, effective time.Time, derived []r5.Reference) *r5.Observation {
	state := agg.State()
	level := int(state.Level())

	obs := &r5.Observation{
		ResourceType: r5.TypeObservation,
		ID:           m.resourceID(agg.ID(), "acuity", version),
		Meta:         &r5.Meta{VersionID: version},
		Status:       r5.StatusPreliminary,
		Category:     []r5.CodeableConcept{category("survey", "Survey")},
		Code:         loinc(LOINCAcuity, "Emergency severity index"),
		Subject:      subject,
		ValueInteger: &level,
		DerivedFrom:  derived,
	}
	if !effective.IsZero() {
		obs.EffectiveDateTime = &effective
		obs.Meta.LastUpdated = &effective
	}
	if j := agg.Justification(); j != "" {
		obs.Method = &r5.CodeableConcept{
			Coding: []r5.Coding{{System: SystemJustification, Code: string(j), Display: j.Describe()}},
		}
	}
	// value[x] is a choice; a pending level has no number yet
	if state.NeedsVitals() {
		obs.ValueInteger = nil
		obs.ValueString = state.WireLevel()
	}
	if rationale := agg.Rationale(); rationale != "" {
		obs.Note = append(obs.Note, r5.Annotation{Text: rationale})
	}
	if _, by, ok := agg.Confirmed(); ok {
		obs.Status = r5.StatusFinal
		if by != "" {
			obs.Performer = []r5.Reference{{Display: by}}
		}
	}
	return obs
}

func loinc(code, display string) r5.CodeableConcept {
	return r5.CodeableConcept{
		Coding: []r5.Coding{{System: r5.SystemLOINC, Code: code, Display: display}},
		Text:   display,
	}
}

func category(code, display string) r5.CodeableConcept {
	return r5.CodeableConcept{
		Coding: []r5.Coding{{System: r5.SystemObservationCategory, Code: code, Display: display}},
	}
}

func referenceRange(vs vitalSign, t esi.Thresholds) []r5.ObservationReferenceRange {
	q := func(v float64) *r5.Quantity {
		return &r5.Quantity{Value: v, Unit: vs.unit, System: r5.SystemUCUM, Code: vs.ucum}
	}
	switch vs.sign {
	case esi.SignOxygenSaturation:
		return []r5.ObservationReferenceRange{{Low: q(esi.MinOxygenSaturation)}}
	case esi.SignHeartRate:
		return []r5.ObservationReferenceRange{{High: q(t.HeartRateMax), Text: "ESI danger zone"}}
	case esi.SignRespiratoryRate:
		return []r5.ObservationReferenceRange{{High: q(t.RespiratoryRateMax), Text: "ESI danger zone"}}
	}
	return nil
}

func interpretation(sign esi.Sign, breaches []esi.Breach) *r5.CodeableConcept {
	for _, b := range breaches {
		if b.Sign != sign {
			continue
		}
		code, display := "H", "High"
		if sign == esi.SignOxygenSaturation {
			code, display = "L", "Low"
		}
		return &r5.CodeableConcept{
			Coding: []r5.Coding{{System: r5.SystemInterpretation, Code: code, Display: display}},
		}
	}
	return nil
}
