package mapper

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-esi/internal/domain/triage"
	"github.com/drfirst/go-esi/internal/esi"
	"github.com/drfirst/go-esi/internal/fhir/r5"
)

func fixedMapper() *Mapper {
	m := New("")
	m.now = func() time.Time { return time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC) }
	return m
}

func pendingAggregate(t *testing.T, id string, age float64) *triage.Aggregate {
	t.Helper()
	agg := triage.NewAggregate(id)
	require.NoError(t, agg.Register(esi.Patient{ID: id, Age: age, ChiefComplaint: "shortness of breath"}))
	require.NoError(t, agg.Classify(esi.Result{
		State:         esi.StateLevel3PendingVitals,
		Justification: esi.JustifyVitalsNeeded,
		Resources:     2,
		NeedsVitals:   true,
	}, "Needs labs and a chest x-ray.", "llm"))
	return agg
}

func byCode(t *testing.T, obs []r5.Observation, code string) r5.Observation {
	t.Helper()
	for _, o := range obs {
		if o.Code.HasCode(r5.SystemLOINC, code) {
			return o
		}
	}
	t.Fatalf("no observation with LOINC %s", code)
	return r5.Observation{}
}

func TestBundle_PendingVitals(t *testing.T) {
	agg := pendingAggregate(t, "er_0001", 40)

	bundle, err := fixedMapper().Bundle(agg)
	require.NoError(t, err)
	assert.Equal(t, r5.TypeBundle, bundle.ResourceType)
	assert.Equal(t, r5.BundleCollection, bundle.Type)
	require.Len(t, bundle.Entry, 3)

	patient, err := bundle.Patient()
	require.NoError(t, err)
	require.NotNil(t, patient)
	assert.Equal(t, "er_0001", patient.IdentifierValue(DefaultIdentifierSystem))

	obs, err := bundle.Observations()
	require.NoError(t, err)

	acuity := byCode(t, obs, LOINCAcuity)
	assert.Equal(t, r5.StatusPreliminary, acuity.Status)
	assert.Nil(t, acuity.ValueInteger)
	assert.Equal(t, esi.WirePendingVitals, acuity.ValueString)
	assert.Empty(t, acuity.DerivedFrom)
	require.Len(t, acuity.Note, 1)
	assert.Equal(t, "Needs labs and a chest x-ray.", acuity.Note[0].Text)
	assert.True(t, acuity.Method.HasCode(SystemJustification, string(esi.JustifyVitalsNeeded)))
	assert.Equal(t, "urn:uuid:"+patient.ID, acuity.Subject.Reference)

	age := byCode(t, obs, LOINCAge)
	require.NotNil(t, age.ValueQuantity)
	assert.Equal(t, 40.0, age.ValueQuantity.Value)
}

func TestBundle_DangerZoneVitals(t *testing.T) {
	agg := pendingAggregate(t, "er_0002", 1)
	_, err := agg.Reevaluate(esi.NewVitals(90, 170, 30).WithTemperature(38.4))
	require.NoError(t, err)

	bundle, err := fixedMapper().Bundle(agg)
	require.NoError(t, err)
	obs, err := bundle.Observations()
	require.NoError(t, err)
	require.Len(t, obs, 6)

	acuity := byCode(t, obs, LOINCAcuity)
	require.NotNil(t, acuity.ValueInteger)
	assert.Equal(t, 2, *acuity.ValueInteger)
	assert.Len(t, acuity.DerivedFrom, 4)
	assert.Equal(t, "3", acuity.Meta.VersionID)

	sao2 := byCode(t, obs, LOINCOxygenSat)
	assert.Equal(t, 90.0, sao2.ValueQuantity.Value)
	require.Len(t, sao2.Interpretation, 1)
	assert.True(t, sao2.Interpretation[0].HasCode(r5.SystemInterpretation, "L"))
	require.Len(t, sao2.ReferenceRange, 1)
	assert.Equal(t, esi.MinOxygenSaturation, sao2.ReferenceRange[0].Low.Value)

	hr := byCode(t, obs, LOINCHeartRate)
	require.Len(t, hr.Interpretation, 1)
	assert.True(t, hr.Interpretation[0].HasCode(r5.SystemInterpretation, "H"))
	assert.Equal(t, 160.0, hr.ReferenceRange[0].High.Value)

	rr := byCode(t, obs, LOINCRespiratoryRate)
	assert.Empty(t, rr.Interpretation)
	assert.Equal(t, 40.0, rr.ReferenceRange[0].High.Value)

	temp := byCode(t, obs, LOINCBodyTemperature)
	assert.Equal(t, "Cel", temp.ValueQuantity.Code)
	assert.Empty(t, temp.ReferenceRange)
}

func TestBundle_ConfirmedIsFinal(t *testing.T) {
	agg := pendingAggregate(t, "er_0003", 40)
	require.NoError(t, agg.Confirm(esi.Level2, "nurse-kim"))

	bundle, err := fixedMapper().Bundle(agg)
	require.NoError(t, err)
	obs, err := bundle.Observations()
	require.NoError(t, err)

	acuity := byCode(t, obs, LOINCAcuity)
	assert.Equal(t, r5.StatusFinal, acuity.Status)
	require.NotNil(t, acuity.ValueInteger)
	assert.Equal(t, 2, *acuity.ValueInteger)
	require.Len(t, acuity.Performer, 1)
	assert.Equal(t, "nurse-kim", acuity.Performer[0].Display)
}

func TestBundle_DeterministicIDs(t *testing.T) {
	agg := pendingAggregate(t, "er_0004", 40)
	m := fixedMapper()

	first, err := m.Bundle(agg)
	require.NoError(t, err)
	second, err := m.Bundle(agg)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))

	other, err := m.Bundle(pendingAggregate(t, "er_0005", 40))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestBundle_UnclassifiedRecord(t *testing.T) {
	agg := triage.NewAggregate("er_0006")
	require.NoError(t, agg.Register(esi.Patient{ID: "er_0006", Age: 30}))

	_, err := fixedMapper().Bundle(agg)
	assert.ErrorIs(t, err, triage.ErrInvalidTransition)
}

func TestErrorOutcome(t *testing.T) {
	out := r5.NewErrorOutcome(r5.IssueNotFound, "patient er_0404 not found")
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"not-found","diagnostics":"patient er_0404 not found"}]}`, string(raw))
}
