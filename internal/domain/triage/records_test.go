package triage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-esi/internal/esi"
)

func TestWellFormedID(t *testing.T) {
	assert.True(t, WellFormedID("er_0001"))
	assert.True(t, WellFormedID("er_A1b2C3"))
	assert.False(t, WellFormedID("er_01"))
	assert.False(t, WellFormedID("patient-7"))
	assert.False(t, WellFormedID(""))
}

func TestIntakeRecord_Patient(t *testing.T) {
	var rec IntakeRecord
	require.NoError(t, json.Unmarshal([]byte(`{
		"patient_id": " er_0042 ",
		"age": 3,
		"age_months": 6,
		"arrival_time": "2026-10-16T08:15:00Z",
		"chief_complaint_and_reported_symptoms": "fever for two days",
		"vitals": {"sao2": 98, "hr": 150, "rr": 35, "temperature": 38.9}
	}`), &rec))

	p, err := rec.Patient()
	require.NoError(t, err)
	assert.Equal(t, "er_0042", p.ID)
	assert.InDelta(t, 0.5, p.Age, 1e-9)
	assert.Equal(t, "fever for two days", p.ChiefComplaint)
	require.NotNil(t, p.Vitals)
	assert.Equal(t, 38.9, *p.Vitals.Temperature)

	*p.Vitals.HeartRate = 10
	assert.Equal(t, 150.0, *rec.Vitals.HeartRate)
}

func TestIntakeRecord_PatientErrors(t *testing.T) {
	age := 30.0
	_, err := IntakeRecord{Age: &age}.Patient()
	assert.ErrorIs(t, err, esi.ErrInvalidInput)

	_, err = IntakeRecord{PatientID: "er_0001"}.Patient()
	assert.ErrorIs(t, err, esi.ErrInvalidInput)
}

func TestResultRecord_Normalize(t *testing.T) {
	tests := []struct {
		in      ResultRecord
		level   string
		triaged string
		pending bool
	}{
		{ResultRecord{PatientID: "er_0001", TriageLevel: "Level 2"}, "2", esi.TriagedYes, false},
		{ResultRecord{PatientID: "er_0001", TriageLevel: "3", Triaged: "pending"}, esi.WirePendingVitals, esi.TriagedPending, true},
		{ResultRecord{PatientID: "er_0001", TriageLevel: "3 - Vital Signs Needed"}, esi.WirePendingVitals, esi.TriagedPending, true},
		{ResultRecord{PatientID: "er_0001", TriageLevel: "3", Triaged: "YES"}, "3", esi.TriagedYes, false},
		{ResultRecord{PatientID: "er_0001", TriageLevel: "5", NeedsVitals: true}, "5", esi.TriagedYes, false},
	}
	for _, tt := range tests {
		out, err := tt.in.Normalize()
		require.NoError(t, err, tt.in.TriageLevel)
		assert.Equal(t, tt.level, out.TriageLevel)
		assert.Equal(t, tt.triaged, out.Triaged)
		assert.Equal(t, tt.pending, out.NeedsVitals)
	}

	_, err := ResultRecord{PatientID: "er_0001", TriageLevel: "6"}.Normalize()
	assert.ErrorIs(t, err, esi.ErrInvalidInput)
}

func TestAggregate_Record(t *testing.T) {
	agg := NewAggregate("er_0001")
	require.NoError(t, agg.Register(esi.Patient{ID: "er_0001", Age: 40, ChiefComplaint: "ankle sprain", ArrivalTime: "08:15"}))
	require.NoError(t, agg.Classify(esi.Result{State: esi.StateLevel4, Justification: esi.JustifyOneResource, Resources: 1}, "X-ray only.", "llm"))

	rec := agg.Record()
	assert.Equal(t, "4", rec.TriageLevel)
	assert.Equal(t, esi.TriagedYes, rec.Triaged)
	assert.Equal(t, "X-ray only.", rec.Rationale)
	assert.Equal(t, "ankle sprain", rec.ChiefComplaint)
	assert.Equal(t, 2, rec.Version)
	assert.NotNil(t, rec.UpdatedAt)
	assert.Empty(t, rec.ConfirmedLevel)

	require.NoError(t, agg.Confirm(esi.Level4, "nurse-kim"))
	rec = agg.Record()
	assert.Equal(t, "4", rec.ConfirmedLevel)
	assert.Equal(t, "nurse-kim", rec.ConfirmedBy)
}

func TestConfirmRequest_Level(t *testing.T) {
	l, err := ConfirmRequest{TriageLevel: "level 1"}.Level()
	require.NoError(t, err)
	assert.Equal(t, esi.Level1, l)

	_, err = ConfirmRequest{TriageLevel: ""}.Level()
	assert.ErrorIs(t, err, esi.ErrInvalidInput)
}
