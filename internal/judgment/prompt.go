package judgment

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-esi/internal/esi"
)

// SystemPrompt frames every judgment request
const SystemPrompt = `You are a triage nurse assistant in a hospital emergency department.
You help human clinicians apply the Emergency Severity Index (ESI). You do not diagnose or treat,
and every answer you give is reviewed by a nurse. Answer only the question asked. Return ONLY valid JSON.`

// LifeThreatPromptTemplate asks decision point A. Takes the patient summary.
const LifeThreatPromptTemplate = `Decision point A: is this patient dying?

Answer true if the patient requires an immediate airway, medication or other hemodynamic
intervention, or is intubated, apneic, pulseless, in severe respiratory distress, has SpO2 below 90,
has acute mental status changes, or is unresponsive (nonverbal and not following commands, or
responding only to pain, or not responding at all).

Typical examples: cardiac or respiratory arrest, overdose with a respiratory rate of 6, chest pain
with a blood pressure of 70/palp, heart rate of 30 or 200 with dizziness, anaphylaxis, a flaccid baby,
hypoglycemia with a change in mental status.

Patient:
%s

Respond with a single JSON object: {"answer": true|false, "reason": "<short phrase>"}`

// HighRiskPromptTemplate asks decision point B. Takes the patient summary.
const HighRiskPromptTemplate = `Decision point B: is this a patient who should not wait?

Answer true if ANY of the following holds:
1. High-risk situation: a condition that could easily deteriorate or needs time-sensitive treatment
   (stable chest pain suspicious for coronary syndrome, stroke signs, needle stick in a health care
   worker, rule-out ectopic pregnancy, fever while on chemotherapy, suicidal or homicidal ideation,
   sudden worst headache of life).
2. New confusion, lethargy or disorientation (an acute change, not a baseline state).
3. Severe pain or distress by clinical observation; a self-reported pain score of 7/10 or more
   supports but does not decide this on its own.

Patient:
%s

Respond with a single JSON object: {"answer": true|false, "reason": "<short phrase>"}`

// ResourcesPromptTemplate asks decision point C. Takes the patient summary.
const ResourcesPromptTemplate = `Decision point C: how many distinct resources will this patient need to reach a disposition?

Count as resources: labs (blood, urine), ECG, imaging (X-ray, CT, MRI, ultrasound, angiography),
IV fluids, IV/IM/nebulized medications, specialty consultation, a simple procedure (counts 1) and a
complex procedure such as conscious sedation (counts 2).
Do NOT count: history and physical exam, point-of-care testing, saline lock, PO medications,
tetanus immunization, prescription refills, a phone call to the primary care physician, simple wound
care, crutches, splints or slings.

Patient:
%s

Respond with a single JSON object: {"resources": <integer 0 or more>, "reason": "<short phrase>"}`

// RationalePromptTemplate asks for a one-line explanation of an assigned level.
// Takes the patient summary, the level and the deterministic justification.
const RationalePromptTemplate = `A triage level has already been assigned to this patient by the ESI rules.
Explain it for the reviewing nurse in one or two short phrases. Do not propose a different level.

Patient:
%s

Assigned level: %s
Rule applied: %s

Respond with a single JSON object: {"rationale": "<one or two short phrases>"}`

// PatientSummary renders the fields a model needs to judge a patient
func PatientSummary(p esi.Patient) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- id: %s\n", p.ID)
	fmt.Fprintf(&b, "- age: %s\n", formatAge(p.Age))
	if p.ArrivalTime != "" {
		fmt.Fprintf(&b, "- arrival time: %s\n", p.ArrivalTime)
	}
	complaint := strings.TrimSpace(p.ChiefComplaint)
	if complaint == "" {
		complaint = "(none reported)"
	}
	fmt.Fprintf(&b, "- chief complaint and reported symptoms: %s\n", complaint)
	if v := p.Vitals; v != nil {
		var parts []string
		if v.OxygenSaturation != nil {
			parts = append(parts, fmt.Sprintf("SaO2 %.0f%%", *v.OxygenSaturation))
		}
		if v.HeartRate != nil {
			parts = append(parts, fmt.Sprintf("HR %.0f/min", *v.HeartRate))
		}
		if v.RespiratoryRate != nil {
			parts = append(parts, fmt.Sprintf("RR %.0f/min", *v.RespiratoryRate))
		}
		if v.Temperature != nil {
			parts = append(parts, fmt.Sprintf("T %.1f", *v.Temperature))
		}
		if len(parts) > 0 {
			fmt.Fprintf(&b, "- vital signs: %s\n", strings.Join(parts, ", "))
		}
	}
	return b.String()
}

func formatAge(age float64) string {
	if age < 3 {
		return fmt.Sprintf("%.0f months", age*12)
	}
	return fmt.Sprintf("%.0f years", age)
}
