package esi

import (
	"fmt"
	"math"
)

// MinOxygenSaturation is the SaO2 percentage below which any patient is in the danger zone.
const MinOxygenSaturation = 92.0

// AgeBand classifies a patient's age for vital-sign thresholds
type AgeBand int

const (
	BandUnder3Months AgeBand = iota
	Band3MonthsTo3Years
	Band3To8Years
	BandOver8Years
)

// Age band boundaries in years. Lower bounds are inclusive except for BandOver8Years,
// which starts strictly above eight.
const (
	threeMonths = 0.25
	threeYears  = 3.0
	eightYears  = 8.0
)

var bandNames = map[AgeBand]string{
	BandUnder3Months:    "infant_under_3mo",
	Band3MonthsTo3Years: "infant_3mo_to_3y",
	Band3To8Years:       "child_3y_to_8y",
	BandOver8Years:      "over_8y",
}

func (b AgeBand) String() string {
	if name, ok := bandNames[b]; ok {
		return name
	}
	return fmt.Sprintf("AgeBand(%d)", int(b))
}

// MarshalText encodes the band by name
func (b AgeBand) MarshalText() ([]byte, error) {
	if _, ok := bandNames[b]; !ok {
		return nil, fmt.Errorf("unknown age band %d", int(b))
	}
	return []byte(b.String()), nil
}

// UnmarshalText decodes a band name
func (b *AgeBand) UnmarshalText(text []byte) error {
	for band, name := range bandNames {
		if name == string(text) {
			*b = band
			return nil
		}
	}
	return fmt.Errorf("unknown age band %q", text)
}

// Thresholds are the strict upper limits for heart and respiratory rate in one age band
type Thresholds struct {
	HeartRateMax       float64 `json:"hr_max"`
	RespiratoryRateMax float64 `json:"rr_max"`
}

var bandThresholds = map[AgeBand]Thresholds{
	BandUnder3Months:    {HeartRateMax: 180, RespiratoryRateMax: 50},
	Band3MonthsTo3Years: {HeartRateMax: 160, RespiratoryRateMax: 40},
	Band3To8Years:       {HeartRateMax: 140, RespiratoryRateMax: 30},
	BandOver8Years:      {HeartRateMax: 100, RespiratoryRateMax: 20},
}

// ThresholdsFor returns the danger-zone limits of a band
func ThresholdsFor(b AgeBand) Thresholds {
	return bandThresholds[b]
}

// BandOf resolves the age band for an age in years.
// Callers must validate the age first; negative ages fall into BandUnder3Months.
func BandOf(age float64) AgeBand {
	switch {
	case age < threeMonths:
		return BandUnder3Months
	case age < threeYears:
		return Band3MonthsTo3Years
	case age <= eightYears:
		return Band3To8Years
	default:
		return BandOver8Years
	}
}

// RequiresTemperature reports whether body temperature must be collected for this age.
func RequiresTemperature(age float64) bool {
	return age < threeYears
}

// Vitals holds a set of vital-sign readings. Nil fields were not supplied.
type Vitals struct {
	OxygenSaturation *float64 `json:"sao2,omitempty"`
	HeartRate        *float64 `json:"hr,omitempty"`
	RespiratoryRate  *float64 `json:"rr,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
}

// NewVitals builds a complete reading without temperature.
func NewVitals(sao2, hr, rr float64) Vitals {
	return Vitals{OxygenSaturation: &sao2, HeartRate: &hr, RespiratoryRate: &rr}
}

// WithTemperature returns a copy of v carrying a temperature reading.
func (v Vitals) WithTemperature(t float64) Vitals {
	v.Temperature = &t
	return v
}

// Clone deep-copies the readings
func (v Vitals) Clone() Vitals {
	return Vitals{
		OxygenSaturation: clonePtr(v.OxygenSaturation),
		HeartRate:        clonePtr(v.HeartRate),
		RespiratoryRate:  clonePtr(v.RespiratoryRate),
		Temperature:      clonePtr(v.Temperature),
	}
}

func clonePtr(f *float64) *float64 {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// Sign names a vital sign
type Sign string

const (
	SignOxygenSaturation Sign = "sao2"
	SignHeartRate        Sign = "hr"
	SignRespiratoryRate  Sign = "rr"
	SignTemperature      Sign = "temperature"
)

// Breach records one reading outside its danger-zone limit
type Breach struct {
	Sign  Sign    `json:"sign"`
	Value float64 `json:"value"`
	Limit float64 `json:"limit"`
}

// VitalsAssessment is the structured outcome of a danger-zone check
type VitalsAssessment struct {
	Band       AgeBand    `json:"band"`
	Thresholds Thresholds `json:"thresholds"`
	Danger     bool       `json:"danger"`
	Breaches   []Breach   `json:"breaches,omitempty"`
}

// IsDangerZone reports whether the vitals fall in the danger zone for the given age.
func IsDangerZone(age float64, v Vitals) (bool, error) {
	a, err := EvaluateVitals(age, v)
	if err != nil {
		return false, err
	}
	return a.Danger, nil
}

// EvaluateVitals checks the readings against the universal SaO2 floor and the
// age-banded heart and respiratory rate limits.
func EvaluateVitals(age float64, v Vitals) (VitalsAssessment, error) {
	if err := validateAge(age); err != nil {
		return VitalsAssessment{}, err
	}
	if err := validateVitals(v); err != nil {
		return VitalsAssessment{}, err
	}

	band := BandOf(age)
	limits := ThresholdsFor(band)
	a := VitalsAssessment{Band: band, Thresholds: limits}

	if sao2 := *v.OxygenSaturation; sao2 < MinOxygenSaturation {
		a.Breaches = append(a.Breaches, Breach{Sign: SignOxygenSaturation, Value: sao2, Limit: MinOxygenSaturation})
	}
	if hr := *v.HeartRate; hr > limits.HeartRateMax {
		a.Breaches = append(a.Breaches, Breach{Sign: SignHeartRate, Value: hr, Limit: limits.HeartRateMax})
	}
	if rr := *v.RespiratoryRate; rr > limits.RespiratoryRateMax {
		a.Breaches = append(a.Breaches, Breach{Sign: SignRespiratoryRate, Value: rr, Limit: limits.RespiratoryRateMax})
	}

	a.Danger = len(a.Breaches) > 0

	// A breach already settles the outcome. Confirming a young patient as safe
	// needs the temperature reading on file.
	// TODO: temperature has no danger-zone limit yet; add one once a clinically
	// reviewed threshold for under-threes is available.
	if !a.Danger && v.Temperature == nil && RequiresTemperature(age) {
		return VitalsAssessment{}, fmt.Errorf("%w: missing [%s] for age under 3", ErrIncompleteVitals, SignTemperature)
	}
	return a, nil
}

func validateAge(age float64) error {
	if math.IsNaN(age) || math.IsInf(age, 0) {
		return fmt.Errorf("%w: age must be a finite number", ErrInvalidInput)
	}
	if age < 0 {
		return fmt.Errorf("%w: age %.2f is negative", ErrInvalidInput, age)
	}
	return nil
}

func validateVitals(v Vitals) error {
	var missing []Sign
	if v.OxygenSaturation == nil {
		missing = append(missing, SignOxygenSaturation)
	}
	if v.HeartRate == nil {
		missing = append(missing, SignHeartRate)
	}
	if v.RespiratoryRate == nil {
		missing = append(missing, SignRespiratoryRate)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrIncompleteVitals, missing)
	}

	readings := map[Sign]*float64{
		SignOxygenSaturation: v.OxygenSaturation,
		SignHeartRate:        v.HeartRate,
		SignRespiratoryRate:  v.RespiratoryRate,
		SignTemperature:      v.Temperature,
	}
	for sign, r := range readings {
		if r == nil {
			continue
		}
		if math.IsNaN(*r) || math.IsInf(*r, 0) || *r < 0 {
			return fmt.Errorf("%w: %s reading %v", ErrInvalidInput, sign, *r)
		}
	}
	if *v.OxygenSaturation > 100 {
		return fmt.Errorf("%w: sao2 %.1f exceeds 100%%", ErrInvalidInput, *v.OxygenSaturation)
	}
	return nil
}
