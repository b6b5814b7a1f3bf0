package esi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Level is an ESI acuity level, 1 being the most urgent
type Level int

const (
	Level1 Level = iota + 1
	Level2
	Level3
	Level4
	Level5
)

// Valid reports whether l is one of the five ESI levels
func (l Level) Valid() bool { return l >= Level1 && l <= Level5 }

func (l Level) String() string { return strconv.Itoa(int(l)) }

// TriageState is the classification outcome, including the pending level-3 state
type TriageState string

const (
	StateLevel1              TriageState = "level_1"
	StateLevel2              TriageState = "level_2"
	StateLevel3Confirmed     TriageState = "level_3_confirmed"
	StateLevel3PendingVitals TriageState = "level_3_pending_vitals"
	StateLevel4              TriageState = "level_4"
	StateLevel5              TriageState = "level_5"
)

// Wire values used by the triage result record
const (
	WirePendingVitals = "3 - Vital Signs Needed"
	TriagedYes        = "YES"
	TriagedPending    = "PENDING"
)

var stateLevels = map[TriageState]Level{
	StateLevel1:              Level1,
	StateLevel2:              Level2,
	StateLevel3Confirmed:     Level3,
	StateLevel3PendingVitals: Level3,
	StateLevel4:              Level4,
	StateLevel5:              Level5,
}

// Level returns the numeric ESI level of the state, or 0 for an unknown state.
func (s TriageState) Level() Level { return stateLevels[s] }

// Valid reports whether s is a known state
func (s TriageState) Valid() bool {
	_, ok := stateLevels[s]
	return ok
}

// Terminal reports whether the state is final for the rule engine.
// Only the pending level-3 state still waits for vitals.
func (s TriageState) Terminal() bool { return s.Valid() && s != StateLevel3PendingVitals }

// NeedsVitals reports whether decision point D is waiting on vital signs
func (s TriageState) NeedsVitals() bool { return s == StateLevel3PendingVitals }

// WireLevel renders the state as the triage_level field of a result record
func (s TriageState) WireLevel() string {
	if s == StateLevel3PendingVitals {
		return WirePendingVitals
	}
	if l := s.Level(); l.Valid() {
		return l.String()
	}
	return ""
}

// Triaged renders the triaged field of a result record
func (s TriageState) Triaged() string {
	if s == StateLevel3PendingVitals {
		return TriagedPending
	}
	return TriagedYes
}

// StateForLevel maps a confirmed numeric level to its terminal state.
func StateForLevel(l Level) (TriageState, error) {
	switch l {
	case Level1:
		return StateLevel1, nil
	case Level2:
		return StateLevel2, nil
	case Level3:
		return StateLevel3Confirmed, nil
	case Level4:
		return StateLevel4, nil
	case Level5:
		return StateLevel5, nil
	}
	return "", fmt.Errorf("%w: level %d", ErrInvalidInput, int(l))
}

var levelPattern = regexp.MustCompile(`(?i)^(?:esi\s*)?(?:level\s*)?([1-5])(\s*-\s*vital signs(?:\s+needed)?)?$`)

// ParseLevel extracts a level from the loose forms agents and nurses produce:
// "2", "level 2", "ESI 2", "3 - Vital Signs Needed". Anything else around the
// digit is rejected, as is the vital-signs suffix on a level other than 3.
func ParseLevel(s string) (Level, error) {
	l, _, err := parseLevel(s)
	return l, err
}

func parseLevel(s string) (Level, bool, error) {
	m := levelPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false, fmt.Errorf("%w: no ESI level in %q", ErrInvalidInput, s)
	}
	n, _ := strconv.Atoi(m[1])
	needsVitals := m[2] != ""
	if needsVitals && Level(n) != Level3 {
		return 0, false, fmt.Errorf("%w: only level 3 waits for vital signs, got %q", ErrInvalidInput, s)
	}
	return Level(n), needsVitals, nil
}

// ParseWireState interprets a result record's triage_level and triaged fields.
func ParseWireState(triageLevel, triaged string) (TriageState, error) {
	l, needsVitals, err := parseLevel(triageLevel)
	if err != nil {
		return "", err
	}
	pending := needsVitals || strings.EqualFold(strings.TrimSpace(triaged), TriagedPending)
	if l == Level3 && pending {
		return StateLevel3PendingVitals, nil
	}
	return StateForLevel(l)
}
