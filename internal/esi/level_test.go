package esi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriageState_Wire(t *testing.T) {
	assert.Equal(t, "3 - Vital Signs Needed", StateLevel3PendingVitals.WireLevel())
	assert.Equal(t, "PENDING", StateLevel3PendingVitals.Triaged())
	assert.Equal(t, "3", StateLevel3Confirmed.WireLevel())
	assert.Equal(t, "YES", StateLevel3Confirmed.Triaged())
	assert.Equal(t, "1", StateLevel1.WireLevel())
	assert.Equal(t, "", TriageState("nope").WireLevel())
}

func TestTriageState_Terminal(t *testing.T) {
	assert.False(t, StateLevel3PendingVitals.Terminal())
	assert.True(t, StateLevel3PendingVitals.NeedsVitals())
	for _, s := range []TriageState{StateLevel1, StateLevel2, StateLevel3Confirmed, StateLevel4, StateLevel5} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, TriageState("").Terminal())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"2":                            Level2,
		" 5 ":                          Level5,
		"level 2":                      Level2,
		"Level 4":                      Level4,
		"ESI 1":                        Level1,
		"3 - Vital Signs Needed":       Level3,
		"Level 3 - Vital Signs Needed": Level3,
		"3-vital signs needed":         Level3,
		"3 - Vital Signs":              Level3,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{
		"", "urgent", "7", "level 0",
		"-2", "+2", "3.7", "level 6 or 2", "2 or 3", "ESI 22",
		"2 - Vital Signs Needed", "5 - vital signs needed",
	} {
		_, err := ParseLevel(in)
		assert.ErrorIs(t, err, ErrInvalidInput, in)
	}
}

func TestParseWireState(t *testing.T) {
	s, err := ParseWireState("3 - Vital Signs Needed", "PENDING")
	require.NoError(t, err)
	assert.Equal(t, StateLevel3PendingVitals, s)

	s, err = ParseWireState("3", "YES")
	require.NoError(t, err)
	assert.Equal(t, StateLevel3Confirmed, s)

	s, err = ParseWireState("level 2", "")
	require.NoError(t, err)
	assert.Equal(t, StateLevel2, s)

	// the pending suffix only belongs to level 3
	_, err = ParseWireState("2 - Vital Signs Needed", "YES")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ParseWireState("-2", "YES")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStateForLevel(t *testing.T) {
	s, err := StateForLevel(Level3)
	require.NoError(t, err)
	assert.Equal(t, StateLevel3Confirmed, s)

	_, err = StateForLevel(Level(9))
	assert.ErrorIs(t, err, ErrInvalidInput)
}
