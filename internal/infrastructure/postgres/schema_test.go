package postgres

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchema_DeclaresTables(t *testing.T) {
	ddl := Schema()
	for _, table := range []string{"triage_events", "outbox", "inbox"} {
		assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.Contains(t, ddl, "UNIQUE (aggregate_id, version)")
}

func TestDefaultOutboxConfig(t *testing.T) {
	cfg := DefaultOutboxConfig()
	assert.Equal(t, "dead.letter", cfg.DeadLetterTopic)
	assert.Greater(t, cfg.MaxRetries, 0)
	assert.Greater(t, cfg.BatchSize, 0)
}

func TestDeadLetterPayload(t *testing.T) {
	lastErr := "broker unavailable"
	data, err := DeadLetterPayload(&OutboxEntry{
		AggregateID: "er_1001",
		EventType:   "PatientClassified",
		Payload:     []byte(`{"state":"level_2"}`),
		KafkaTopic:  "triage.events",
		RetryCount:  5,
		LastError:   &lastErr,
	})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"state":"level_2"}`, string(mustField(t, data, "payload")))
	assert.Contains(t, string(data), `"original_topic":"triage.events"`)
	assert.Contains(t, string(data), `"last_error":"broker unavailable"`)
}

func mustField(t *testing.T, data []byte, field string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m[field]
}
