package redpanda

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/twmb/franz-go/pkg/kadm"
)

func TestLagByTopic(t *testing.T) {
	lag := kadm.GroupLag{
		TopicVitalsReadings: {
			0: {Lag: 4},
			1: {Lag: 2},
			2: {Lag: -1},
		},
		TopicTriageEvents: {
			0: {Lag: 0},
		},
	}

	assert.Equal(t, map[string]int64{
		TopicVitalsReadings: 6,
		TopicTriageEvents:   0,
	}, lagByTopic(lag))
}

func TestDefaultTopicConfigs_CoverEveryTopic(t *testing.T) {
	names := map[string]bool{}
	for _, c := range DefaultTopicConfigs() {
		names[c.Name] = true
		assert.Positive(t, c.Partitions, c.Name)
		assert.NotNil(t, c.Configs["retention.ms"], c.Name)
	}
	for _, topic := range []string{TopicTriageEvents, TopicTriageConfirmations, TopicVitalsReadings, TopicAuditTrail, TopicDeadLetter} {
		assert.True(t, names[topic], topic)
	}
}

func TestHealthCheck_UnreachableBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, HealthCheck(ctx, []string{"127.0.0.1:1"}))
}
