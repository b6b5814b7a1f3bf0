package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names for the triage engine
const (
	TopicTriageEvents        = "triage.events"
	TopicTriageConfirmations = "triage.confirmations"
	TopicVitalsReadings      = "vitals.readings"
	TopicAuditTrail          = "audit.trail"
	TopicDeadLetter          = "dead.letter"
)

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topic layout for one emergency department.
// Records are keyed by patient id.
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }
	base := func(retention string) map[string]*string {
		return map[string]*string{
			"retention.ms":     ptr(retention),
			"cleanup.policy":   ptr("delete"),
			"compression.type": ptr("lz4"),
		}
	}

	// retention: events and confirmations 7 days, readings 1 day, audit 30 days
	return []TopicConfig{
		{Name: TopicTriageEvents, Partitions: 6, ReplicationFactor: 1, Configs: base("604800000")},
		{Name: TopicTriageConfirmations, Partitions: 3, ReplicationFactor: 1, Configs: base("604800000")},
		{Name: TopicVitalsReadings, Partitions: 6, ReplicationFactor: 1, Configs: base("86400000")},
		{Name: TopicAuditTrail, Partitions: 3, ReplicationFactor: 1, Configs: base("2592000000")},
		{Name: TopicDeadLetter, Partitions: 1, ReplicationFactor: 1, Configs: base("604800000")},
	}
}

// Admin provides administrative operations for Redpanda
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the specified topics
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if r.Err != nil {
				if errors.Is(r.Err, kerr.TopicAlreadyExists) {
					a.logger.Info("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics ensures all required topics exist with proper configuration
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// ConsumerLag returns how far a consumer group trails the log end, summed per topic
func (a *Admin) ConsumerLag(ctx context.Context, groupID string) (map[string]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	result := make(map[string]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, lag := range lagByTopic(l.Lag) {
			result[topic] += lag
		}
	})
	return result, nil
}

// lagByTopic sums partition lag; partitions whose lag could not be computed are skipped
func lagByTopic(lag kadm.GroupLag) map[string]int64 {
	out := make(map[string]int64, len(lag))
	for topic, partitions := range lag {
		var total int64
		for _, p := range partitions {
			if p.Lag > 0 {
				total += p.Lag
			}
		}
		out[topic] = total
	}
	return out
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies Redpanda connectivity
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	return nil
}
