package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-esi/internal/infrastructure/postgres"
	"github.com/drfirst/go-esi/internal/infrastructure/redpanda"
)

const uniqueViolation = "23505"

// Repository is the PostgreSQL event store. Every saved event is also written to the
// outbox in the same transaction.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Save persists new events for an aggregate
func (r *Repository) Save(ctx context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	base := agg.Version() - len(changes)
	for i, event := range changes {
		event.Version = base + i + 1
		if err := r.insertEvent(ctx, tx, event); err != nil {
			return err
		}
		if err := writeOutbox(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("events saved",
		zap.String("patient_id", agg.ID()),
		zap.Int("count", len(changes)),
		zap.Int("version", agg.Version()))

	agg.ClearChanges()
	return nil
}

func (r *Repository) insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO triage_events
		(id, aggregate_id, aggregate_type, event_type, event_data, version, timestamp, actor, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.AggregateType,
		event.EventType,
		event.EventData,
		event.Version,
		event.Timestamp,
		event.Actor,
		event.CorrelationID,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if event.Version == 1 {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, event.AggregateID)
		}
		return fmt.Errorf("%w: %s at version %d", ErrConcurrentUpdate, event.AggregateID, event.Version)
	}
	return fmt.Errorf("insert event: %w", err)
}

// writeOutbox queues the event for every topic it belongs on
func writeOutbox(ctx context.Context, tx pgx.Tx, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	for _, topic := range TopicsFor(event.EventType) {
		entry := &postgres.OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    topic,
			KafkaKey:      event.AggregateID,
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

// TopicsFor returns the topics an event type is published to
func TopicsFor(t EventType) []string {
	if t == EventTriageConfirmed {
		return []string{redpanda.TopicTriageEvents, redpanda.TopicTriageConfirmations}
	}
	return []string{redpanda.TopicTriageEvents}
}

// Load retrieves an aggregate by ID
func (r *Repository) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, err := r.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}

// GetEvents retrieves all events for an aggregate
func (r *Repository) GetEvents(ctx context.Context, aggregateID string) ([]*Event, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, timestamp,
		       actor, correlation_id
		FROM triage_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`

	rows, err := r.pool.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.EventData,
			&e.Version, &e.Timestamp, &e.Actor, &e.CorrelationID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentPatientIDs returns the ids of the most recently updated records, newest first.
func (r *Repository) RecentPatientIDs(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT aggregate_id
		FROM triage_events
		GROUP BY aggregate_id
		ORDER BY MAX(timestamp) DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent patients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan patient id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
