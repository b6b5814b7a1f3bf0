package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-esi/internal/esi"
	"github.com/drfirst/go-esi/internal/infrastructure/redpanda"
	"github.com/drfirst/go-esi/pkg/idempotency"
	"github.com/drfirst/go-esi/pkg/workerpool"
)

// memoryInbox mimics the database inbox: a key runs its handler once
type memoryInbox struct {
	mu   sync.Mutex
	seen map[string]bool
	keys []string
}

func newMemoryInbox() *memoryInbox {
	return &memoryInbox{seen: make(map[string]bool)}
}

func (m *memoryInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	m.keys = append(m.keys, key)
	if m.seen[key] {
		m.mu.Unlock()
		return &idempotency.ProcessResult{}, nil
	}
	m.mu.Unlock()

	out, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.seen[key] = true
	m.mu.Unlock()
	return &idempotency.ProcessResult{IsNew: true, Result: out}, nil
}

type streamCounter struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *streamCounter) ObserveStreamMessage(_, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = make(map[string]int)
	}
	c.outcomes[outcome]++
}

func readingMessage(t *testing.T, offset int64, r VitalsReading) *redpanda.ConsumedMessage {
	t.Helper()
	value, err := json.Marshal(r)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{
		Topic:     redpanda.TopicVitalsReadings,
		Partition: 0,
		Offset:    offset,
		Key:       []byte(r.PatientID),
		Value:     value,
	}
}

func newProcessor(t *testing.T, svc *Service, inbox Inbox) (*VitalsProcessor, *streamCounter) {
	t.Helper()
	counter := &streamCounter{}
	cfg := workerpool.DefaultConfig()
	cfg.Workers = 4
	cfg.RetryDelay = time.Millisecond

	vp, err := NewVitalsProcessor(svc, inbox, cfg, counter, nil)
	require.NoError(t, err)
	vp.Start()
	t.Cleanup(func() { _ = vp.Stop() })
	return vp, counter
}

func TestDecodeReading(t *testing.T) {
	r, err := DecodeReading([]byte(`{"patient_id":" er_0001 ","source":"monitor-7","recorded_at":"2026-10-16T09:00:00Z","vitals":{"sao2":97,"hr":88,"rr":18}}`))
	require.NoError(t, err)
	assert.Equal(t, "er_0001", r.PatientID)
	assert.Equal(t, "monitor-7", r.Source)
	require.NotNil(t, r.Vitals.HeartRate)
	assert.Equal(t, 88.0, *r.Vitals.HeartRate)

	for _, raw := range []string{
		`not json`,
		`{"source":"monitor-7","recorded_at":"2026-10-16T09:00:00Z"}`,
		`{"patient_id":"er_0001","source":"monitor-7"}`,
	} {
		_, err := DecodeReading([]byte(raw))
		assert.ErrorIs(t, err, esi.ErrInvalidInput, raw)
	}
}

func TestVitalsProcessor_AppliesReading(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(&stubJudge{resources: 2})
	_, err := svc.Intake(ctx, intake("er_0001", 40, nil))
	require.NoError(t, err)

	vp, counter := newProcessor(t, svc, nil)

	err = vp.Handle(ctx, readingMessage(t, 1, VitalsReading{
		PatientID:  "er_0001",
		Source:     "monitor-7",
		RecordedAt: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
		Vitals:     esi.NewVitals(90, 88, 18),
	}))
	require.NoError(t, err)
	assert.True(t, vp.Healthy())

	got, err := svc.Get(ctx, "er_0001")
	require.NoError(t, err)
	assert.Equal(t, "2", got.TriageLevel)
	assert.Equal(t, 1, counter.outcomes["processed"])

	events, err := svc.Events(ctx, "er_0001")
	require.NoError(t, err)
	assert.Equal(t, "monitor-7", events[len(events)-1].Actor)
	assert.Equal(t, "vitals.readings/0/1", events[len(events)-1].CorrelationID)
}

func TestVitalsProcessor_DropsRedelivery(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(&stubJudge{resources: 2})
	_, err := svc.Intake(ctx, intake("er_0001", 40, nil))
	require.NoError(t, err)

	inbox := newMemoryInbox()
	vp, counter := newProcessor(t, svc, inbox)

	reading := VitalsReading{
		PatientID:  "er_0001",
		Source:     "monitor-7",
		RecordedAt: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
		Vitals:     esi.NewVitals(97, 80, 14),
	}
	require.NoError(t, vp.Handle(ctx, readingMessage(t, 1, reading)))
	require.NoError(t, vp.Handle(ctx, readingMessage(t, 1, reading)))

	events, err := svc.Events(ctx, "er_0001")
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Equal(t, 1, counter.outcomes["processed"])
	assert.Equal(t, 1, counter.outcomes["duplicate"])
	assert.Equal(t, inbox.keys[0], inbox.keys[1])
	assert.Equal(t, idempotency.GenerateKey("er_0001", "monitor-7", reading.RecordedAt), inbox.keys[0])
}

func TestVitalsProcessor_IgnoresSettledLevels(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(&stubJudge{resources: 0})
	_, err := svc.Intake(ctx, intake("er_0001", 40, nil))
	require.NoError(t, err)

	vp, counter := newProcessor(t, svc, newMemoryInbox())

	err = vp.Handle(ctx, readingMessage(t, 1, VitalsReading{
		PatientID:  "er_0001",
		Source:     "monitor-7",
		RecordedAt: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
		Vitals:     esi.NewVitals(85, 140, 30),
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, counter.outcomes["ignored"])

	got, err := svc.Get(ctx, "er_0001")
	require.NoError(t, err)
	assert.Equal(t, "5", got.TriageLevel)
}

func TestVitalsProcessor_TerminalFailure(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(&stubJudge{})
	vp, counter := newProcessor(t, svc, nil)

	err := vp.Handle(ctx, readingMessage(t, 1, VitalsReading{
		PatientID:  "er_0404",
		Source:     "monitor-7",
		RecordedAt: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
		Vitals:     esi.NewVitals(97, 80, 14),
	}))
	require.Error(t, err)
	assert.Equal(t, 1, counter.outcomes["failed"])

	err = vp.Handle(ctx, &redpanda.ConsumedMessage{Topic: redpanda.TopicVitalsReadings, Value: []byte(`{}`)})
	require.ErrorIs(t, err, esi.ErrInvalidInput)
	assert.Equal(t, 1, counter.outcomes["rejected"])
}
