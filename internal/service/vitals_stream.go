package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-esi/internal/domain/triage"
	"github.com/drfirst/go-esi/internal/esi"
	"github.com/drfirst/go-esi/internal/infrastructure/redpanda"
	"github.com/drfirst/go-esi/pkg/idempotency"
	"github.com/drfirst/go-esi/pkg/workerpool"
)

const vitalsHandlerName = "vitals-reevaluate"

// VitalsReading is one bedside monitor message on the vitals.readings topic
type VitalsReading struct {
	PatientID  string     `json:"patient_id"`
	Source     string     `json:"source"`
	RecordedAt time.Time  `json:"recorded_at"`
	Vitals     esi.Vitals `json:"vitals"`
}

// TerminalErrors are failures that retrying the same reading cannot fix
var TerminalErrors = []error{
	esi.ErrInvalidInput,
	esi.ErrIncompleteVitals,
	esi.ErrNotReevaluable,
	triage.ErrNotFound,
	triage.ErrInvalidTransition,
}

// Inbox deduplicates stream messages
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// StreamRecorder counts consumed messages by outcome
type StreamRecorder interface {
	ObserveStreamMessage(topic, outcome string)
}

// VitalsProcessor applies streamed readings. Readings for one patient run on one
// worker in arrival order; redelivered readings are dropped by the inbox.
type VitalsProcessor struct {
	svc      *Service
	inbox    Inbox
	pool     *workerpool.Pool
	recorder StreamRecorder
	logger   *zap.Logger
}

// NewVitalsProcessor creates a processor. inbox and recorder may be nil.
func NewVitalsProcessor(svc *Service, inbox Inbox, cfg workerpool.Config, recorder StreamRecorder, logger *zap.Logger) (*VitalsProcessor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	vp := &VitalsProcessor{
		svc:      svc,
		inbox:    inbox,
		recorder: recorder,
		logger:   logger,
	}
	cfg.Retryable = func(err error) bool {
		return !idempotency.IsTerminal(err, TerminalErrors...) &&
			!errors.Is(err, idempotency.ErrPreviouslyFailed)
	}

	pool, err := workerpool.New(cfg, vp.work, logger.Named("vitals-pool"))
	if err != nil {
		return nil, err
	}
	vp.pool = pool
	return vp, nil
}

// Start launches the workers
func (vp *VitalsProcessor) Start() { vp.pool.Start() }

// Stop drains the workers
func (vp *VitalsProcessor) Stop() error { return vp.pool.Stop() }

// Healthy reports whether the worker queues are keeping up with the feed
func (vp *VitalsProcessor) Healthy() bool { return vp.pool.IsHealthy() }

// DecodeReading parses and checks a message value
func DecodeReading(value []byte) (VitalsReading, error) {
	var r VitalsReading
	if err := json.Unmarshal(value, &r); err != nil {
		return VitalsReading{}, fmt.Errorf("%w: decode reading: %v", esi.ErrInvalidInput, err)
	}
	r.PatientID = strings.TrimSpace(r.PatientID)
	if r.PatientID == "" {
		return VitalsReading{}, fmt.Errorf("%w: reading without patient_id", esi.ErrInvalidInput)
	}
	if r.RecordedAt.IsZero() {
		return VitalsReading{}, fmt.Errorf("%w: reading without recorded_at", esi.ErrInvalidInput)
	}
	return r, nil
}

// Handle is the consumer's message handler
func (vp *VitalsProcessor) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	reading, err := DecodeReading(msg.Value)
	if err != nil {
		vp.observe(msg.Topic, "rejected")
		return err
	}

	res, err := vp.pool.SubmitWait(ctx, &workerpool.Task{
		ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
		Key:     reading.PatientID,
		Payload: &vitalsTask{reading: reading, raw: msg.Value},
		Context: ctx,
	})
	if err != nil {
		vp.observe(msg.Topic, "error")
		return err
	}
	if !res.Success {
		vp.observe(msg.Topic, "failed")
		return res.Error
	}

	outcome, _ := res.Data.(string)
	vp.observe(msg.Topic, outcome)
	return nil
}

type vitalsTask struct {
	reading VitalsReading
	raw     json.RawMessage
}

func (vp *VitalsProcessor) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	t := task.Payload.(*vitalsTask)
	r := t.reading

	apply := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		ctx = WithCaller(ctx, Caller{Actor: r.Source, CorrelationID: task.ID})
		rec, err := vp.svc.RecordVitals(ctx, r.PatientID, r.Vitals)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rec)
	}

	if vp.inbox == nil {
		_, err := apply(ctx, t.raw)
		switch {
		case ignorable(err):
			return &workerpool.Result{Success: true, Data: "ignored"}
		case err != nil:
			return &workerpool.Result{Error: err}
		}
		return &workerpool.Result{Success: true, Data: "processed"}
	}

	key := idempotency.GenerateKey(r.PatientID, r.Source, r.RecordedAt)
	res, err := vp.inbox.Process(ctx, key, vitalsHandlerName, t.raw, apply)
	switch {
	case ignorable(err):
		return &workerpool.Result{Success: true, Data: "ignored"}
	case errors.Is(err, idempotency.ErrDuplicateMessage),
		errors.Is(err, idempotency.ErrMessageInProgress),
		errors.Is(err, idempotency.ErrPreviouslyFailed):
		return &workerpool.Result{Success: true, Data: "duplicate"}
	case err != nil:
		return &workerpool.Result{Error: err}
	case !res.IsNew && !res.WasRecovered:
		vp.logger.Debug("duplicate reading skipped",
			zap.String("patient_id", r.PatientID),
			zap.String("source", r.Source))
		return &workerpool.Result{Success: true, Data: "duplicate"}
	default:
		return &workerpool.Result{Success: true, Data: "processed"}
	}
}

// ignorable reports readings that do not apply to the patient's record: levels that
// decision point D never revisits, and records a nurse already confirmed.
func ignorable(err error) bool {
	return errors.Is(err, esi.ErrNotReevaluable) || errors.Is(err, triage.ErrInvalidTransition)
}

func (vp *VitalsProcessor) observe(topic, outcome string) {
	if vp.recorder != nil {
		vp.recorder.ObserveStreamMessage(topic, outcome)
	}
}
