// Package service orchestrates triage: intake and classification, vitals re-checks,
// nurse confirmation, persistence and the nurse board.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-esi/internal/board"
	"github.com/drfirst/go-esi/internal/domain/triage"
	"github.com/drfirst/go-esi/internal/esi"
	"github.com/drfirst/go-esi/internal/infrastructure/redpanda"
	"github.com/drfirst/go-esi/internal/judgment"
)

// Judgment sources recorded on the classification event
const (
	SourceLLM       = "llm"
	SourceClinician = "clinician"
)

const maxSaveAttempts = 3

// Store persists triage aggregates
type Store interface {
	Save(ctx context.Context, agg *triage.Aggregate) error
	Load(ctx context.Context, id string) (*triage.Aggregate, error)
	GetEvents(ctx context.Context, id string) ([]*triage.Event, error)
	RecentPatientIDs(ctx context.Context, limit int) ([]string, error)
}

// Recorder receives triage outcomes, typically for metrics
type Recorder interface {
	ObserveTriage(state, justification string)
	ObserveTriageFailure(operation, reason string)
	ObserveConfirmation(override bool)
	SetPendingVitals(n int)
}

// AuditPublisher sends audit records without blocking the request
type AuditPublisher interface {
	ProduceAsync(ctx context.Context, topic, key string, value []byte, callback func(error))
}

// AuditRecord is published to the audit trail for every change
type AuditRecord struct {
	Action        string    `json:"action"`
	PatientID     string    `json:"patient_id"`
	TriageLevel   string    `json:"triage_level"`
	Justification string    `json:"justification,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Version       int       `json:"version"`
	At            time.Time `json:"at"`
}

// Service runs triage operations
type Service struct {
	store           Store
	judge           esi.JudgmentProvider
	board           *board.Board
	logger          *zap.Logger
	tracer          trace.Tracer
	recorder        Recorder
	audit           AuditPublisher
	judgmentTimeout time.Duration
}

// Option configures a Service
type Option func(*Service)

// WithRecorder reports outcomes to r
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithAudit publishes audit records through p
func WithAudit(p AuditPublisher) Option {
	return func(s *Service) { s.audit = p }
}

// WithJudgmentTimeout bounds the whole A-B-C judgment sequence of one intake
func WithJudgmentTimeout(d time.Duration) Option {
	return func(s *Service) { s.judgmentTimeout = d }
}

// New creates a service. judge may be nil, in which case only intakes that carry a
// clinician assessment can be classified.
func New(store Store, judge esi.JudgmentProvider, b *board.Board, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = board.New()
	}
	s := &Service{
		store:           store,
		judge:           judge,
		board:           b,
		logger:          logger,
		tracer:          otel.Tracer("triage-service"),
		judgmentTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Board returns the nurse board the service appends to
func (s *Service) Board() *board.Board { return s.board }

// Intake classifies a new patient, persists the record and posts it to the board.
func (s *Service) Intake(ctx context.Context, rec triage.IntakeRecord) (triage.ResultRecord, error) {
	ctx, span := s.tracer.Start(ctx, "triage.intake",
		trace.WithAttributes(attribute.String("patient_id", rec.PatientID)))
	defer span.End()

	result, err := s.intake(ctx, rec)
	if err != nil {
		s.fail(span, "intake", rec.PatientID, err)
		return triage.ResultRecord{}, err
	}
	span.SetAttributes(attribute.String("triage.level", result.TriageLevel))
	return result, nil
}

func (s *Service) intake(ctx context.Context, rec triage.IntakeRecord) (triage.ResultRecord, error) {
	p, err := rec.Patient()
	if err != nil {
		return triage.ResultRecord{}, err
	}
	if !triage.WellFormedID(p.ID) {
		s.logger.Warn("patient id does not follow the er_xxxx convention", zap.String("patient_id", p.ID))
	}

	// refuse duplicates before spending judgment calls on them
	if _, err := s.store.Load(ctx, p.ID); err == nil {
		return triage.ResultRecord{}, fmt.Errorf("%w: %s", triage.ErrAlreadyRegistered, p.ID)
	} else if !errors.Is(err, triage.ErrNotFound) {
		return triage.ResultRecord{}, fmt.Errorf("load %s: %w", p.ID, err)
	}

	judge, source := s.judge, SourceLLM
	if rec.Assessment != nil {
		judge, source = judgment.NewStaticProvider(*rec.Assessment), SourceClinician
	}

	jctx, cancel := context.WithTimeout(ctx, s.judgmentTimeout)
	r, err := esi.Classify(jctx, p, judge)
	cancel()
	if err != nil {
		return triage.ResultRecord{}, err
	}

	rationale := s.rationale(ctx, judge, p, r)

	agg := triage.NewAggregate(p.ID)
	if err := agg.Register(p); err != nil {
		return triage.ResultRecord{}, err
	}
	if err := agg.Classify(r, rationale, source); err != nil {
		return triage.ResultRecord{}, err
	}
	stamp(ctx, agg)

	if err := s.store.Save(ctx, agg); err != nil {
		return triage.ResultRecord{}, err
	}

	s.logger.Info("patient triaged",
		zap.String("patient_id", p.ID),
		zap.String("state", string(r.State)),
		zap.String("justification", string(r.Justification)),
		zap.String("source", source))

	out := agg.Record()
	s.publish(ctx, "classified", out)
	if s.recorder != nil {
		s.recorder.ObserveTriage(string(r.State), string(r.Justification))
	}
	return out, nil
}

// rationale asks an Explainer for the nurse-facing text and falls back to the
// deterministic description. It never fails the intake.
func (s *Service) rationale(ctx context.Context, judge esi.JudgmentProvider, p esi.Patient, r esi.Result) string {
	explainer, ok := judge.(judgment.Explainer)
	if !ok {
		return r.Justification.Describe()
	}
	ctx, cancel := context.WithTimeout(ctx, s.judgmentTimeout)
	defer cancel()

	text, err := explainer.Explain(ctx, p, r)
	if err != nil || text == "" {
		if err != nil && !errors.Is(err, judgment.ErrNotAssessed) {
			s.logger.Debug("rationale unavailable, using justification",
				zap.String("patient_id", p.ID), zap.Error(err))
		}
		return r.Justification.Describe()
	}
	return text
}

// RecordVitals re-runs decision point D with a new set of readings. A lost race with
// another writer is retried; re-evaluation of the same readings is idempotent.
func (s *Service) RecordVitals(ctx context.Context, patientID string, v esi.Vitals) (triage.ResultRecord, error) {
	ctx, span := s.tracer.Start(ctx, "triage.record_vitals",
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	var r esi.Result
	out, err := s.update(ctx, patientID, func(agg *triage.Aggregate) error {
		var err error
		r, err = agg.Reevaluate(v)
		return err
	})
	if err != nil {
		s.fail(span, "record_vitals", patientID, err)
		return triage.ResultRecord{}, err
	}

	s.logger.Info("vitals re-evaluated",
		zap.String("patient_id", patientID),
		zap.String("state", string(r.State)),
		zap.String("justification", string(r.Justification)))

	s.publish(ctx, "reevaluated", out)
	if s.recorder != nil {
		s.recorder.ObserveTriage(string(r.State), string(r.Justification))
	}
	span.SetAttributes(attribute.String("triage.level", out.TriageLevel))
	return out, nil
}

// Confirm records the nurse's final level for a patient
func (s *Service) Confirm(ctx context.Context, patientID string, req triage.ConfirmRequest) (triage.ResultRecord, error) {
	ctx, span := s.tracer.Start(ctx, "triage.confirm",
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	level, err := req.Level()
	if err != nil {
		s.fail(span, "confirm", patientID, err)
		return triage.ResultRecord{}, err
	}
	by := req.ConfirmedBy
	if by == "" {
		by = CallerFrom(ctx).Actor
	}

	var override bool
	out, err := s.update(ctx, patientID, func(agg *triage.Aggregate) error {
		override = agg.State().Level() != level
		return agg.Confirm(level, by)
	})
	if err != nil {
		s.fail(span, "confirm", patientID, err)
		return triage.ResultRecord{}, err
	}

	s.logger.Info("triage confirmed",
		zap.String("patient_id", patientID),
		zap.String("level", level.String()),
		zap.Bool("override", override),
		zap.String("confirmed_by", by))

	s.publish(ctx, "confirmed", out)
	if s.recorder != nil {
		s.recorder.ObserveConfirmation(override)
	}
	return out, nil
}

// update runs the load-apply-save cycle, retrying on a concurrent writer
func (s *Service) update(ctx context.Context, patientID string, apply func(*triage.Aggregate) error) (triage.ResultRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		agg, err := s.store.Load(ctx, patientID)
		if err != nil {
			return triage.ResultRecord{}, err
		}
		if err := apply(agg); err != nil {
			return triage.ResultRecord{}, err
		}
		stamp(ctx, agg)

		err = s.store.Save(ctx, agg)
		if err == nil {
			return agg.Record(), nil
		}
		if !errors.Is(err, triage.ErrConcurrentUpdate) {
			return triage.ResultRecord{}, err
		}
		lastErr = err
		s.logger.Debug("concurrent update, retrying",
			zap.String("patient_id", patientID), zap.Int("attempt", attempt))
	}
	return triage.ResultRecord{}, lastErr
}

// Get returns the current record for a patient
func (s *Service) Get(ctx context.Context, patientID string) (triage.ResultRecord, error) {
	agg, err := s.store.Load(ctx, patientID)
	if err != nil {
		return triage.ResultRecord{}, err
	}
	return agg.Record(), nil
}

// Aggregate returns the full record for a patient
func (s *Service) Aggregate(ctx context.Context, patientID string) (*triage.Aggregate, error) {
	return s.store.Load(ctx, patientID)
}

// Events returns the event history for a patient
func (s *Service) Events(ctx context.Context, patientID string) ([]*triage.Event, error) {
	events, err := s.store.GetEvents(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", triage.ErrNotFound, patientID)
	}
	return events, nil
}

// PostExternal validates a record produced outside the engine and appends it to the board
func (s *Service) PostExternal(ctx context.Context, rec triage.ResultRecord) (board.Entry, error) {
	rec, err := rec.Normalize()
	if err != nil {
		return board.Entry{}, err
	}
	entry := s.board.Append(rec, board.SourceExternal)
	s.updatePending()
	s.logger.Info("external result posted",
		zap.String("patient_id", rec.PatientID),
		zap.String("triage_level", rec.TriageLevel),
		zap.Int64("seq", entry.Seq))
	return entry, nil
}

// Rehydrate fills an empty board with the most recently updated records
func (s *Service) Rehydrate(ctx context.Context, limit int) (int, error) {
	ids, err := s.store.RecentPatientIDs(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("recent patients: %w", err)
	}
	// oldest first so board order follows update order
	n := 0
	for i := len(ids) - 1; i >= 0; i-- {
		agg, err := s.store.Load(ctx, ids[i])
		if err != nil {
			s.logger.Warn("skipping record on rehydrate", zap.String("patient_id", ids[i]), zap.Error(err))
			continue
		}
		if agg.State() == "" {
			continue
		}
		s.board.Append(agg.Record(), board.SourceEngine)
		n++
	}
	s.updatePending()
	return n, nil
}

func (s *Service) publish(ctx context.Context, action string, rec triage.ResultRecord) {
	s.board.Append(rec, board.SourceEngine)
	s.updatePending()

	if s.audit == nil {
		return
	}
	caller := CallerFrom(ctx)
	payload, err := json.Marshal(AuditRecord{
		Action:        action,
		PatientID:     rec.PatientID,
		TriageLevel:   rec.TriageLevel,
		Justification: string(rec.Justification),
		Actor:         caller.Actor,
		CorrelationID: caller.CorrelationID,
		Version:       rec.Version,
		At:            time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to encode audit record", zap.Error(err))
		return
	}
	s.audit.ProduceAsync(ctx, redpanda.TopicAuditTrail, rec.PatientID, payload, nil)
}

func (s *Service) updatePending() {
	if s.recorder != nil {
		s.recorder.SetPendingVitals(s.board.PendingVitals())
	}
}

func (s *Service) fail(span trace.Span, operation, patientID string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	reason := FailureReason(err)
	if s.recorder != nil {
		s.recorder.ObserveTriageFailure(operation, reason)
	}
	log := s.logger.Warn
	if reason == "internal" {
		log = s.logger.Error
	}
	log("triage operation failed",
		zap.String("operation", operation),
		zap.String("patient_id", patientID),
		zap.String("reason", reason),
		zap.Error(err))
}

// FailureReason classifies an error into a short label
func FailureReason(err error) string {
	switch {
	case errors.Is(err, esi.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, esi.ErrIncompleteVitals):
		return "incomplete_vitals"
	case errors.Is(err, esi.ErrJudgmentUnavailable):
		return "judgment_unavailable"
	case errors.Is(err, esi.ErrNotReevaluable):
		return "not_reevaluable"
	case errors.Is(err, triage.ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, triage.ErrNotFound):
		return "not_found"
	case errors.Is(err, triage.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, triage.ErrConcurrentUpdate):
		return "concurrent_update"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "internal"
	}
}

func stamp(ctx context.Context, agg *triage.Aggregate) {
	caller := CallerFrom(ctx)
	for _, e := range agg.Changes() {
		e.WithActor(caller.Actor, caller.CorrelationID)
	}
}
