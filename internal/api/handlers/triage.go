// Package handlers provides HTTP handlers for the triage API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-esi/internal/api/middleware"
	"github.com/drfirst/go-esi/internal/board"
	"github.com/drfirst/go-esi/internal/domain/triage"
	"github.com/drfirst/go-esi/internal/esi"
	"github.com/drfirst/go-esi/internal/fhir/mapper"
	fhir "github.com/drfirst/go-esi/internal/fhir/r5"
	"github.com/drfirst/go-esi/internal/service"
)

const maxBodyBytes = 1 << 20

// TriageHandler handles patient triage endpoints
type TriageHandler struct {
	svc    *service.Service
	mapper *mapper.Mapper
	logger *zap.Logger
}

// NewTriageHandler creates a new handler
func NewTriageHandler(svc *service.Service, logger *zap.Logger) *TriageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriageHandler{
		svc:    svc,
		mapper: mapper.New(""),
		logger: logger,
	}
}

// Routes returns the patient routes
func (h *TriageHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Intake)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/events", h.GetEvents)
	r.Post("/{id}/vitals", h.RecordVitals)
	r.Post("/{id}/confirm", h.Confirm)
	r.Get("/{id}/fhir", h.FHIR)
	return r
}

// BoardRoutes returns the nurse board routes
func (h *TriageHandler) BoardRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Board)
	r.Post("/", h.PostBoard)
	return r
}

// Intake handles POST /patients
func (h *TriageHandler) Intake(w http.ResponseWriter, r *http.Request) {
	var req triage.IntakeRecord
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := h.svc.Intake(callerContext(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Get handles GET /patients/{id}
func (h *TriageHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetEvents handles GET /patients/{id}/events
func (h *TriageHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// RecordVitals handles POST /patients/{id}/vitals
func (h *TriageHandler) RecordVitals(w http.ResponseWriter, r *http.Request) {
	var v esi.Vitals
	if !h.decode(w, r, &v) {
		return
	}

	rec, err := h.svc.RecordVitals(callerContext(r), chi.URLParam(r, "id"), v)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Confirm handles POST /patients/{id}/confirm
func (h *TriageHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req triage.ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := h.svc.Confirm(callerContext(r), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// FHIR handles GET /patients/{id}/fhir
func (h *TriageHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	agg, err := h.svc.Aggregate(r.Context(), chi.URLParam(r, "id"))
	if err == nil {
		var bundle *fhir.Bundle
		if bundle, err = h.mapper.Bundle(agg); err == nil {
			writeFHIR(w, http.StatusOK, bundle)
			return
		}
	}

	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("fhir export failed", zap.Error(err), zap.String("request_id", middleware.GetRequestID(r.Context())))
	}
	writeFHIR(w, code, fhir.NewErrorOutcome(issueFor(code), message(code, err)))
}

// BoardResponse is a page of nurse board entries
type BoardResponse struct {
	Entries []board.Entry `json:"entries"`
	Cursor  int64         `json:"cursor"`
}

// Board handles GET /board. Without since it returns the latest entry per
// patient; with since=N it returns every entry after sequence N.
func (h *TriageHandler) Board(w http.ResponseWriter, r *http.Request) {
	b := h.svc.Board()

	var (
		entries []board.Entry
		cursor  int64
	)
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || since < 0 {
			jsonError(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		entries, cursor = b.Since(since), since
	} else {
		entries = b.Latest()
	}
	for _, e := range entries {
		if e.Seq > cursor {
			cursor = e.Seq
		}
	}
	if entries == nil {
		entries = []board.Entry{}
	}
	writeJSON(w, http.StatusOK, BoardResponse{Entries: entries, Cursor: cursor})
}

// PostBoard handles POST /board
func (h *TriageHandler) PostBoard(w http.ResponseWriter, r *http.Request) {
	var rec triage.ResultRecord
	if !h.decode(w, r, &rec) {
		return
	}

	entry, err := h.svc.PostExternal(callerContext(r), rec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *TriageHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *TriageHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	jsonError(w, message(code, err), code)
}

// callerContext attributes service calls to the authenticated client and request
func callerContext(r *http.Request) context.Context {
	ctx := r.Context()
	return service.WithCaller(ctx, service.Caller{
		Actor:         middleware.GetClientID(ctx),
		CorrelationID: middleware.GetRequestID(ctx),
	})
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, esi.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, triage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, triage.ErrAlreadyRegistered),
		errors.Is(err, esi.ErrNotReevaluable),
		errors.Is(err, triage.ErrInvalidTransition),
		errors.Is(err, triage.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, esi.ErrIncompleteVitals):
		return http.StatusUnprocessableEntity
	case errors.Is(err, esi.ErrJudgmentUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// message hides internal error text from clients
func message(code int, err error) string {
	if code == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}

func issueFor(code int) string {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fhir.IssueInvalid
	case http.StatusNotFound:
		return fhir.IssueNotFound
	case http.StatusConflict:
		return fhir.IssueConflict
	case http.StatusServiceUnavailable:
		return fhir.IssueTransient
	default:
		return fhir.IssueException
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFHIR(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
