package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

// QueueEngine is the surface the HTTP layer needs; the tests substitute a
// fake behind it.
type QueueEngine interface {
	Register(ctx context.Context, departmentID, fileNumber, patientName string) (models.QueueEntry, error)
	AssignNext(ctx context.Context, departmentID string, counterID int) (models.QueueEntry, error)
	CompleteAndCallNext(ctx context.Context, departmentID string, counterID int) (engine.CallNextResult, error)
	NoShowAndCallNext(ctx context.Context, departmentID string, counterID int) (engine.CallNextResult, error)
	CallOrRecall(ctx context.Context, entryID string, counterID *int) (engine.CallResult, error)
	MarkNoShow(ctx context.Context, entryID string) (models.QueueEntry, error)
	CompleteCurrent(ctx context.Context, entryID string) (models.QueueEntry, error)
	GetDepartmentQueue(ctx context.Context, departmentID string) ([]models.QueueEntry, error)
	GetCounterQueueDetails(ctx context.Context, departmentID string, counterID int) (engine.CounterQueueDetails, error)
	GetEntriesAfterVersion(ctx context.Context, departmentID string, lastVersion int64) ([]models.QueueEntry, error)
	Recover(ctx context.Context, departmentID string) (engine.RecoverResult, error)
	GetDepartmentStats(ctx context.Context, departmentID string) (models.DepartmentStats, error)
}

type Handler struct {
	engine QueueEngine
}

func NewHandler(engine QueueEngine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/queue/register", h.handleRegister)
	mux.HandleFunc("/api/queue/call-next", h.handleCallNext)
	mux.HandleFunc("/api/queue/complete-and-next", h.handleCompleteAndNext)
	mux.HandleFunc("/api/queue/no-show-and-next", h.handleNoShowAndNext)
	mux.HandleFunc("/api/departments/", h.handleDepartments)
	mux.HandleFunc("/api/entries/", h.handleEntryActions)
	mux.HandleFunc("/api/counters/", h.handleCounters)
	return mux
}

type registerRequest struct {
	DepartmentID string `json:"department_id"`
	FileNumber   string `json:"file_number"`
	PatientName  string `json:"patient_name"`
}

type counterActionRequest struct {
	DepartmentID string `json:"department_id"`
	CounterID    int    `json:"counter_id"`
}

type entryCallRequest struct {
	CounterID *int `json:"counter_id"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	req.FileNumber = strings.TrimSpace(req.FileNumber)
	req.PatientName = strings.TrimSpace(req.PatientName)

	if req.DepartmentID == "" || req.FileNumber == "" || req.PatientName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "department_id, file_number, and patient_name are required")
		return
	}
	if !isValidUUID(req.DepartmentID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "department_id must be a UUID")
		return
	}

	entry, err := h.engine.Register(r.Context(), req.DepartmentID, req.FileNumber, req.PatientName)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCounterAction(w, r)
	if !ok {
		return
	}

	entry, err := h.engine.AssignNext(r.Context(), req.DepartmentID, req.CounterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleCompleteAndNext(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCounterAction(w, r)
	if !ok {
		return
	}

	result, err := h.engine.CompleteAndCallNext(r.Context(), req.DepartmentID, req.CounterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleNoShowAndNext(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCounterAction(w, r)
	if !ok {
		return
	}

	result, err := h.engine.NoShowAndCallNext(r.Context(), req.DepartmentID, req.CounterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDepartments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/departments/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	departmentID := parts[0]
	if !isValidUUID(departmentID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "department id must be a UUID")
		return
	}

	switch parts[1] {
	case "queue":
		entries, err := h.engine.GetDepartmentQueue(r.Context(), departmentID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	case "entries":
		afterVersion := int64(0)
		if raw := strings.TrimSpace(r.URL.Query().Get("after_version")); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, "invalid_request", "after_version must be a non-negative integer")
				return
			}
			afterVersion = parsed
		}
		entries, err := h.engine.GetEntriesAfterVersion(r.Context(), departmentID, afterVersion)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	case "recover":
		result, err := h.engine.Recover(r.Context(), departmentID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "stats":
		stats, err := h.engine.GetDepartmentStats(r.Context(), departmentID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleEntryActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/entries/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	entryID := parts[0]
	if !isValidUUID(entryID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "entry id must be a UUID")
		return
	}

	switch parts[2] {
	case "call":
		// The body is optional: a bare call re-announces with the
		// entry's existing counter.
		var req entryCallRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		result, err := h.engine.CallOrRecall(r.Context(), entryID, req.CounterID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "complete":
		entry, err := h.engine.CompleteCurrent(r.Context(), entryID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case "no-show":
		entry, err := h.engine.MarkNoShow(r.Context(), entryID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/counters/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "queue" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	counterID, err := strconv.Atoi(parts[0])
	if err != nil || counterID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter id must be a positive integer")
		return
	}

	departmentID := strings.TrimSpace(r.URL.Query().Get("department_id"))
	if departmentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "department_id is required")
		return
	}
	if !isValidUUID(departmentID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "department_id must be a UUID")
		return
	}

	details, err := h.engine.GetCounterQueueDetails(r.Context(), departmentID, counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func decodeCounterAction(w http.ResponseWriter, r *http.Request) (counterActionRequest, bool) {
	var req counterActionRequest
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return req, false
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return req, false
	}

	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	if req.DepartmentID == "" || req.CounterID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "department_id and a positive counter_id are required")
		return req, false
	}
	if !isValidUUID(req.DepartmentID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "department_id must be a UUID")
		return req, false
	}
	return req, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	var transitionErr *store.TransitionError
	switch {
	case errors.Is(err, store.ErrDepartmentNotFound):
		return http.StatusNotFound, "department_not_found", "department not found"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "queue entry not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrNoWaiting):
		return http.StatusNotFound, "queue_empty", "no patients waiting"
	case errors.Is(err, store.ErrDuplicateEntry):
		return http.StatusConflict, "duplicate_entry", "patient already registered today"
	case errors.Is(err, store.ErrRegistrationInProgress):
		return http.StatusConflict, "registration_in_progress", "registration already in progress for this patient"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter already has a patient being served"
	case errors.Is(err, store.ErrDepartmentInactive):
		return http.StatusConflict, "department_inactive", "department is not accepting registrations"
	case errors.As(err, &transitionErr):
		return http.StatusConflict, "invalid_transition", transitionErr.Error()
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "status transition not allowed"
	case errors.Is(err, store.ErrCounterRequired):
		return http.StatusBadRequest, "counter_required", "a counter is required to start serving"
	case errors.Is(err, engine.ErrRecoveryUnavailable):
		return http.StatusServiceUnavailable, "recovery_unavailable", "recovery state unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
