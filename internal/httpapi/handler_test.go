package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

type fakeEngine struct {
	registerFn     func(ctx context.Context, departmentID, fileNumber, patientName string) (models.QueueEntry, error)
	assignNextFn   func(ctx context.Context, departmentID string, counterID int) (models.QueueEntry, error)
	completeNextFn func(ctx context.Context, departmentID string, counterID int) (engine.CallNextResult, error)
	noShowNextFn   func(ctx context.Context, departmentID string, counterID int) (engine.CallNextResult, error)
	callFn         func(ctx context.Context, entryID string, counterID *int) (engine.CallResult, error)
	noShowFn       func(ctx context.Context, entryID string) (models.QueueEntry, error)
	completeFn     func(ctx context.Context, entryID string) (models.QueueEntry, error)
	queueFn        func(ctx context.Context, departmentID string) ([]models.QueueEntry, error)
	counterQueueFn func(ctx context.Context, departmentID string, counterID int) (engine.CounterQueueDetails, error)
	afterVersionFn func(ctx context.Context, departmentID string, lastVersion int64) ([]models.QueueEntry, error)
	recoverFn      func(ctx context.Context, departmentID string) (engine.RecoverResult, error)
	statsFn        func(ctx context.Context, departmentID string) (models.DepartmentStats, error)
}

func (f fakeEngine) Register(ctx context.Context, departmentID, fileNumber, patientName string) (models.QueueEntry, error) {
	if f.registerFn == nil {
		return models.QueueEntry{}, nil
	}
	return f.registerFn(ctx, departmentID, fileNumber, patientName)
}

func (f fakeEngine) AssignNext(ctx context.Context, departmentID string, counterID int) (models.QueueEntry, error) {
	if f.assignNextFn == nil {
		return models.QueueEntry{}, store.ErrNoWaiting
	}
	return f.assignNextFn(ctx, departmentID, counterID)
}

func (f fakeEngine) CompleteAndCallNext(ctx context.Context, departmentID string, counterID int) (engine.CallNextResult, error) {
	if f.completeNextFn == nil {
		return engine.CallNextResult{}, nil
	}
	return f.completeNextFn(ctx, departmentID, counterID)
}

func (f fakeEngine) NoShowAndCallNext(ctx context.Context, departmentID string, counterID int) (engine.CallNextResult, error) {
	if f.noShowNextFn == nil {
		return engine.CallNextResult{}, nil
	}
	return f.noShowNextFn(ctx, departmentID, counterID)
}

func (f fakeEngine) CallOrRecall(ctx context.Context, entryID string, counterID *int) (engine.CallResult, error) {
	if f.callFn == nil {
		return engine.CallResult{}, store.ErrEntryNotFound
	}
	return f.callFn(ctx, entryID, counterID)
}

func (f fakeEngine) MarkNoShow(ctx context.Context, entryID string) (models.QueueEntry, error) {
	if f.noShowFn == nil {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return f.noShowFn(ctx, entryID)
}

func (f fakeEngine) CompleteCurrent(ctx context.Context, entryID string) (models.QueueEntry, error) {
	if f.completeFn == nil {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return f.completeFn(ctx, entryID)
}

func (f fakeEngine) GetDepartmentQueue(ctx context.Context, departmentID string) ([]models.QueueEntry, error) {
	if f.queueFn == nil {
		return nil, nil
	}
	return f.queueFn(ctx, departmentID)
}

func (f fakeEngine) GetCounterQueueDetails(ctx context.Context, departmentID string, counterID int) (engine.CounterQueueDetails, error) {
	if f.counterQueueFn == nil {
		return engine.CounterQueueDetails{}, store.ErrCounterNotFound
	}
	return f.counterQueueFn(ctx, departmentID, counterID)
}

func (f fakeEngine) GetEntriesAfterVersion(ctx context.Context, departmentID string, lastVersion int64) ([]models.QueueEntry, error) {
	if f.afterVersionFn == nil {
		return nil, nil
	}
	return f.afterVersionFn(ctx, departmentID, lastVersion)
}

func (f fakeEngine) Recover(ctx context.Context, departmentID string) (engine.RecoverResult, error) {
	if f.recoverFn == nil {
		return engine.RecoverResult{}, engine.ErrRecoveryUnavailable
	}
	return f.recoverFn(ctx, departmentID)
}

func (f fakeEngine) GetDepartmentStats(ctx context.Context, departmentID string) (models.DepartmentStats, error) {
	if f.statsFn == nil {
		return models.DepartmentStats{}, nil
	}
	return f.statsFn(ctx, departmentID)
}

const testDeptID = "11111111-1111-1111-1111-111111111111"
const testEntryID = "22222222-2222-2222-2222-222222222222"

func postJSON(t *testing.T, handler http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func TestRegisterSuccess(t *testing.T) {
	eng := fakeEngine{
		registerFn: func(ctx context.Context, departmentID, fileNumber, patientName string) (models.QueueEntry, error) {
			return models.QueueEntry{ID: testEntryID, QueueNumber: "C001", DepartmentID: departmentID, Status: models.StatusWaiting, Version: 1}, nil
		},
	}
	resp := postJSON(t, NewHandler(eng).Routes(), "/api/queue/register", map[string]string{
		"department_id": testDeptID,
		"file_number":   "F-100",
		"patient_name":  "Jordan",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var entry models.QueueEntry
	if err := json.Unmarshal(resp.Body.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if entry.QueueNumber != "C001" {
		t.Fatalf("queue number=%q, want C001", entry.QueueNumber)
	}
}

func TestRegisterMissingFields(t *testing.T) {
	resp := postJSON(t, NewHandler(fakeEngine{}).Routes(), "/api/queue/register", map[string]string{
		"department_id": testDeptID,
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestRegisterInvalidDepartmentID(t *testing.T) {
	resp := postJSON(t, NewHandler(fakeEngine{}).Routes(), "/api/queue/register", map[string]string{
		"department_id": "not-a-uuid",
		"file_number":   "F-100",
		"patient_name":  "Jordan",
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	eng := fakeEngine{
		registerFn: func(ctx context.Context, departmentID, fileNumber, patientName string) (models.QueueEntry, error) {
			return models.QueueEntry{}, store.ErrDuplicateEntry
		},
	}
	resp := postJSON(t, NewHandler(eng).Routes(), "/api/queue/register", map[string]string{
		"department_id": testDeptID,
		"file_number":   "F-100",
		"patient_name":  "Jordan",
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}

	var body errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Error.Code != "duplicate_entry" {
		t.Fatalf("error code=%q, want duplicate_entry", body.Error.Code)
	}
}

func TestRegisterInProgressConflict(t *testing.T) {
	eng := fakeEngine{
		registerFn: func(ctx context.Context, departmentID, fileNumber, patientName string) (models.QueueEntry, error) {
			return models.QueueEntry{}, store.ErrRegistrationInProgress
		},
	}
	resp := postJSON(t, NewHandler(eng).Routes(), "/api/queue/register", map[string]string{
		"department_id": testDeptID,
		"file_number":   "F-100",
		"patient_name":  "Jordan",
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	resp := postJSON(t, NewHandler(fakeEngine{}).Routes(), "/api/queue/call-next", map[string]interface{}{
		"department_id": testDeptID,
		"counter_id":    2,
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}

	var body errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Error.Code != "queue_empty" {
		t.Fatalf("error code=%q, want queue_empty", body.Error.Code)
	}
}

func TestCallNextCounterBusy(t *testing.T) {
	eng := fakeEngine{
		assignNextFn: func(ctx context.Context, departmentID string, counterID int) (models.QueueEntry, error) {
			return models.QueueEntry{}, store.ErrCounterBusy
		},
	}
	resp := postJSON(t, NewHandler(eng).Routes(), "/api/queue/call-next", map[string]interface{}{
		"department_id": testDeptID,
		"counter_id":    2,
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
}

func TestCallNextRequiresPositiveCounter(t *testing.T) {
	resp := postJSON(t, NewHandler(fakeEngine{}).Routes(), "/api/queue/call-next", map[string]interface{}{
		"department_id": testDeptID,
		"counter_id":    0,
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestCompleteAndNextReportsBothOutcomes(t *testing.T) {
	completed := models.QueueEntry{ID: testEntryID, Status: models.StatusCompleted}
	eng := fakeEngine{
		completeNextFn: func(ctx context.Context, departmentID string, counterID int) (engine.CallNextResult, error) {
			return engine.CallNextResult{Completed: &completed, PreviousError: ""}, nil
		},
	}
	resp := postJSON(t, NewHandler(eng).Routes(), "/api/queue/complete-and-next", map[string]interface{}{
		"department_id": testDeptID,
		"counter_id":    2,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var result engine.CallNextResult
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Completed == nil || result.Completed.Status != models.StatusCompleted {
		t.Fatalf("completed=%+v", result.Completed)
	}
	if result.Next != nil {
		t.Fatalf("next=%+v, want nil", result.Next)
	}
}

func TestEntryCallInvalidTransition(t *testing.T) {
	eng := fakeEngine{
		callFn: func(ctx context.Context, entryID string, counterID *int) (engine.CallResult, error) {
			return engine.CallResult{}, store.NewTransitionError("completed", "serving")
		},
	}
	resp := postJSON(t, NewHandler(eng).Routes(), "/api/entries/"+testEntryID+"/actions/call", map[string]interface{}{
		"counter_id": 2,
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}

	var body errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Error.Code != "invalid_transition" {
		t.Fatalf("error code=%q, want invalid_transition", body.Error.Code)
	}
}

func TestEntryCallWithoutBodyRecalls(t *testing.T) {
	eng := fakeEngine{
		callFn: func(ctx context.Context, entryID string, counterID *int) (engine.CallResult, error) {
			if counterID != nil {
				t.Fatalf("counter should be nil, got %d", *counterID)
			}
			return engine.CallResult{Entry: models.QueueEntry{ID: entryID, Status: models.StatusServing}, IsRecall: true}, nil
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/api/entries/"+testEntryID+"/actions/call", nil)
	resp := httptest.NewRecorder()
	NewHandler(eng).Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var result engine.CallResult
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.IsRecall {
		t.Fatal("expected recall")
	}
}

func TestEntryNoShowNotFound(t *testing.T) {
	resp := postJSON(t, NewHandler(fakeEngine{}).Routes(), "/api/entries/"+testEntryID+"/actions/no-show", map[string]string{})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestEntryActionRejectsBadID(t *testing.T) {
	resp := postJSON(t, NewHandler(fakeEngine{}).Routes(), "/api/entries/not-a-uuid/actions/complete", map[string]string{})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestDepartmentQueue(t *testing.T) {
	eng := fakeEngine{
		queueFn: func(ctx context.Context, departmentID string) ([]models.QueueEntry, error) {
			return []models.QueueEntry{
				{ID: "e1", DepartmentID: departmentID, Status: models.StatusWaiting},
				{ID: "e2", DepartmentID: departmentID, Status: models.StatusServing},
			}, nil
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/departments/"+testDeptID+"/queue", nil)
	resp := httptest.NewRecorder()
	NewHandler(eng).Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var entries []models.QueueEntry
	if err := json.Unmarshal(resp.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries=%v, want 2", entries)
	}
}

func TestDepartmentQueueNotFound(t *testing.T) {
	eng := fakeEngine{
		queueFn: func(ctx context.Context, departmentID string) ([]models.QueueEntry, error) {
			return nil, store.ErrDepartmentNotFound
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/departments/"+testDeptID+"/queue", nil)
	resp := httptest.NewRecorder()
	NewHandler(eng).Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestDepartmentEntriesAfterVersion(t *testing.T) {
	eng := fakeEngine{
		afterVersionFn: func(ctx context.Context, departmentID string, lastVersion int64) ([]models.QueueEntry, error) {
			if lastVersion != 12 {
				t.Fatalf("after_version=%d, want 12", lastVersion)
			}
			return []models.QueueEntry{{ID: "e1", Version: 13}}, nil
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/departments/"+testDeptID+"/entries?after_version=12", nil)
	resp := httptest.NewRecorder()
	NewHandler(eng).Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestDepartmentEntriesRejectsNegativeVersion(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/departments/"+testDeptID+"/entries?after_version=-1", nil)
	resp := httptest.NewRecorder()
	NewHandler(fakeEngine{}).Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestRecoverUnavailable(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/departments/"+testDeptID+"/recover", nil)
	resp := httptest.NewRecorder()
	NewHandler(fakeEngine{}).Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
}

func TestDepartmentStats(t *testing.T) {
	eng := fakeEngine{
		statsFn: func(ctx context.Context, departmentID string) (models.DepartmentStats, error) {
			return models.DepartmentStats{Total: 10, Waiting: 4, Serving: 1, Completed: 4, NoShow: 1, AverageWaitMinutes: 12}, nil
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/departments/"+testDeptID+"/stats", nil)
	resp := httptest.NewRecorder()
	NewHandler(eng).Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var stats models.DepartmentStats
	if err := json.Unmarshal(resp.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Total != 10 || stats.AverageWaitMinutes != 12 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestCounterQueueDetails(t *testing.T) {
	eng := fakeEngine{
		counterQueueFn: func(ctx context.Context, departmentID string, counterID int) (engine.CounterQueueDetails, error) {
			current := models.QueueEntry{ID: "e1", Status: models.StatusServing}
			return engine.CounterQueueDetails{
				Current: &current,
				Queue:   []models.QueueEntry{{ID: "e2", Status: models.StatusWaiting}},
				Counter: models.Counter{ID: counterID, DepartmentID: departmentID, Number: 3},
			}, nil
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/counters/3/queue?department_id="+testDeptID, nil)
	resp := httptest.NewRecorder()
	NewHandler(eng).Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var details engine.CounterQueueDetails
	if err := json.Unmarshal(resp.Body.Bytes(), &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if details.Current == nil || len(details.Queue) != 1 {
		t.Fatalf("details=%+v", details)
	}
}

func TestCounterQueueRequiresDepartment(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/counters/3/queue", nil)
	resp := httptest.NewRecorder()
	NewHandler(fakeEngine{}).Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/queue/register", nil)
	resp := httptest.NewRecorder()
	NewHandler(fakeEngine{}).Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", resp.Code)
	}
}
