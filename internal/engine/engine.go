// Package engine orchestrates the queue: registration, counter assignment,
// lifecycle transitions, the in-memory queue index, and event fan-out. The
// durable store arbitrates every race; the index and broadcaster are
// best-effort layers on top of it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"qms/queue-engine/internal/hub"
	"qms/queue-engine/internal/lease"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/queueindex"
	"qms/queue-engine/internal/store"
)

const defaultRegistrationTTL = 5 * time.Second

// Broadcaster is the push side of the real-time protocol.
type Broadcaster interface {
	Publish(event hub.Event)
}

// Announcement is handed to the audio collaborator whenever a counter calls
// a patient. Fire-and-forget; failures never reach the caller.
type Announcement struct {
	QueueNumber string `json:"queue_number"`
	Counter     int    `json:"counter"`
	PatientName string `json:"patient_name"`
	FileNumber  string `json:"file_number"`
}

type Announcer interface {
	Announce(ctx context.Context, a Announcement)
}

// LogAnnouncer is the default collaborator: it only logs the call.
type LogAnnouncer struct{}

func (LogAnnouncer) Announce(_ context.Context, a Announcement) {
	log.Printf("announce queue_number=%s counter=%d patient=%s", a.QueueNumber, a.Counter, a.PatientName)
}

type Engine struct {
	store     store.EntryStore
	index     *queueindex.Index
	hub       Broadcaster
	announcer Announcer
	leases    *lease.Registry
	now       func() time.Time
}

type Options struct {
	// RegistrationTTL bounds how long a crashed registration can hold the
	// (department, file number) lease. Zero means the default of 5s.
	RegistrationTTL time.Duration
}

func New(entryStore store.EntryStore, broadcaster Broadcaster, announcer Announcer, options Options) *Engine {
	if announcer == nil {
		announcer = LogAnnouncer{}
	}
	ttl := options.RegistrationTTL
	if ttl <= 0 {
		ttl = defaultRegistrationTTL
	}
	return &Engine{
		store:     entryStore,
		index:     queueindex.New(),
		hub:       broadcaster,
		announcer: announcer,
		leases:    lease.NewRegistry(ttl),
		now:       time.Now,
	}
}

// Register creates a waiting entry for the patient. A short-TTL lease on
// (department, file number) serializes concurrent attempts for the same
// patient; contenders get a retryable error immediately instead of queueing.
func (e *Engine) Register(ctx context.Context, departmentID, fileNumber, patientName string) (models.QueueEntry, error) {
	lockKey := fmt.Sprintf("register:%s:%s", departmentID, fileNumber)

	var entry models.QueueEntry
	err := e.leases.Do(lockKey, func() error {
		var err error
		entry, err = e.store.RegisterEntry(ctx, store.RegisterInput{
			DepartmentID: departmentID,
			FileNumber:   fileNumber,
			PatientName:  patientName,
			CreatedAt:    e.now().UTC(),
		})
		return err
	})
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return models.QueueEntry{}, store.ErrRegistrationInProgress
		}
		return models.QueueEntry{}, err
	}

	// Index and broadcast are best-effort once the row is durable.
	e.index.Add(entry.DepartmentID, entry.ID, entry.CreatedAt)
	e.publish(hub.Event{
		Type:         hub.EventNew,
		DepartmentID: entry.DepartmentID,
		Entry:        &entry,
		Version:      entry.Version,
	})
	return entry, nil
}

// AssignNext atomically hands the oldest waiting entry to the counter.
func (e *Engine) AssignNext(ctx context.Context, departmentID string, counterID int) (models.QueueEntry, error) {
	entry, err := e.store.AssignNext(ctx, store.AssignNextInput{
		DepartmentID: departmentID,
		CounterID:    counterID,
		CalledAt:     e.now().UTC(),
	})
	if err != nil {
		return models.QueueEntry{}, err
	}

	e.publish(hub.Event{
		Type:         hub.EventCalled,
		DepartmentID: entry.DepartmentID,
		Entry:        &entry,
		CounterID:    counterID,
		Version:      entry.Version,
	})
	e.announce(entry, counterID)
	return entry, nil
}

// CallNextResult reports the two halves of a composite call independently:
// completing (or no-showing) the counter's current entry, and calling the
// next one. Either half can fail without hiding the other's outcome.
type CallNextResult struct {
	Completed     *models.QueueEntry `json:"completed,omitempty"`
	PreviousError string             `json:"previous_error,omitempty"`
	Next          *models.QueueEntry `json:"next,omitempty"`
}

func (e *Engine) CompleteAndCallNext(ctx context.Context, departmentID string, counterID int) (CallNextResult, error) {
	return e.finishAndCallNext(ctx, departmentID, counterID, models.StatusCompleted)
}

func (e *Engine) NoShowAndCallNext(ctx context.Context, departmentID string, counterID int) (CallNextResult, error) {
	return e.finishAndCallNext(ctx, departmentID, counterID, models.StatusNoShow)
}

func (e *Engine) finishAndCallNext(ctx context.Context, departmentID string, counterID int, finishStatus string) (CallNextResult, error) {
	var result CallNextResult

	current, found, err := e.store.GetServingAtCounter(ctx, counterID)
	if err != nil {
		result.PreviousError = err.Error()
		log.Printf("lookup serving entry counter=%d error: %v", counterID, err)
	} else if found {
		finished, err := e.transition(ctx, current.ID, finishStatus, nil)
		if err != nil {
			// Best-effort: still try to call the next patient.
			result.PreviousError = err.Error()
			log.Printf("finish current entry=%s status=%s error: %v", current.ID, finishStatus, err)
		} else {
			result.Completed = &finished
		}
	}

	next, err := e.AssignNext(ctx, departmentID, counterID)
	if err != nil {
		if errors.Is(err, store.ErrNoWaiting) {
			// Nobody left: tell displays to stop showing the previous
			// entry instead of going silent.
			e.publish(hub.Event{
				Type:         hub.EventClearServing,
				DepartmentID: departmentID,
				CounterID:    counterID,
			})
			return result, nil
		}
		return result, err
	}
	result.Next = &next
	return result, nil
}

// CallResult distinguishes an initial call from a re-announcement of an
// entry that is already being served.
type CallResult struct {
	Entry    models.QueueEntry `json:"entry"`
	IsRecall bool              `json:"is_recall"`
}

// CallOrRecall announces the entry at its counter. A waiting entry
// transitions to serving (a counter must be supplied or already assigned);
// a serving entry is re-announced without touching its state.
func (e *Engine) CallOrRecall(ctx context.Context, entryID string, counterID *int) (CallResult, error) {
	entry, err := e.store.GetEntry(ctx, entryID)
	if err != nil {
		return CallResult{}, err
	}

	if entry.Status == models.StatusServing {
		e.publish(hub.Event{
			Type:         hub.EventRecalled,
			DepartmentID: entry.DepartmentID,
			Entry:        &entry,
			CounterID:    derefCounter(entry.CounterID),
			Version:      entry.Version,
		})
		e.announce(entry, derefCounter(entry.CounterID))
		return CallResult{Entry: entry, IsRecall: true}, nil
	}

	if counterID == nil && entry.CounterID == nil {
		return CallResult{}, store.ErrCounterRequired
	}

	updated, err := e.transition(ctx, entryID, models.StatusServing, counterID)
	if err != nil {
		return CallResult{}, err
	}
	e.publish(hub.Event{
		Type:         hub.EventCalled,
		DepartmentID: updated.DepartmentID,
		Entry:        &updated,
		CounterID:    derefCounter(updated.CounterID),
		Version:      updated.Version,
	})
	e.announce(updated, derefCounter(updated.CounterID))
	return CallResult{Entry: updated, IsRecall: false}, nil
}

func (e *Engine) MarkNoShow(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return e.transition(ctx, entryID, models.StatusNoShow, nil)
}

func (e *Engine) CompleteCurrent(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return e.transition(ctx, entryID, models.StatusCompleted, nil)
}

// transition commits one state-machine step and propagates it: terminal
// entries leave the index, every committed step is broadcast.
func (e *Engine) transition(ctx context.Context, entryID, toStatus string, counterID *int) (models.QueueEntry, error) {
	entry, err := e.store.UpdateStatus(ctx, store.TransitionInput{
		EntryID:    entryID,
		ToStatus:   toStatus,
		CounterID:  counterID,
		OccurredAt: e.now().UTC(),
	})
	if err != nil {
		return models.QueueEntry{}, err
	}

	if models.Terminal(entry.Status) {
		e.index.Remove(entry.DepartmentID, entry.ID)
	}
	e.publish(hub.Event{
		Type:         hub.EventStatus,
		DepartmentID: entry.DepartmentID,
		Entry:        &entry,
		CounterID:    derefCounter(entry.CounterID),
		Version:      entry.Version,
	})
	return entry, nil
}

// GetDepartmentQueue answers "who is active, in order" from the index,
// falling back to a store scan when the index has nothing. Rows always come
// from the store, so a stale index can cost latency but never correctness.
func (e *Engine) GetDepartmentQueue(ctx context.Context, departmentID string) ([]models.QueueEntry, error) {
	if _, err := e.store.GetDepartment(ctx, departmentID); err != nil {
		return nil, err
	}

	ids := e.index.IDs(departmentID)
	if len(ids) > 0 {
		entries, err := e.store.ListEntriesByIDs(ctx, ids)
		if err == nil {
			active := entries[:0]
			for _, entry := range entries {
				if !models.Terminal(entry.Status) {
					active = append(active, entry)
				}
			}
			return active, nil
		}
		log.Printf("index-backed queue read failed, falling back to store: %v", err)
	}
	return e.store.ListActive(ctx, departmentID)
}

type CounterQueueDetails struct {
	Current *models.QueueEntry  `json:"current,omitempty"`
	Queue   []models.QueueEntry `json:"queue"`
	Counter models.Counter      `json:"counter"`
}

func (e *Engine) GetCounterQueueDetails(ctx context.Context, departmentID string, counterID int) (CounterQueueDetails, error) {
	counter, err := e.store.GetCounter(ctx, counterID)
	if err != nil {
		return CounterQueueDetails{}, err
	}

	details := CounterQueueDetails{Counter: counter}
	current, found, err := e.store.GetServingAtCounter(ctx, counterID)
	if err != nil {
		return CounterQueueDetails{}, err
	}
	if found {
		details.Current = &current
	}

	waiting, err := e.store.ListWaiting(ctx, departmentID)
	if err != nil {
		return CounterQueueDetails{}, err
	}
	details.Queue = waiting
	return details, nil
}

// GetEntriesAfterVersion is the catch-up query: every entry of the
// department mutated after the given version, ascending, so replaying it in
// order reconstructs current state.
func (e *Engine) GetEntriesAfterVersion(ctx context.Context, departmentID string, lastVersion int64) ([]models.QueueEntry, error) {
	if _, err := e.store.GetDepartment(ctx, departmentID); err != nil {
		return nil, err
	}
	return e.store.ListEntriesAfterVersion(ctx, departmentID, lastVersion)
}

type RecoverResult struct {
	Entries       []models.QueueEntry `json:"entries"`
	LatestVersion int64               `json:"latest_version"`
	Source        string              `json:"source"`
}

var ErrRecoveryUnavailable = errors.New("recovery state unavailable")

// Recover hands a reconnecting client a consistent starting point: the live
// active set and latest version from the store, or the last periodic
// snapshot when the store cannot answer. If neither is available the failure
// is explicit; resuming silently with gaps is not an option.
func (e *Engine) Recover(ctx context.Context, departmentID string) (RecoverResult, error) {
	if _, err := e.store.GetDepartment(ctx, departmentID); err != nil {
		return RecoverResult{}, err
	}

	entries, err := e.store.ListActive(ctx, departmentID)
	if err == nil {
		version, verr := e.store.MaxVersion(ctx, departmentID)
		if verr == nil {
			return RecoverResult{Entries: entries, LatestVersion: version, Source: "store"}, nil
		}
		err = verr
	}
	log.Printf("recovery from store failed for department=%s: %v", departmentID, err)

	snapshot, takenAt, serr := e.store.LoadQueueSnapshot(ctx, departmentID)
	if serr != nil || takenAt.IsZero() {
		return RecoverResult{}, ErrRecoveryUnavailable
	}
	var latest int64
	for _, entry := range snapshot {
		if entry.Version > latest {
			latest = entry.Version
		}
	}
	return RecoverResult{Entries: snapshot, LatestVersion: latest, Source: "snapshot"}, nil
}

func (e *Engine) GetDepartmentStats(ctx context.Context, departmentID string) (models.DepartmentStats, error) {
	if _, err := e.store.GetDepartment(ctx, departmentID); err != nil {
		return models.DepartmentStats{}, err
	}
	now := e.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return e.store.GetDepartmentStats(ctx, departmentID, dayStart)
}

// RebuildIndex realigns the in-memory index with the durable store, per
// department. Called at startup and by the reconciliation job.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	departments, err := e.store.ListDepartments(ctx)
	if err != nil {
		return err
	}
	for _, department := range departments {
		entries, err := e.store.ListActive(ctx, department.ID)
		if err != nil {
			return err
		}
		ids := make([]string, len(entries))
		arrivals := make([]time.Time, len(entries))
		for i, entry := range entries {
			ids[i] = entry.ID
			arrivals[i] = entry.CreatedAt
		}
		e.index.Replace(department.ID, ids, arrivals)
	}
	return nil
}

// SnapshotQueues persists each department's active set so recovery can fall
// back to something recent when the live store query fails.
func (e *Engine) SnapshotQueues(ctx context.Context) error {
	departments, err := e.store.ListDepartments(ctx)
	if err != nil {
		return err
	}
	for _, department := range departments {
		entries, err := e.store.ListActive(ctx, department.ID)
		if err != nil {
			return err
		}
		if err := e.store.SaveQueueSnapshot(ctx, department.ID, entries); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) publish(event hub.Event) {
	if e.hub == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}
	e.hub.Publish(event)
}

func (e *Engine) announce(entry models.QueueEntry, counterID int) {
	counterNumber := counterID
	if counter, err := e.store.GetCounter(context.Background(), counterID); err == nil {
		counterNumber = counter.Number
	}
	a := Announcement{
		QueueNumber: entry.QueueNumber,
		Counter:     counterNumber,
		PatientName: entry.PatientName,
		FileNumber:  entry.FileNumber,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.announcer.Announce(ctx, a)
	}()
}

func derefCounter(counterID *int) int {
	if counterID == nil {
		return 0
	}
	return *counterID
}
