package store

import (
	"context"
	"time"

	"qms/queue-engine/internal/models"
)

type RegisterInput struct {
	DepartmentID string
	FileNumber   string
	PatientName  string
	CreatedAt    time.Time
}

type AssignNextInput struct {
	DepartmentID string
	CounterID    int
	CalledAt     time.Time
}

type TransitionInput struct {
	EntryID    string
	ToStatus   string
	CounterID  *int
	OccurredAt time.Time
}

// EntryStore is the durable source of truth for queue entries. All mutations
// run in a transaction, stamp a fresh department-scoped version on the entry,
// and enforce the status transition table.
type EntryStore interface {
	RegisterEntry(ctx context.Context, input RegisterInput) (models.QueueEntry, error)
	GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error)
	AssignNext(ctx context.Context, input AssignNextInput) (models.QueueEntry, error)
	UpdateStatus(ctx context.Context, input TransitionInput) (models.QueueEntry, error)
	GetServingAtCounter(ctx context.Context, counterID int) (models.QueueEntry, bool, error)
	ListWaiting(ctx context.Context, departmentID string) ([]models.QueueEntry, error)
	ListActive(ctx context.Context, departmentID string) ([]models.QueueEntry, error)
	ListEntriesByIDs(ctx context.Context, ids []string) ([]models.QueueEntry, error)
	ListEntriesAfterVersion(ctx context.Context, departmentID string, version int64) ([]models.QueueEntry, error)
	MaxVersion(ctx context.Context, departmentID string) (int64, error)

	GetDepartment(ctx context.Context, departmentID string) (models.Department, error)
	ListDepartments(ctx context.Context) ([]models.Department, error)
	GetCounter(ctx context.Context, counterID int) (models.Counter, error)
	GetDepartmentStats(ctx context.Context, departmentID string, since time.Time) (models.DepartmentStats, error)

	SaveQueueSnapshot(ctx context.Context, departmentID string, entries []models.QueueEntry) error
	LoadQueueSnapshot(ctx context.Context, departmentID string) ([]models.QueueEntry, time.Time, error)
}
