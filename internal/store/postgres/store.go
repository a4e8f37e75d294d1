package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queueNumberPad = 3

const entryColumns = `id, queue_number, file_number, patient_name, department_id, counter_id, status, created_at, served_at, completed_at, no_show_at, version`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) RegisterEntry(ctx context.Context, input store.RegisterInput) (models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	department, err := getDepartmentTx(ctx, tx, input.DepartmentID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if !department.IsActive {
		return models.QueueEntry{}, store.ErrDepartmentInactive
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	dayStart := startOfDay(createdAt)

	var duplicate bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM queue_entries
			WHERE department_id = $1 AND file_number = $2 AND created_at >= $3
		)
	`, input.DepartmentID, input.FileNumber, dayStart)
	if err = row.Scan(&duplicate); err != nil {
		return models.QueueEntry{}, err
	}
	if duplicate {
		return models.QueueEntry{}, store.ErrDuplicateEntry
	}

	seq, err := nextQueueNumber(ctx, tx, input.DepartmentID, dayStart)
	if err != nil {
		return models.QueueEntry{}, err
	}
	formattedNumber := fmt.Sprintf("%s%0*d", department.Prefix, queueNumberPad, seq)

	version, err := nextVersion(ctx, tx, input.DepartmentID)
	if err != nil {
		return models.QueueEntry{}, err
	}

	var entry models.QueueEntry
	row = tx.QueryRow(ctx, `
		INSERT INTO queue_entries (id, queue_number, file_number, patient_name, department_id, status, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+entryColumns+`
	`, uuid.NewString(), formattedNumber, input.FileNumber, input.PatientName, input.DepartmentID, models.StatusWaiting, createdAt, version)
	if entry, err = scanEntryRow(row); err != nil {
		return models.QueueEntry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE id = $1
	`, entryID)
	entry, err := scanEntryRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// AssignNext selects the oldest unassigned waiting entry of the department and
// moves it to serving at the counter as one transaction. SKIP LOCKED makes
// racing counters pick distinct rows instead of failing on the same one.
func (s *Store) AssignNext(ctx context.Context, input store.AssignNextInput) (models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = ensureCounterActive(ctx, tx, input.CounterID); err != nil {
		return models.QueueEntry{}, err
	}

	var busyID string
	row := tx.QueryRow(ctx, `
		SELECT id
		FROM queue_entries
		WHERE counter_id = $1 AND status = $2
		LIMIT 1
		FOR UPDATE
	`, input.CounterID, models.StatusServing)
	if err = row.Scan(&busyID); err == nil {
		err = store.ErrCounterBusy
		return models.QueueEntry{}, err
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, err
	}
	err = nil

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	version, err := nextVersion(ctx, tx, input.DepartmentID)
	if err != nil {
		return models.QueueEntry{}, err
	}

	var entry models.QueueEntry
	row = tx.QueryRow(ctx, `
		WITH next_entry AS (
			SELECT id
			FROM queue_entries
			WHERE department_id = $1 AND status = $2 AND counter_id IS NULL
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE queue_entries
		SET status = $3,
			counter_id = $4,
			served_at = $5,
			version = $6
		FROM next_entry
		WHERE queue_entries.id = next_entry.id
		RETURNING `+prefixedEntryColumns("queue_entries")+`
	`, input.DepartmentID, models.StatusWaiting, models.StatusServing, input.CounterID, calledAt, version)
	if entry, err = scanEntryRow(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrNoWaiting
		}
		return models.QueueEntry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// UpdateStatus applies one transition from the status table, stamping the
// target's timestamp and a fresh version. The row is locked for the duration
// so concurrent transitions on the same entry serialize.
func (s *Store) UpdateStatus(ctx context.Context, input store.TransitionInput) (models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE id = $1
		FOR UPDATE
	`, input.EntryID)
	current, err := scanEntryRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}

	if !store.ValidTransition(current.Status, input.ToStatus) {
		err = store.NewTransitionError(current.Status, input.ToStatus)
		return models.QueueEntry{}, err
	}

	counterID := current.CounterID
	if input.CounterID != nil {
		counterID = input.CounterID
	}
	if store.RequiresCounter(input.ToStatus) {
		if counterID == nil {
			err = store.ErrCounterRequired
			return models.QueueEntry{}, err
		}
		// Same guard as AssignNext: lock the counter and refuse if it
		// already has a serving entry, so a direct call cannot
		// double-book a counter the arbiter protects.
		if err = ensureCounterActive(ctx, tx, *counterID); err != nil {
			return models.QueueEntry{}, err
		}
		var busyID string
		busyRow := tx.QueryRow(ctx, `
			SELECT id
			FROM queue_entries
			WHERE counter_id = $1 AND status = $2 AND id <> $3
			LIMIT 1
			FOR UPDATE
		`, *counterID, models.StatusServing, input.EntryID)
		if err = busyRow.Scan(&busyID); err == nil {
			err = store.ErrCounterBusy
			return models.QueueEntry{}, err
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, err
		}
		err = nil
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	timestampColumn := ""
	switch input.ToStatus {
	case models.StatusServing:
		timestampColumn = "served_at"
	case models.StatusCompleted:
		timestampColumn = "completed_at"
	case models.StatusNoShow:
		timestampColumn = "no_show_at"
	}

	version, err := nextVersion(ctx, tx, current.DepartmentID)
	if err != nil {
		return models.QueueEntry{}, err
	}

	updateQuery := `
		UPDATE queue_entries
		SET status = $1, counter_id = $2, version = $3
	`
	args := []interface{}{input.ToStatus, counterID, version}
	argPos := 4
	if timestampColumn != "" {
		updateQuery += fmt.Sprintf(", %s = $%d", timestampColumn, argPos)
		args = append(args, occurredAt)
		argPos++
	}
	updateQuery += fmt.Sprintf(" WHERE id = $%d RETURNING ", argPos) + entryColumns
	args = append(args, input.EntryID)

	var entry models.QueueEntry
	row = tx.QueryRow(ctx, updateQuery, args...)
	if entry, err = scanEntryRow(row); err != nil {
		return models.QueueEntry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) GetServingAtCounter(ctx context.Context, counterID int) (models.QueueEntry, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE counter_id = $1 AND status = $2
		ORDER BY served_at DESC
		LIMIT 1
	`, counterID, models.StatusServing)
	entry, err := scanEntryRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) ListWaiting(ctx context.Context, departmentID string) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE department_id = $1 AND status = $2 AND counter_id IS NULL
		ORDER BY created_at ASC
	`, departmentID, models.StatusWaiting)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *Store) ListActive(ctx context.Context, departmentID string) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE department_id = $1 AND status IN ($2, $3)
		ORDER BY created_at ASC
	`, departmentID, models.StatusWaiting, models.StatusServing)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *Store) ListEntriesByIDs(ctx context.Context, ids []string) ([]models.QueueEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE id = ANY($1)
		ORDER BY created_at ASC
	`, ids)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *Store) ListEntriesAfterVersion(ctx context.Context, departmentID string, version int64) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE department_id = $1 AND version > $2
		ORDER BY version ASC
	`, departmentID, version)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *Store) MaxVersion(ctx context.Context, departmentID string) (int64, error) {
	var version int64
	row := s.pool.QueryRow(ctx, `
		SELECT version
		FROM department_versions
		WHERE department_id = $1
	`, departmentID)
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

func (s *Store) GetDepartment(ctx context.Context, departmentID string) (models.Department, error) {
	var department models.Department
	row := s.pool.QueryRow(ctx, `
		SELECT id, name_en, name_ar, prefix, is_active, created_at
		FROM departments
		WHERE id = $1
	`, departmentID)
	if err := row.Scan(&department.ID, &department.NameEN, &department.NameAR, &department.Prefix, &department.IsActive, &department.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Department{}, store.ErrDepartmentNotFound
		}
		return models.Department{}, err
	}
	return department, nil
}

func (s *Store) ListDepartments(ctx context.Context) ([]models.Department, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name_en, name_ar, prefix, is_active, created_at
		FROM departments
		ORDER BY name_en ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var departments []models.Department
	for rows.Next() {
		var department models.Department
		if err := rows.Scan(&department.ID, &department.NameEN, &department.NameAR, &department.Prefix, &department.IsActive, &department.CreatedAt); err != nil {
			return nil, err
		}
		departments = append(departments, department)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return departments, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID int) (models.Counter, error) {
	var counter models.Counter
	row := s.pool.QueryRow(ctx, `
		SELECT id, department_id, number, is_active, created_at
		FROM counters
		WHERE id = $1
	`, counterID)
	if err := row.Scan(&counter.ID, &counter.DepartmentID, &counter.Number, &counter.IsActive, &counter.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) GetDepartmentStats(ctx context.Context, departmentID string, since time.Time) (models.DepartmentStats, error) {
	var stats models.DepartmentStats
	var avgWaitSeconds sql.NullFloat64
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $3),
			COUNT(*) FILTER (WHERE status = $4),
			COUNT(*) FILTER (WHERE status = $5),
			COUNT(*) FILTER (WHERE status = $6),
			AVG(EXTRACT(EPOCH FROM served_at - created_at)) FILTER (WHERE status = $5 AND served_at IS NOT NULL)
		FROM queue_entries
		WHERE department_id = $1 AND created_at >= $2
	`, departmentID, since, models.StatusWaiting, models.StatusServing, models.StatusCompleted, models.StatusNoShow)
	if err := row.Scan(&stats.Total, &stats.Waiting, &stats.Serving, &stats.Completed, &stats.NoShow, &avgWaitSeconds); err != nil {
		return models.DepartmentStats{}, err
	}
	if avgWaitSeconds.Valid {
		stats.AverageWaitMinutes = int(avgWaitSeconds.Float64 / 60)
	}
	return stats, nil
}

func (s *Store) SaveQueueSnapshot(ctx context.Context, departmentID string, entries []models.QueueEntry) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO queue_snapshots (department_id, taken_at, entries)
		VALUES ($1, $2, $3)
		ON CONFLICT (department_id)
		DO UPDATE SET taken_at = EXCLUDED.taken_at, entries = EXCLUDED.entries
	`, departmentID, time.Now().UTC(), payload)
	return err
}

func (s *Store) LoadQueueSnapshot(ctx context.Context, departmentID string) ([]models.QueueEntry, time.Time, error) {
	var payload []byte
	var takenAt time.Time
	row := s.pool.QueryRow(ctx, `
		SELECT entries, taken_at
		FROM queue_snapshots
		WHERE department_id = $1
	`, departmentID)
	if err := row.Scan(&payload, &takenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, err
	}
	var entries []models.QueueEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, time.Time{}, err
	}
	return entries, takenAt, nil
}

func getDepartmentTx(ctx context.Context, tx pgx.Tx, departmentID string) (models.Department, error) {
	var department models.Department
	row := tx.QueryRow(ctx, `
		SELECT id, name_en, name_ar, prefix, is_active, created_at
		FROM departments
		WHERE id = $1
	`, departmentID)
	if err := row.Scan(&department.ID, &department.NameEN, &department.NameAR, &department.Prefix, &department.IsActive, &department.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Department{}, store.ErrDepartmentNotFound
		}
		return models.Department{}, err
	}
	return department, nil
}

// ensureCounterActive validates the counter and locks its row, serializing
// all assignments onto the same counter. Without the lock two idle-counter
// checks can pass concurrently and SKIP LOCKED would then hand each
// transaction a different waiting entry, double-booking the counter.
func ensureCounterActive(ctx context.Context, tx pgx.Tx, counterID int) error {
	var active bool
	row := tx.QueryRow(ctx, `
		SELECT is_active
		FROM counters
		WHERE id = $1
		FOR UPDATE
	`, counterID)
	if err := row.Scan(&active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrCounterNotFound
		}
		return err
	}
	if !active {
		return store.ErrCounterNotFound
	}
	return nil
}

// nextQueueNumber allocates the next sequence for the department's day in a
// single upsert, so concurrent registrations can never compute the same
// number.
func nextQueueNumber(ctx context.Context, tx pgx.Tx, departmentID string, day time.Time) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_number_sequences (department_id, day, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (department_id, day)
		DO UPDATE SET next_number = queue_number_sequences.next_number + 1
		RETURNING next_number
	`, departmentID, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

// nextVersion draws the department's next mutation version. Ordering entries
// of one department by version therefore replays mutations in commit order.
func nextVersion(ctx context.Context, tx pgx.Tx, departmentID string) (int64, error) {
	var version int64
	row := tx.QueryRow(ctx, `
		INSERT INTO department_versions (department_id, version)
		VALUES ($1, 1)
		ON CONFLICT (department_id)
		DO UPDATE SET version = department_versions.version + 1
		RETURNING version
	`, departmentID)
	if err := row.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func prefixedEntryColumns(table string) string {
	return table + ".id, " + table + ".queue_number, " + table + ".file_number, " + table + ".patient_name, " + table + ".department_id, " + table + ".counter_id, " + table + ".status, " + table + ".created_at, " + table + ".served_at, " + table + ".completed_at, " + table + ".no_show_at, " + table + ".version"
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntryRow(row rowScanner) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var counterIDNull sql.NullInt64
	var servedAtNull sql.NullTime
	var completedAtNull sql.NullTime
	var noShowAtNull sql.NullTime
	if err := row.Scan(&entry.ID, &entry.QueueNumber, &entry.FileNumber, &entry.PatientName, &entry.DepartmentID, &counterIDNull, &entry.Status, &entry.CreatedAt, &servedAtNull, &completedAtNull, &noShowAtNull, &entry.Version); err != nil {
		return models.QueueEntry{}, err
	}
	if counterIDNull.Valid {
		counter := int(counterIDNull.Int64)
		entry.CounterID = &counter
	}
	entry.ServedAt = nullTimePtr(servedAtNull)
	entry.CompletedAt = nullTimePtr(completedAtNull)
	entry.NoShowAt = nullTimePtr(noShowAtNull)
	return entry, nil
}

func scanEntries(rows pgx.Rows) ([]models.QueueEntry, error) {
	defer rows.Close()
	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
