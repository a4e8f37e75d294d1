package models

import "time"

type QueueEntry struct {
	ID           string     `json:"id"`
	QueueNumber  string     `json:"queue_number"`
	FileNumber   string     `json:"file_number"`
	PatientName  string     `json:"patient_name"`
	DepartmentID string     `json:"department_id"`
	CounterID    *int       `json:"counter_id,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ServedAt     *time.Time `json:"served_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	NoShowAt     *time.Time `json:"no_show_at,omitempty"`
	Version      int64      `json:"version"`
}

const (
	StatusWaiting   = "waiting"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusNoShow    = "no_show"
)

// Terminal reports whether a status permits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusNoShow
}
