package models

import "time"

// Department and Counter are reference data owned by the admin side; the
// engine only reads them.
type Department struct {
	ID        string    `json:"id"`
	NameEN    string    `json:"name_en"`
	NameAR    string    `json:"name_ar"`
	Prefix    string    `json:"prefix"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

type Counter struct {
	ID           int       `json:"id"`
	DepartmentID string    `json:"department_id"`
	Number       int       `json:"number"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

type DepartmentStats struct {
	Total              int `json:"total"`
	Waiting            int `json:"waiting"`
	Serving            int `json:"serving"`
	Completed          int `json:"completed"`
	NoShow             int `json:"no_show"`
	AverageWaitMinutes int `json:"average_wait_minutes"`
}
