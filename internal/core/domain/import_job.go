package domain

import "time"

type ImportStatus string

const (
	ImportStatusPending             ImportStatus = "PENDING"
	ImportStatusProcessing          ImportStatus = "PROCESSING"
	ImportStatusCompleted           ImportStatus = "COMPLETED"
	ImportStatusCompletedWithErrors ImportStatus = "COMPLETED_WITH_ERRORS"
	ImportStatusFailed              ImportStatus = "FAILED"
)

var importTransitions = map[ImportStatus][]ImportStatus{
	ImportStatusPending:    {ImportStatusProcessing, ImportStatusFailed},
	ImportStatusProcessing: {ImportStatusCompleted, ImportStatusCompletedWithErrors, ImportStatusFailed},
}

// Terminal reports whether no further transition is allowed from s.
func (s ImportStatus) Terminal() bool {
	return s == ImportStatusCompleted || s == ImportStatusCompletedWithErrors || s == ImportStatusFailed
}

func (s ImportStatus) CanTransitionTo(next ImportStatus) bool {
	for _, allowed := range importTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ImportJob is the durable record of one CSV import.
type ImportJob struct {
	ID             string
	UserID         string
	StoreID        string
	FileKey        string
	FileURL        string
	Status         ImportStatus
	Attempts       int
	Progress       int
	TotalRows      int
	ProcessedRows  int
	ErrorRows      int
	SkippedRows    int
	ErrorReportKey string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (j ImportJob) Snapshot() JobStatus {
	return JobStatus{
		JobID:          j.ID,
		Status:         j.Status,
		Progress:       j.Progress,
		TotalRows:      j.TotalRows,
		ProcessedRows:  j.ProcessedRows,
		ErrorRows:      j.ErrorRows,
		SkippedRows:    j.SkippedRows,
		ErrorReportKey: j.ErrorReportKey,
	}
}

// JobStatus is the externally visible view of an import job.
type JobStatus struct {
	JobID          string       `json:"jobId"`
	Status         ImportStatus `json:"status"`
	Progress       int          `json:"progress"`
	TotalRows      int          `json:"totalRows"`
	ProcessedRows  int          `json:"processedRows"`
	ErrorRows      int          `json:"errorRows"`
	SkippedRows    int          `json:"skippedRows"`
	ErrorReportKey string       `json:"errorReportKey,omitempty"`
}

// ImportOutcome carries the final counters written when a job leaves PROCESSING.
// A zero Progress leaves the stored progress untouched.
type ImportOutcome struct {
	Status         ImportStatus
	Progress       int
	TotalRows      int
	ProcessedRows  int
	ErrorRows      int
	SkippedRows    int
	ErrorReportKey string
	ErrorMessage   string
}

// ImportTask is the message handed to the worker pool.
type ImportTask struct {
	JobID   string `json:"job_id"`
	StoreID string `json:"store_id"`
	Attempt int    `json:"attempt"`
}
