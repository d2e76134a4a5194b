package model

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

func (s JobStatus) rank() int {
	switch s {
	case JobPending:
		return 0
	case JobProcessing:
		return 1
	case JobCompleted, JobFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether a job may move from one status to another.
// Staying in a non-terminal status is allowed so progress can advance.
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	return to.rank() > from.rank()
}

// Job represents a scoring job record in the job registry.
//
// - InputKey is the archived upload in the blob store (may be empty).
// - ResultRef is set only when completed, FailureReason only when failed.
type Job struct {
	ID            string     `json:"id"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Status        JobStatus  `json:"status"`
	Progress      int        `json:"progress"`
	InputKey      string     `json:"inputKey,omitempty"`
	ModelVersion  string     `json:"modelVersion,omitempty"`
	RowCount      int        `json:"rowCount"`
	ResultRef     string     `json:"resultRef,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
}

// JobPatch is used for partial updates.
type JobPatch struct {
	Status        *JobStatus
	Progress      *int
	RowCount      *int
	ResultRef     *string
	FailureReason *string
}

// Apply returns the job with the patch applied, enforcing the lifecycle rules:
// forward-only status, non-decreasing progress, progress frozen at 100 on
// completion and at its last value on failure.
func (j Job) Apply(p JobPatch, now time.Time) (Job, error) {
	if j.Status.IsTerminal() {
		return j, fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, j.ID, j.Status)
	}

	next := j
	if p.Status != nil {
		if !CanTransition(j.Status, *p.Status) {
			return j, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, *p.Status)
		}
		next.Status = *p.Status
	}
	if p.Progress != nil {
		v := clampProgress(*p.Progress)
		if v < j.Progress {
			return j, fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, j.Progress, v)
		}
		if next.Status != JobFailed {
			next.Progress = v
		}
	}
	if p.RowCount != nil {
		next.RowCount = *p.RowCount
	}

	switch next.Status {
	case JobCompleted:
		next.Progress = 100
		if p.ResultRef != nil {
			next.ResultRef = *p.ResultRef
		}
		if next.ResultRef == "" {
			next.ResultRef = j.ID
		}
	case JobFailed:
		next.Progress = j.Progress
		if p.FailureReason != nil {
			next.FailureReason = *p.FailureReason
		}
		if next.FailureReason == "" {
			next.FailureReason = "unknown failure"
		}
	}

	next.UpdatedAt = now
	if next.Status.IsTerminal() {
		t := now
		next.CompletedAt = &t
	}
	return next, nil
}

func clampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Report is the wire view of the job as returned by a status read.
func (j Job) Report() StatusReport {
	r := StatusReport{
		JobID:     j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		Timestamp: j.UpdatedAt,
	}
	switch j.Status {
	case JobCompleted:
		r.DownloadRef = fmt.Sprintf("/v1/jobs/%s/download", j.ID)
	case JobFailed:
		r.FailureReason = j.FailureReason
	}
	return r
}

// StatusReport is a single observation of a job.
type StatusReport struct {
	JobID         string    `json:"jobId"`
	Status        JobStatus `json:"status"`
	Progress      int       `json:"progress"`
	Timestamp     time.Time `json:"timestamp"`
	DownloadRef   string    `json:"downloadRef,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`

	// Err is set on reports synthesized by a client after a failed status check.
	Err error `json:"-"`
}

// Check rejects a report that no backend should produce.
func (r StatusReport) Check() error {
	if !r.Status.Valid() {
		return fmt.Errorf("unknown job status %q", r.Status)
	}
	if r.Progress < 0 || r.Progress > 100 {
		return fmt.Errorf("progress %d outside 0..100", r.Progress)
	}
	return nil
}

// ResultRow is one scored transaction.
type ResultRow struct {
	TransactionID string  `json:"transactionId"`
	Approved      bool    `json:"approved"`
	Decision      string  `json:"decision"`
	Score         float64 `json:"score"`
}

const (
	DecisionFraud    = "FRAUD"
	DecisionNotFraud = "NOT_FRAUD"
)

var ResultColumns = []string{"transactionId", "approved", "decision", "score"}

// ResultQuery selects a window over a job's rows. Filter is a case-insensitive
// substring match on the transaction id.
type ResultQuery struct {
	Page         int    `json:"page"`
	PageSize     int    `json:"pageSize"`
	Filter       string `json:"filter,omitempty"`
	RejectedOnly bool   `json:"rejected,omitempty"`
}

type ResultPage struct {
	Rows       []ResultRow `json:"rows"`
	Columns    []string    `json:"columns,omitempty"`
	Page       int         `json:"page"`
	PageSize   int         `json:"pageSize"`
	TotalPages int         `json:"totalPages"`
	TotalItems int         `json:"totalItems"`
}

// Upload is a file submitted for batch scoring.
type Upload struct {
	Name        string
	ContentType string
	Model       string
	Data        []byte
}

type HealthStatus string

const (
	HealthOK   HealthStatus = "ok"
	HealthDown HealthStatus = "down"
)

type Health struct {
	Status   HealthStatus `json:"status"`
	Backend  string       `json:"backend,omitempty"`
	Database string       `json:"database,omitempty"`
	Model    string       `json:"model,omitempty"`
}

// AuditEntry records a single scored transaction for later review.
type AuditEntry struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	JobID         string    `json:"jobId"`
	TransactionID string    `json:"transactionId"`
	Score         float64   `json:"score"`
	Decision      string    `json:"decision"`
	ModelVersion  string    `json:"version"`
}

type AuditFilter struct {
	Start        *time.Time
	End          *time.Time
	ModelVersion string
	FraudOnly    bool
	Limit        int
}

type ModelInfo struct {
	Name    string `json:"name"`
	Variant string `json:"variant"`
	Version string `json:"version"`
	Label   string `json:"label"`
}

// CompletionEvent is published once per job when it reaches a terminal state.
type CompletionEvent struct {
	JobID         string    `json:"jobId"`
	Status        JobStatus `json:"status"`
	RowCount      int       `json:"rowCount"`
	ModelVersion  string    `json:"modelVersion,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	CompletedAt   time.Time `json:"completedAt"`
}
