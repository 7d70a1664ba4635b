package domain

import (
	"errors"
	"fmt"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further status transitions are permitted.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one submitted workflow execution. DEMFilename and Parameters are
// caller-supplied at creation and never mutated afterwards.
type Job struct {
	ID           JobID        `json:"id"`
	WorkflowType WorkflowType `json:"workflow_type"`
	Status       JobStatus    `json:"status"`
	DEMFilename  string       `json:"dem_filename"`
	Parameters   Parameters   `json:"parameters"`
	Progress     int          `json:"progress"`
	Error        *string      `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidState       = errors.New("operation not permitted in current job state")
	ErrBackendUnavailable = errors.New("execution backend unavailable")
)

// CanTransition validates the status machine:
// pending -> running -> {completed, failed}.
func (j *Job) CanTransition(next JobStatus) bool {
	switch j.Status {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// ClampProgress bounds a reported percentage to the displayable range.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s (%s, %s, %d%%)", j.ID, j.WorkflowType, j.Status, j.Progress)
}
