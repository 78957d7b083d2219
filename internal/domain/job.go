package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus defines the lifecycle state of a job.
type JobStatus string

const (
	JobStatusCreated  JobStatus = "CREATED"
	JobStatusRunning  JobStatus = "RUNNING"
	JobStatusDone     JobStatus = "DONE"
	JobStatusFailed   JobStatus = "FAILED"
	JobStatusCanceled JobStatus = "CANCELED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

func (s JobStatus) order() int {
	switch s {
	case JobStatusCreated:
		return 0
	case JobStatusRunning:
		return 1
	case JobStatusDone, JobStatusFailed, JobStatusCanceled:
		return 2
	}
	return -1
}

// Job is a single scan request executed by this server.
type Job struct {
	UUID          uuid.UUID `json:"uuid"`
	ServerID      string    `json:"server_id"`
	Configuration string    `json:"configuration"` // raw JSON, see JobConfiguration
	Status        JobStatus `json:"status"`
	Result        string    `json:"result,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	Created       time.Time `json:"created"`
	Started       time.Time `json:"started,omitempty"`
	Ended         time.Time `json:"ended,omitempty"`
	Updated       time.Time `json:"updated"`
}

// NewJob creates a job in status CREATED.
func NewJob(serverID, configuration string) *Job {
	now := time.Now()
	return &Job{
		UUID:          uuid.New(),
		ServerID:      serverID,
		Configuration: configuration,
		Status:        JobStatusCreated,
		Created:       now,
		Updated:       now,
	}
}

// Transition moves the job forward to status. Terminal states are never
// overwritten and a job never moves back.
func (j *Job) Transition(status JobStatus) error {
	if status.order() < 0 {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, status)
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s already %s", ErrIllegalTransition, j.UUID, j.Status)
	}
	if status.order() <= j.Status.order() {
		return fmt.Errorf("%w: job %s cannot move from %s to %s", ErrIllegalTransition, j.UUID, j.Status, status)
	}

	now := time.Now()
	j.Status = status
	j.Updated = now
	switch {
	case status == JobStatusRunning:
		j.Started = now
	case status.IsTerminal():
		j.Ended = now
	}
	return nil
}

// Validate checks if the job record is valid.
func (j *Job) Validate() error {
	if j.UUID == uuid.Nil {
		return fmt.Errorf("job uuid cannot be empty")
	}
	if j.Status.order() < 0 {
		return fmt.Errorf("invalid job status: %q", j.Status)
	}
	if j.Created.IsZero() {
		return fmt.Errorf("job created time cannot be zero")
	}
	return nil
}

// Clone returns a deep copy, repositories hand out copies only.
func (j *Job) Clone() *Job {
	c := *j
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	return &c
}
