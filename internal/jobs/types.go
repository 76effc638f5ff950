// Package jobs defines background sync jobs and the queue and store
// contracts that carry them.
package jobs

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
)

// ErrJobNotFound is returned by a JobStore for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// JobType selects what a SyncJob syncs.
type JobType string

const (
	// JobTypeSyncAccount recomputes the balances of one account.
	JobTypeSyncAccount JobType = "sync_account"
	// JobTypeSyncFamily fans out to every account of a family.
	JobTypeSyncFamily JobType = "sync_family"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	// JobStatusRetrying means the last attempt errored and another is scheduled.
	JobStatusRetrying JobStatus = "retrying"
)

// Finished reports whether no further attempt will run.
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// SyncJob asks a worker to run a balance sync.
type SyncJob struct {
	JobID string  `json:"job_id"`
	Type  JobType `json:"type"`

	// SyncableID is the account or family ID.
	SyncableID string `json:"syncable_id"`

	// StartDate requests an incremental sync from this day. Nil syncs the
	// whole history.
	StartDate *civil.Date `json:"start_date,omitempty"`

	// SyncID is the sync record written by the last attempt.
	SyncID string `json:"sync_id,omitempty"`

	// Merged counts later requests folded into this job while it was queued.
	Merged int `json:"merged,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
}

// Key identifies the record a job syncs. Queued jobs with the same key are
// merged.
func (j *SyncJob) Key() string {
	return string(j.Type) + "/" + j.SyncableID
}

// Merge widens j to also cover other: a nil start wins, otherwise the
// earlier start.
func (j *SyncJob) Merge(other *SyncJob) {
	j.Merged++
	switch {
	case j.StartDate == nil:
	case other.StartDate == nil:
		j.StartDate = nil
	case other.StartDate.Before(*j.StartDate):
		d := *other.StartDate
		j.StartDate = &d
	}
}

// Publisher enqueues jobs. The returned job is the one that will run, which
// is an already queued job when the request was merged into it.
type Publisher interface {
	PublishSync(ctx context.Context, job *SyncJob) (*SyncJob, error)
	Close() error
}

// Consumer runs jobs from a queue.
type Consumer interface {
	Start(ctx context.Context, handler JobHandler) error
	// Stop stops consuming and waits for in-flight jobs until ctx expires.
	Stop(ctx context.Context) error
}

// JobHandler runs a job. A returned error schedules a retry; failures already
// recorded elsewhere should return nil.
type JobHandler func(ctx context.Context, job *SyncJob) error

// JobStore tracks job state.
type JobStore interface {
	SaveJob(ctx context.Context, job *SyncJob) error
	GetJob(ctx context.Context, jobID string) (*SyncJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*SyncJob, error)
	// PruneJobs deletes finished jobs completed before cutoff.
	PruneJobs(ctx context.Context, cutoff time.Time) (int, error)
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	SyncableID string
	Status     JobStatus
	Limit      int
	Offset     int
}
