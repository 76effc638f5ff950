// Package inmemory provides a single-process job queue and job store.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/finance-ledger/internal/jobs"
)

// Store is a JobStore kept in process memory. Jobs are lost on restart.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]jobs.SyncJob
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]jobs.SyncJob)}
}

// SaveJob stores a snapshot of job.
func (s *Store) SaveJob(ctx context.Context, job *jobs.SyncJob) error {
	if job.JobID == "" {
		return errors.New("SaveJob: job ID is required")
	}
	s.mu.Lock()
	s.jobs[job.JobID] = *job
	s.mu.Unlock()
	return nil
}

// GetJob returns a copy of the job.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.SyncJob, error) {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("GetJob %s: %w", jobID, jobs.ErrJobNotFound)
	}
	return &job, nil
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.SyncJob, error) {
	s.mu.RLock()
	result := make([]*jobs.SyncJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.SyncableID != "" && job.SyncableID != filter.SyncableID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		result = append(result, &job)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].JobID < result[j].JobID
	})

	result = result[min(filter.Offset, len(result)):]
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// PruneJobs deletes completed and failed jobs that finished before cutoff.
func (s *Store) PruneJobs(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, job := range s.jobs {
		if job.Status.Finished() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

var _ jobs.JobStore = (*Store)(nil)
