package domain

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// SyncableType is the kind of record a sync runs for.
type SyncableType string

const (
	SyncableAccount SyncableType = "Account"
	SyncableFamily  SyncableType = "Family"
)

// SyncStatus follows pending -> syncing -> completed | failed.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncSyncing   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// maxErrorLength bounds the stored error message.
const maxErrorLength = 2000

// Sync records one run of the balance engine for an account or a family.
type Sync struct {
	ID             string       `json:"id"`
	SyncableType   SyncableType `json:"syncable_type"`
	SyncableID     string       `json:"syncable_id"`
	ParentID       string       `json:"parent_id,omitempty"`
	Status         SyncStatus   `json:"status"`
	WindowStart    *civil.Date  `json:"window_start,omitempty"`
	WindowEnd      *civil.Date  `json:"window_end,omitempty"`
	PendingAt      time.Time    `json:"pending_at"`
	SyncingAt      *time.Time   `json:"syncing_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	FailedAt       *time.Time   `json:"failed_at,omitempty"`
	Error          string       `json:"error,omitempty"`
	ErrorBacktrace string       `json:"error_backtrace,omitempty"`
	Warnings       []string     `json:"warnings,omitempty"`
	Children       []*Sync      `json:"children,omitempty"`
}

// NewSync returns a pending sync.
func NewSync(id string, typ SyncableType, syncableID string, now time.Time) *Sync {
	return &Sync{ID: id, SyncableType: typ, SyncableID: syncableID, Status: SyncPending, PendingAt: now}
}

// Start moves a pending sync to syncing.
func (s *Sync) Start(now time.Time) error {
	if s.Status != SyncPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, SyncSyncing)
	}
	s.Status = SyncSyncing
	s.SyncingAt = &now
	return nil
}

// Complete moves a syncing sync to completed.
func (s *Sync) Complete(now time.Time) error {
	if s.Status != SyncSyncing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, SyncCompleted)
	}
	s.Status = SyncCompleted
	s.CompletedAt = &now
	return nil
}

// Fail records err and moves the sync to failed. A pending sync may fail
// directly when it cannot even be started.
func (s *Sync) Fail(now time.Time, err error, backtrace string) error {
	if s.Status != SyncSyncing && s.Status != SyncPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, SyncFailed)
	}
	s.Status = SyncFailed
	s.FailedAt = &now
	if err != nil {
		s.Error = truncate(err.Error(), maxErrorLength)
	}
	s.ErrorBacktrace = backtrace
	return nil
}

// Finished reports whether the sync reached a terminal state.
func (s *Sync) Finished() bool {
	return s.Status == SyncCompleted || s.Status == SyncFailed
}

// AddWarning records a non-fatal problem such as a missing rate.
func (s *Sync) AddWarning(msg string) {
	s.Warnings = append(s.Warnings, msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
