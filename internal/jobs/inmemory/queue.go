package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/finance-ledger/internal/jobs"
	"github.com/dvloznov/finance-ledger/internal/logger"
	"github.com/google/uuid"
)

const (
	defaultWorkers    = 5
	defaultMaxRetries = 3
)

// ErrQueueClosed is returned when publishing to or starting a stopped queue.
var ErrQueueClosed = errors.New("queue is closed")

// Queue is a channel-backed sync job queue for single-instance deployments.
// Each worker runs one job at a time. A request for a record that already has
// a job waiting is merged into that job instead of queued again.
type Queue struct {
	jobChan   chan *jobs.SyncJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	store     jobs.JobStore
	workers   int
	backoff   time.Duration

	mu      sync.Mutex
	closed  bool
	waiting map[string]*jobs.SyncJob // by SyncJob.Key
}

// NewQueue creates a queue holding up to bufferSize waiting jobs, consumed by
// workers goroutines. workers <= 0 uses the default of 5.
func NewQueue(bufferSize, workers int, store jobs.JobStore) *Queue {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Queue{
		jobChan:   make(chan *jobs.SyncJob, bufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		workers:   workers,
		backoff:   time.Second,
		waiting:   make(map[string]*jobs.SyncJob),
	}
}

// PublishSync enqueues job, blocking while the buffer is full, and returns a
// snapshot of the job that will run.
func (q *Queue) PublishSync(ctx context.Context, job *jobs.SyncJob) (*jobs.SyncJob, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if queued, ok := q.waiting[job.Key()]; ok {
		queued.Merge(job)
		snapshot := *queued
		q.mu.Unlock()
		q.save(ctx, &snapshot)
		return &snapshot, nil
	}

	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	job.Status = jobs.JobStatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = defaultMaxRetries
	}
	q.waiting[job.Key()] = job
	snapshot := *job
	q.mu.Unlock()

	if q.store != nil {
		if err := q.store.SaveJob(ctx, &snapshot); err != nil {
			q.forget(job)
			return nil, fmt.Errorf("PublishSync: save job: %w", err)
		}
	}
	if err := q.send(ctx, job); err != nil {
		q.forget(job)
		return nil, fmt.Errorf("PublishSync: %w", err)
	}
	return &snapshot, nil
}

func (q *Queue) send(ctx context.Context, job *jobs.SyncJob) error {
	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return ErrQueueClosed
	}
}

// forget drops job from the waiting set once a worker owns it.
func (q *Queue) forget(job *jobs.SyncJob) {
	q.mu.Lock()
	if q.waiting[job.Key()] == job {
		delete(q.waiting, job.Key())
	}
	q.mu.Unlock()
}

func (q *Queue) save(ctx context.Context, job *jobs.SyncJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to save job state")
	}
}

// Start launches the workers.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			q.forget(job)
			q.run(ctx, job, handler)
		}
	}
}

// run executes one attempt and schedules a retry with linear backoff when the
// handler errors. A panicking handler counts as an error.
func (q *Queue) run(ctx context.Context, job *jobs.SyncJob, handler jobs.JobHandler) {
	ctx = logger.WithJob(ctx, job.JobID, string(job.Type), job.RetryCount+1)
	log := logger.FromContext(ctx)

	started := time.Now()
	job.Status = jobs.JobStatusRunning
	job.StartedAt = &started
	job.CompletedAt = nil
	q.save(ctx, job)

	err := safeRun(ctx, job, handler)

	finished := time.Now()
	job.CompletedAt = &finished
	switch {
	case err == nil:
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
		log.Info().Str("sync_id", job.SyncID).Dur("duration", finished.Sub(started)).Msg("Job completed")
	case job.RetryCount < job.MaxRetries:
		job.Error = err.Error()
		job.RetryCount++
		job.Status = jobs.JobStatusRetrying
		backoff := time.Duration(job.RetryCount) * q.backoff
		log.Warn().Err(err).Dur("backoff", backoff).Msg("Job failed, retrying")
		time.AfterFunc(backoff, func() { q.retry(ctx, job) })
	default:
		job.Error = err.Error()
		job.Status = jobs.JobStatusFailed
		log.Error().Err(err).Msg("Job failed permanently")
	}
	q.save(ctx, job)
}

// retry puts job back on the channel without merging: a retry keeps its own
// identity and attempt count.
func (q *Queue) retry(ctx context.Context, job *jobs.SyncJob) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()

	err := ErrQueueClosed
	if !closed {
		job.Status = jobs.JobStatusPending
		q.save(ctx, job)
		err = q.send(ctx, job)
	}
	if err != nil {
		job.Status = jobs.JobStatusFailed
		job.Error = fmt.Sprintf("requeue: %v", err)
		q.save(context.WithoutCancel(ctx), job)
	}
}

func safeRun(ctx context.Context, job *jobs.SyncJob, handler jobs.JobHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// Stop closes the queue and waits for in-flight jobs until ctx expires.
// Jobs still waiting in the buffer are dropped.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue without a deadline.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var (
	_ jobs.Publisher = (*Queue)(nil)
	_ jobs.Consumer  = (*Queue)(nil)
)
