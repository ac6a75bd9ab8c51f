package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/aG00Dtime/ThemeForest-Ripper/internal/job"
	"github.com/aG00Dtime/ThemeForest-Ripper/internal/runner"
)

// Runner executes one job to completion.
type Runner interface {
	Run(ctx context.Context, id string) error
	StorageDir(id string) string
}

type Config struct {
	MaxWorkers int
	QueueLimit int
}

// Queue admits jobs and dispatches them to a fixed pool of workers.
type Queue struct {
	jobs    chan string
	store   *job.Store
	runner  Runner
	cfg     Config
	stopped chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New creates a new Queue. Workers start with Start.
func New(cfg Config, store *job.Store, r Runner) *Queue {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueLimit < 1 {
		cfg.QueueLimit = 1
	}
	return &Queue{
		jobs:    make(chan string, cfg.QueueLimit),
		store:   store,
		runner:  r,
		cfg:     cfg,
		stopped: make(chan struct{}),
	}
}

// Submit admits a new job for session and dispatches it. It fails with
// job.ErrCapacity or job.ErrConflict without side effects.
func (q *Queue) Submit(url, session string) (*job.Job, error) {
	j, err := q.store.Admit(url, session, q.cfg.QueueLimit)
	if err != nil {
		return nil, err
	}
	q.Enqueue(j.ID)
	return j, nil
}

// Enqueue hands a job ID to the workers. When every worker is busy and the
// buffer is full the send is parked in a goroutine, so the job stays queued
// instead of being rejected.
func (q *Queue) Enqueue(jobID string) {
	select {
	case q.jobs <- jobID:
	default:
		go func() {
			select {
			case q.jobs <- jobID:
			case <-q.stopped:
			}
		}()
	}
}

// Start launches cfg.MaxWorkers workers. They exit when ctx is done.
func (q *Queue) Start(ctx context.Context) {
	for range q.cfg.MaxWorkers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.runWorker(ctx)
		}()
	}
	go func() {
		<-ctx.Done()
		q.once.Do(func() { close(q.stopped) })
	}()
}

// Wait blocks until all workers have returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Cancel requests cancellation of a job owned by session and returns its
// resulting status. A queued job is cancelled and purged immediately; a
// running job is left for its runner to abort.
func (q *Queue) Cancel(ctx context.Context, id, session string) (job.Status, error) {
	snap := q.store.Snapshot(id)
	if snap == nil || snap.SessionID != session {
		return "", job.ErrNotFound
	}
	if !q.store.RequestCancel(id) {
		return "", job.ErrNotFound
	}

	after := q.store.Snapshot(id)
	if after == nil {
		return job.StatusCancelled, nil
	}
	if after.Status == job.StatusCancelled {
		q.purge(ctx, id)
	}
	return after.Status, nil
}

func (q *Queue) purge(ctx context.Context, id string) {
	if err := os.RemoveAll(q.runner.StorageDir(id)); err != nil {
		slog.Warn("remove job dir", "job_id", id, "error", err)
	}
	q.store.Remove(ctx, id)
}

// runWorker is a worker loop: dequeues jobs and processes them.
func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.jobs:
			q.processJob(ctx, jobID)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, jobID string) {
	snap := q.store.Snapshot(jobID)
	if snap == nil || snap.Status != job.StatusQueued {
		slog.Debug("skip dequeued job", "job_id", jobID)
		return
	}

	slog.Info("job started", "job_id", jobID)
	err := q.runner.Run(ctx, jobID)
	switch {
	case err == nil:
		slog.Info("job succeeded", "job_id", jobID)
	case errors.Is(err, runner.ErrCancelled):
		slog.Info("job cancelled", "job_id", jobID)
	default:
		slog.Warn("job failed", "job_id", jobID, "error", err)
	}
}
