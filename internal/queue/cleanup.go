package queue

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// StartCleanup reaps succeeded and failed jobs older than ttl every interval
// until ctx is done.
func (q *Queue) StartCleanup(ctx context.Context, ttl, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := q.Prune(ctx, now.Add(-ttl)); n > 0 {
					slog.Info("cleanup", "removed", n)
				}
			}
		}
	}()
}

// Prune removes every terminal job last updated at or before cutoff, along
// with its directory. Directory errors are logged and otherwise ignored.
func (q *Queue) Prune(ctx context.Context, cutoff time.Time) int {
	stale := q.store.ListStale(cutoff)
	for _, j := range stale {
		dir := q.runner.StorageDir(j.ID)
		if j.ArtifactPath != "" {
			dir = filepath.Dir(j.ArtifactPath)
		}
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("cleanup: remove job dir", "job_id", j.ID, "error", err)
		}
		q.store.Remove(ctx, j.ID)
	}
	return len(stale)
}
