package job

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MinArchiveSize is the smallest archive accepted as a successful rip.
// Anything below it means the preview was not actually extracted.
const MinArchiveSize = 100 * 1024

const (
	archiveTooSmallMessage = "Final archive was too small; preview may not be rippable"
	completedMessage       = "Job completed successfully"
)

// Tokens issues and revokes download tokens for finished jobs.
type Tokens interface {
	Issue(ctx context.Context, jobID string, expiresAt time.Time) (string, error)
	DeleteForJob(ctx context.Context, jobID string) error
}

// Store is the in-memory, authoritative state of every job. All reads return
// deep copies; callers never see the live records.
//
// The lock only guards map access and copying. Token registry calls and
// filesystem checks happen outside of it.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	signals  map[string]*Signal
	logLimit int
	ttl      time.Duration
	tokens   Tokens
	now      func() time.Time
}

// NewStore creates an empty store. logLimit caps retained log entries per
// job and ttl sets how long finished jobs stay downloadable.
func NewStore(logLimit int, ttl time.Duration, tokens Tokens) *Store {
	return &Store{
		jobs:     make(map[string]*Job),
		signals:  make(map[string]*Signal),
		logLimit: logLimit,
		ttl:      ttl,
		tokens:   tokens,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create allocates a new queued job.
func (s *Store) Create(url, session string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(url, session).clone()
}

// Admit creates a job only if the global active count is below limit and the
// session has no active job. Both checks and the insert share one critical
// section, so concurrent submissions cannot overshoot either bound.
// ActiveCount and ActiveJobForSession expose the two checks on their own, and
// Create inserts without either; they are the store's query surface, not
// part of the admission path.
func (s *Store) Admit(url, session string, limit int) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	owned := false
	for _, j := range s.jobs {
		if !j.Status.IsActive() {
			continue
		}
		active++
		if j.SessionID == session {
			owned = true
		}
	}
	if active >= limit {
		return nil, ErrCapacity
	}
	if owned {
		return nil, ErrConflict
	}
	return s.createLocked(url, session).clone(), nil
}

func (s *Store) createLocked(url, session string) *Job {
	now := s.now()
	j := &Job{
		ID:        uuid.New().String(),
		URL:       url,
		SessionID: session,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[j.ID] = j
	s.signals[j.ID] = newSignal()
	return j
}

// Snapshot returns a copy of the job, or nil if it does not exist.
func (s *Store) Snapshot(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return j.clone()
}

// Signal returns the job's cancellation signal, or nil once it is removed.
func (s *Store) Signal(id string) *Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals[id]
}

func (s *Store) MarkRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusRunning)
	}
	j.Status = StatusRunning
	j.UpdatedAt = s.now()
	return nil
}

// MarkSucceeded records the archive, issues a download token and appends the
// completion entry. Archives under MinArchiveSize demote the job to failed
// and return ErrArchiveTooSmall.
func (s *Store) MarkSucceeded(ctx context.Context, id, artifactPath string) error {
	if err := s.checkRunning(id, StatusSucceeded); err != nil {
		return err
	}
	info, err := os.Stat(artifactPath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	if info.Size() < MinArchiveSize {
		if err := s.MarkFailed(ctx, id, archiveTooSmallMessage); err != nil {
			return err
		}
		return ErrArchiveTooSmall
	}

	expires := s.now().Add(s.ttl)
	token, err := s.tokens.Issue(ctx, id, expires)
	if err != nil {
		return fmt.Errorf("issue download token: %w", err)
	}

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.Status != StatusRunning {
		var from Status
		if ok {
			from = j.Status
		}
		s.mu.Unlock()
		if !ok || from == StatusCancelled {
			s.revoke(ctx, id)
		}
		if !ok {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StatusSucceeded)
	}
	size := info.Size()
	j.Status = StatusSucceeded
	j.UpdatedAt = s.now()
	j.ArtifactPath = artifactPath
	j.DownloadSize = &size
	j.ExpiresAt = &expires
	j.DownloadToken = token
	j.Error = ""
	s.appendLocked(j, LevelInfo, completedMessage)
	s.mu.Unlock()
	return nil
}

// MarkFailed records a terminal failure and appends msg as an error entry in
// the same critical section, so a reader that sees the failed status also sees
// the entry. A token is issued for failed jobs too; registry errors are
// logged, not returned.
func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	if err := s.checkRunning(id, StatusFailed); err != nil {
		return err
	}
	expires := s.now().Add(s.ttl)
	token, err := s.tokens.Issue(ctx, id, expires)
	if err != nil {
		slog.Warn("issue token for failed job", "job_id", id, "error", err)
	}

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.Status != StatusRunning {
		var from Status
		if ok {
			from = j.Status
		}
		s.mu.Unlock()
		if !ok || from == StatusCancelled {
			s.revoke(ctx, id)
		}
		if !ok {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StatusFailed)
	}
	defer s.mu.Unlock()
	j.Status = StatusFailed
	j.Error = msg
	j.UpdatedAt = s.now()
	j.ExpiresAt = &expires
	j.DownloadToken = token
	j.DownloadSize = nil
	j.ArtifactPath = ""
	j.CancelRequested = false
	s.appendLocked(j, LevelError, msg)
	return nil
}

// MarkCancelled moves a queued or running job to cancelled and drops any
// artifact metadata and token. Cancelling an already cancelled job is a no-op.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !j.Status.IsActive() && j.Status != StatusCancelled {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCancelled)
	}
	j.Status = StatusCancelled
	j.UpdatedAt = s.now()
	j.CancelRequested = true
	j.ArtifactPath = ""
	j.DownloadSize = nil
	j.Error = ""
	j.ExpiresAt = nil
	j.DownloadToken = ""
	s.mu.Unlock()

	s.revoke(ctx, id)
	return nil
}

// AppendLog assigns the next cursor, appends the entry and trims the oldest
// entries beyond the log limit.
func (s *Store) AppendLog(id string, level Level, msg string) (LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return LogEntry{}, ErrNotFound
	}
	return s.appendLocked(j, level, msg), nil
}

func (s *Store) appendLocked(j *Job, level Level, msg string) LogEntry {
	entry := LogEntry{
		Cursor:    j.NextCursor,
		Timestamp: s.now(),
		Level:     level,
		Message:   msg,
	}
	j.Logs = append(j.Logs, entry)
	j.NextCursor++
	j.UpdatedAt = entry.Timestamp
	if s.logLimit > 0 && len(j.Logs) > s.logLimit {
		j.Logs = j.Logs[len(j.Logs)-s.logLimit:]
	}
	return entry
}

// LogsSince returns retained entries with cursor >= since, the job's next
// cursor, and whether entries between since and the oldest retained entry
// were trimmed away.
func (s *Store) LogsSince(id string, since int) ([]LogEntry, int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, 0, false, ErrNotFound
	}
	var entries []LogEntry
	for _, e := range j.Logs {
		if e.Cursor >= since {
			entries = append(entries, e)
		}
	}
	hasMore := len(j.Logs) > 0 && j.Logs[0].Cursor > since
	return entries, j.NextCursor, hasMore, nil
}

// ActiveCount counts queued and running jobs.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status.IsActive() {
			n++
		}
	}
	return n
}

// ActiveJobForSession returns the session's queued or running job, if any.
func (s *Store) ActiveJobForSession(session string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.SessionID == session && j.Status.IsActive() {
			return j.clone()
		}
	}
	return nil
}

// RequestCancel raises the job's cancellation flag. A queued job has no stage
// to observe the flag, so it moves to cancelled right away. Succeeded and
// failed jobs are left untouched. Returns false if the job does not exist.
func (s *Store) RequestCancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	if j.Status == StatusSucceeded || j.Status == StatusFailed {
		return true
	}
	j.CancelRequested = true
	if sig := s.signals[id]; sig != nil {
		sig.Cancel()
	}
	if j.Status == StatusQueued {
		j.Status = StatusCancelled
		j.UpdatedAt = s.now()
	}
	return true
}

// IsCancelled reports whether cancellation was requested. A job that no
// longer exists counts as cancelled so that its runner stops.
func (s *Store) IsCancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return true
	}
	return sig.Cancelled()
}

// ListStale returns succeeded and failed jobs last updated at or before cutoff.
func (s *Store) ListStale(cutoff time.Time) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []*Job
	for _, j := range s.jobs {
		if (j.Status == StatusSucceeded || j.Status == StatusFailed) && !j.UpdatedAt.After(cutoff) {
			stale = append(stale, j.clone())
		}
	}
	return stale
}

// Remove deletes the job, its signal and its token.
func (s *Store) Remove(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	sig := s.signals[id]
	delete(s.signals, id)
	s.mu.Unlock()

	if sig != nil {
		sig.Cancel()
	}
	s.revoke(ctx, id)
}

// checkRunning rejects a transition to `to` unless the job is running. It is
// evaluated before any token is issued.
func (s *Store) checkRunning(id string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	return nil
}

func (s *Store) revoke(ctx context.Context, id string) {
	if err := s.tokens.DeleteForJob(ctx, id); err != nil {
		slog.Warn("delete download token", "job_id", id, "error", err)
	}
}

