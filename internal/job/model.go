package job

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the job still counts against admission limits.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusRunning
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// LogEntry is one line of a job's progress log. Cursors increase strictly
// per job and are never reused, even after old entries are trimmed.
type LogEntry struct {
	Cursor    int       `json:"cursor"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

type Job struct {
	ID              string     `json:"job_id"`
	URL             string     `json:"theme_url"`
	SessionID       string     `json:"-"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Logs            []LogEntry `json:"-"`
	NextCursor      int        `json:"next_cursor"`
	ArtifactPath    string     `json:"-"`
	DownloadSize    *int64     `json:"download_size,omitempty"`
	Error           string     `json:"error,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	DownloadToken   string     `json:"-"`
	CancelRequested bool       `json:"-"`
}

// clone returns a deep copy that shares no memory with j.
func (j *Job) clone() *Job {
	c := *j
	c.Logs = append([]LogEntry(nil), j.Logs...)
	if j.DownloadSize != nil {
		size := *j.DownloadSize
		c.DownloadSize = &size
	}
	if j.ExpiresAt != nil {
		t := *j.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Tail returns up to n of the most recent retained log entries.
func (j *Job) Tail(n int) []LogEntry {
	if len(j.Logs) <= n {
		return j.Logs
	}
	return j.Logs[len(j.Logs)-n:]
}

var themeHosts = []string{"themeforest.net"}

// CreateRequest is the payload used to submit a new rip job.
type CreateRequest struct {
	URL string `json:"theme_url"`
}

func (r *CreateRequest) Validate() error {
	r.URL = strings.TrimSpace(r.URL)
	if r.URL == "" {
		return errors.New("theme_url must not be empty")
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" {
		return errors.New("theme_url must be an absolute URL")
	}
	if u.Scheme != "https" {
		return errors.New("theme_url must use https scheme")
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range themeHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return errors.New("theme_url must belong to themeforest.net")
}
