package api

import (
	"time"

	"github.com/aG00Dtime/ThemeForest-Ripper/internal/job"
)

const logTailSize = 50

type LogTail struct {
	Entries    []job.LogEntry `json:"entries"`
	NextCursor int            `json:"next_cursor"`
}

// JobView is the client-facing rendering of a job.
type JobView struct {
	JobID        string     `json:"job_id"`
	Status       job.Status `json:"status"`
	ThemeURL     string     `json:"theme_url"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LogTail      LogTail    `json:"log_tail"`
	DownloadURL  string     `json:"download_url,omitempty"`
	DownloadSize *int64     `json:"download_size,omitempty"`
	Error        string     `json:"error,omitempty"`
}

func newJobView(j *job.Job, now time.Time) JobView {
	entries := j.Tail(logTailSize)
	if entries == nil {
		entries = []job.LogEntry{}
	}
	v := JobView{
		JobID:     j.ID,
		Status:    j.Status,
		ThemeURL:  j.URL,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		ExpiresAt: j.ExpiresAt,
		LogTail:   LogTail{Entries: entries, NextCursor: j.NextCursor},
		Error:     j.Error,
	}
	if downloadable(j, now) {
		v.DownloadURL = "/v1/downloads/" + j.DownloadToken
		v.DownloadSize = j.DownloadSize
	}
	return v
}

// downloadable reports whether j's archive may be offered at now.
func downloadable(j *job.Job, now time.Time) bool {
	return j.Status == job.StatusSucceeded &&
		j.ArtifactPath != "" &&
		j.DownloadToken != "" &&
		j.ExpiresAt != nil &&
		now.Before(*j.ExpiresAt)
}
