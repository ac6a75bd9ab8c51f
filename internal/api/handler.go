package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aG00Dtime/ThemeForest-Ripper/internal/job"
	"github.com/aG00Dtime/ThemeForest-Ripper/internal/queue"
)

const (
	codeTooManyJobs      = "TOO_MANY_JOBS"
	codeActiveJobExists  = "ACTIVE_JOB_EXISTS"
	codeJobNotFound      = "JOB_NOT_FOUND"
	codeJobNotReady      = "JOB_NOT_READY"
	codeDownloadNotFound = "DOWNLOAD_NOT_FOUND"
	codeInvalidRequest   = "INVALID_REQUEST"
	codeRateLimited      = "RATE_LIMITED"
	codeInternal         = "INTERNAL"
)

// Tokens resolves anonymous download tokens.
type Tokens interface {
	Resolve(ctx context.Context, token string) (jobID string, expiresAt time.Time, ok bool, err error)
	Delete(ctx context.Context, token string) error
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store        *job.Store
	queue        *queue.Queue
	tokens       Tokens
	pollInterval time.Duration
	now          func() time.Time
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(store *job.Store, q *queue.Queue, tokens Tokens) *Handler {
	return &Handler{
		store:        store,
		queue:        q,
		tokens:       tokens,
		pollInterval: 500 * time.Millisecond,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/rips", h.CreateRip)
	mux.HandleFunc("GET /v1/rips/{id}", h.GetRip)
	mux.HandleFunc("GET /v1/rips/{id}/logs", h.GetLogs)
	mux.HandleFunc("GET /v1/rips/{id}/events", h.StreamEvents)
	mux.HandleFunc("POST /v1/rips/{id}/cancel", h.CancelRip)
	mux.HandleFunc("GET /v1/rips/{id}/download", h.DownloadRip)
	mux.HandleFunc("GET /v1/downloads/{token}", h.DownloadByToken)
	mux.HandleFunc("GET /healthz", h.Health)
}

// CreateRip handles POST /v1/rips and responds 202 with the queued job.
func (h *Handler) CreateRip(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	j, err := h.queue.Submit(req.URL, sessionFrom(r.Context()))
	switch {
	case errors.Is(err, job.ErrCapacity):
		writeError(w, http.StatusTooManyRequests, codeTooManyJobs, "Too many active jobs, try again later")
		return
	case errors.Is(err, job.ErrConflict):
		writeError(w, http.StatusConflict, codeActiveJobExists, "You already have an active job")
		return
	case err != nil:
		slog.Error("submit job", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to create job")
		return
	}

	if snap := h.store.Snapshot(j.ID); snap != nil {
		j = snap
	}
	writeData(w, http.StatusAccepted, newJobView(j, h.now()))
}

// GetRip handles GET /v1/rips/{id}.
func (h *Handler) GetRip(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, newJobView(j, h.now()))
}

// GetLogs handles GET /v1/rips/{id}/logs?since=N.
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	since := max(parseIntParam(r.URL.Query().Get("since"), 0), 0)

	entries, next, hasMore, err := h.store.LogsSince(j.ID, since)
	if err != nil {
		writeError(w, http.StatusNotFound, codeJobNotFound, "Job not found")
		return
	}
	if entries == nil {
		entries = []job.LogEntry{}
	}
	writeData(w, http.StatusOK, map[string]any{
		"job_id":      j.ID,
		"entries":     entries,
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

// CancelRip handles POST /v1/rips/{id}/cancel.
// A queued job is cancelled and purged at once; a running job stops at its
// next checkpoint.
func (h *Handler) CancelRip(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := h.queue.Cancel(r.Context(), id, sessionFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusNotFound, codeJobNotFound, "Job not found")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"job_id": id, "status": status})
}

// DownloadRip handles GET /v1/rips/{id}/download for the owning session.
func (h *Handler) DownloadRip(w http.ResponseWriter, r *http.Request) {
	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if j.Status != job.StatusSucceeded {
		writeError(w, http.StatusConflict, codeJobNotReady, "Job not completed successfully")
		return
	}
	if !h.serveArchive(w, r, j) {
		writeError(w, http.StatusNotFound, codeDownloadNotFound, "Download not available")
	}
}

// DownloadByToken handles GET /v1/downloads/{token}. The token alone
// grants access.
func (h *Handler) DownloadByToken(w http.ResponseWriter, r *http.Request) {
	tok := r.PathValue("token")
	jobID, _, ok, err := h.tokens.Resolve(r.Context(), tok)
	if err != nil {
		slog.Error("resolve download token", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to resolve download")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, codeDownloadNotFound, "Download not found or expired")
		return
	}

	j := h.store.Snapshot(jobID)
	if j == nil || j.Status != job.StatusSucceeded {
		if err := h.tokens.Delete(r.Context(), tok); err != nil {
			slog.Warn("delete stale download token", "job_id", jobID, "error", err)
		}
		writeError(w, http.StatusNotFound, codeDownloadNotFound, "Download not found or expired")
		return
	}
	if !h.serveArchive(w, r, j) {
		writeError(w, http.StatusNotFound, codeDownloadNotFound, "Download not found or expired")
	}
}

// serveArchive streams j's archive if it is still valid. It writes nothing
// and returns false otherwise.
func (h *Handler) serveArchive(w http.ResponseWriter, r *http.Request, j *job.Job) bool {
	if !downloadable(j, h.now()) || j.DownloadSize == nil {
		return false
	}
	f, err := os.Open(j.ArtifactPath)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() != *j.DownloadSize {
		return false
	}

	name := j.ID + ".zip"
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
	return true
}

// Health handles GET /healthz and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ownedJob loads the job named in the path. Unknown jobs and jobs owned by
// another session both answer 404.
func (h *Handler) ownedJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	j := h.store.Snapshot(r.PathValue("id"))
	if j == nil || j.SessionID != sessionFrom(r.Context()) {
		writeError(w, http.StatusNotFound, codeJobNotFound, "Job not found")
		return nil, false
	}
	return j, true
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
