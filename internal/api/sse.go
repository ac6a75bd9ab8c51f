package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aG00Dtime/ThemeForest-Ripper/internal/job"
)

// StreamEvents handles GET /v1/rips/{id}/events?since=N.
// It sends one "log" event per entry and a final "status" event once the job
// is terminal or has been purged, or stops when the client disconnects.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming not supported")
		return
	}

	j, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	id := j.ID
	cursor := max(parseIntParam(r.URL.Query().Get("since"), 0), 0)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		// Logs are read after the snapshot, so everything written up to a
		// terminal transition goes out before the status event.
		snap := h.store.Snapshot(id)
		entries, next, _, err := h.store.LogsSince(id, cursor)
		if err == nil {
			for _, e := range entries {
				writeSSEEvent(w, flusher, "log", e)
			}
			cursor = next
		}

		if snap == nil || err != nil {
			writeSSEEvent(w, flusher, "status", map[string]any{"job_id": id, "status": job.StatusCancelled})
			return
		}
		if snap.Status.IsTerminal() {
			writeSSEEvent(w, flusher, "status", newJobView(snap, h.now()))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
