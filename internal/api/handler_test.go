package api

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/aG00Dtime/ThemeForest-Ripper/internal/job"
	"github.com/aG00Dtime/ThemeForest-Ripper/internal/queue"
	"github.com/aG00Dtime/ThemeForest-Ripper/internal/token"
)

const themeURL = "https://themeforest.net/item/demo/123"

// idleRunner is never started; jobs stay queued until a test moves them.
type idleRunner struct{ root string }

func (r idleRunner) Run(context.Context, string) error { return nil }

func (r idleRunner) StorageDir(id string) string { return filepath.Join(r.root, id) }

type testEnv struct {
	srv     *httptest.Server
	store   *job.Store
	tokens  *token.Registry
	handler *Handler
	root    string
}

// newTestServer builds an httptest.Server with a real store, token registry,
// queue and Handler behind the production middleware chain.
func newTestServer(t *testing.T, queueLimit int) *testEnv {
	t.Helper()

	reg, err := token.Open(":memory:")
	if err != nil {
		t.Fatalf("token.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	store := job.NewStore(1000, time.Hour, reg)
	root := t.TempDir()
	q := queue.New(queue.Config{MaxWorkers: 1, QueueLimit: queueLimit}, store, idleRunner{root: root})
	h := NewHandler(store, q, reg)
	h.pollInterval = 10 * time.Millisecond

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(Chain(mux, RequestID, Logging, Session(false)))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store, tokens: reg, handler: h, root: root}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &http.Client{Jar: jar}
}

func doRequest(t *testing.T, c *http.Client, method, url string, body []byte) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := decode(t, resp)
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("response has no error object: %v", body)
	}
	code, _ := e["code"].(string)
	return code
}

func createRip(t *testing.T, env *testEnv, c *http.Client) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"theme_url": themeURL})
	resp := doRequest(t, c, http.MethodPost, env.srv.URL+"/v1/rips", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: status = %d, want 202", resp.StatusCode)
	}
	data := decode(t, resp)["data"].(map[string]any)
	return data["job_id"].(string)
}

// succeed drives a queued job to succeeded with a valid archive on disk.
func succeed(t *testing.T, env *testEnv, id string) string {
	t.Helper()
	dir := filepath.Join(env.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := make([]byte, job.MinArchiveSize+10)
	if _, err := rand.Read(content); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, id+".zip")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := env.store.MarkRunning(id); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := env.store.MarkSucceeded(context.Background(), id, path); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	return path
}

func TestCreateRip_Returns202WithJobView(t *testing.T) {
	env := newTestServer(t, 4)
	c := newClient(t)

	body, _ := json.Marshal(map[string]string{"theme_url": themeURL})
	resp := doRequest(t, c, http.MethodPost, env.srv.URL+"/v1/rips", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var cookie bool
	for _, ck := range resp.Cookies() {
		if ck.Name == SessionCookie {
			cookie = true
		}
	}
	if !cookie {
		t.Error("response did not set the session cookie")
	}

	data := decode(t, resp)["data"].(map[string]any)
	if data["job_id"] == "" {
		t.Error("response body missing job_id")
	}
	if data["status"] != "queued" {
		t.Errorf("status = %v, want queued", data["status"])
	}
	if data["theme_url"] != themeURL {
		t.Errorf("theme_url = %v", data["theme_url"])
	}
	tail := data["log_tail"].(map[string]any)
	if entries, ok := tail["entries"].([]any); !ok || len(entries) != 0 {
		t.Errorf("log_tail.entries = %v, want []", tail["entries"])
	}
	if _, ok := data["download_url"]; ok {
		t.Error("queued job exposes a download_url")
	}
}

func TestCreateRip_InvalidRequest(t *testing.T) {
	env := newTestServer(t, 4)
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"empty url", `{"theme_url":""}`},
		{"http scheme", `{"theme_url":"http://themeforest.net/item/x"}`},
		{"foreign host", `{"theme_url":"https://example.com/item/x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, newClient(t), http.MethodPost, env.srv.URL+"/v1/rips", []byte(tt.body))
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if code := errorCode(t, resp); code != codeInvalidRequest {
				t.Errorf("code = %q, want %q", code, codeInvalidRequest)
			}
		})
	}
}

func TestCreateRip_Admission(t *testing.T) {
	env := newTestServer(t, 2)
	alice := newClient(t)
	createRip(t, env, alice)

	body, _ := json.Marshal(map[string]string{"theme_url": themeURL})
	resp := doRequest(t, alice, http.MethodPost, env.srv.URL+"/v1/rips", body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("same session: status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != codeActiveJobExists {
		t.Errorf("code = %q, want %q", code, codeActiveJobExists)
	}

	createRip(t, env, newClient(t))

	resp = doRequest(t, newClient(t), http.MethodPost, env.srv.URL+"/v1/rips", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over capacity: status = %d, want 429", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != codeTooManyJobs {
		t.Errorf("code = %q, want %q", code, codeTooManyJobs)
	}
}

func TestGetRip_SessionScoped(t *testing.T) {
	env := newTestServer(t, 4)
	owner := newClient(t)
	id := createRip(t, env, owner)

	resp := doRequest(t, owner, http.MethodGet, env.srv.URL+"/v1/rips/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner: status = %d, want 200", resp.StatusCode)
	}

	resp = doRequest(t, newClient(t), http.MethodGet, env.srv.URL+"/v1/rips/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stranger: status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != codeJobNotFound {
		t.Errorf("code = %q, want %q", code, codeJobNotFound)
	}

	resp = doRequest(t, owner, http.MethodGet, env.srv.URL+"/v1/rips/does-not-exist", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", resp.StatusCode)
	}
}

func TestGetRip_LogTailIsCapped(t *testing.T) {
	env := newTestServer(t, 4)
	c := newClient(t)
	id := createRip(t, env, c)
	for i := range 120 {
		if _, err := env.store.AppendLog(id, job.LevelInfo, "line "+string(rune('a'+i%26))); err != nil {
			t.Fatal(err)
		}
	}

	resp := doRequest(t, c, http.MethodGet, env.srv.URL+"/v1/rips/"+id, nil)
	data := decode(t, resp)["data"].(map[string]any)
	tail := data["log_tail"].(map[string]any)
	entries := tail["entries"].([]any)
	if len(entries) != logTailSize {
		t.Fatalf("tail has %d entries, want %d", len(entries), logTailSize)
	}
	first := entries[0].(map[string]any)
	if first["cursor"].(float64) != 70 {
		t.Errorf("first tail cursor = %v, want 70", first["cursor"])
	}
	if tail["next_cursor"].(float64) != 120 {
		t.Errorf("next_cursor = %v, want 120", tail["next_cursor"])
	}
}

func TestGetLogs(t *testing.T) {
	env := newTestServer(t, 4)
	c := newClient(t)
	id := createRip(t, env, c)
	for _, msg := range []string{"one", "two", "three"} {
		if _, err := env.store.AppendLog(id, job.LevelInfo, msg); err != nil {
			t.Fatal(err)
		}
	}

	resp := doRequest(t, c, http.MethodGet, env.srv.URL+"/v1/rips/"+id+"/logs?since=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data := decode(t, resp)["data"].(map[string]any)
	entries := data["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].(map[string]any)["message"] != "two" {
		t.Errorf("first entry = %v, want two", entries[0])
	}
	if data["next_cursor"].(float64) != 3 {
		t.Errorf("next_cursor = %v, want 3", data["next_cursor"])
	}
	if data["has_more"] != false {
		t.Errorf("has_more = %v, want false", data["has_more"])
	}

	resp = doRequest(t, newClient(t), http.MethodGet, env.srv.URL+"/v1/rips/"+id+"/logs", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stranger: status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelRip_QueuedJobVanishes(t *testing.T) {
	env := newTestServer(t, 4)
	c := newClient(t)
	id := createRip(t, env, c)

	resp := doRequest(t, newClient(t), http.MethodPost, env.srv.URL+"/v1/rips/"+id+"/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stranger cancel: status = %d, want 404", resp.StatusCode)
	}

	resp = doRequest(t, c, http.MethodPost, env.srv.URL+"/v1/rips/"+id+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: status = %d, want 200", resp.StatusCode)
	}
	data := decode(t, resp)["data"].(map[string]any)
	if data["status"] != "cancelled" {
		t.Errorf("status = %v, want cancelled", data["status"])
	}

	resp = doRequest(t, c, http.MethodGet, env.srv.URL+"/v1/rips/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("after cancel: status = %d, want 404", resp.StatusCode)
	}

	// The session is free to submit again.
	createRip(t, env, c)
}

func TestDownloadRip_NotReady(t *testing.T) {
	env := newTestServer(t, 4)
	c := newClient(t)
	id := createRip(t, env, c)

	resp := doRequest(t, c, http.MethodGet, env.srv.URL+"/v1/rips/"+id+"/download", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != codeJobNotReady {
		t.Errorf("code = %q, want %q", code, codeJobNotReady)
	}
}

func TestDownload_Succeeded(t *testing.T) {
	env := newTestServer(t, 4)
	c := newClient(t)
	id := createRip(t, env, c)
	path := succeed(t, env, id)
	want, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	resp := doRequest(t, c, http.MethodGet, env.srv.URL+"/v1/rips/"+id, nil)
	data := decode(t, resp)["data"].(map[string]any)
	downloadURL, _ := data["download_url"].(string)
	if !strings.HasPrefix(downloadURL, "/v1/downloads/") {
		t.Fatalf("download_url = %q", downloadURL)
	}

	resp = doRequest(t, c, http.MethodGet, env.srv.URL+"/v1/rips/"+id+"/download", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("by id: status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type = %q", ct)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, want) {
		t.Errorf("by id: body differs from archive (%d vs %d bytes)", len(got), len(want))
	}

	// Anonymous client: the token is the capability.
	resp = doRequest(t, newClient(t), http.MethodGet, env.srv.URL+downloadURL, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("by token: status = %d, want 200", resp.StatusCode)
	}
	got, _ = io.ReadAll(resp.Body)
	if !bytes.Equal(got, want) {
		t.Error("by token: body differs from archive")
	}
}

func TestDownload_ModifiedArchiveRefused(t *testing.T) {
	env := newTestServer(t, 4)
	c := newClient(t)
	id := createRip(t, env, c)
	path := succeed(t, env, id)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("tampered")) //nolint:errcheck
	f.Close()

	resp := doRequest(t, c, http.MethodGet, env.srv.URL+"/v1/rips/"+id+"/download", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != codeDownloadNotFound {
		t.Errorf("code = %q, want %q", code, codeDownloadNotFound)
	}
}

func TestDownload_ExpiredRefused(t *testing.T) {
	env := newTestServer(t, 4)
	c := newClient(t)
	id := createRip(t, env, c)
	succeed(t, env, id)
	env.handler.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	resp := doRequest(t, c, http.MethodGet, env.srv.URL+"/v1/rips/"+id+"/download", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp = doRequest(t, c, http.MethodGet, env.srv.URL+"/v1/rips/"+id, nil)
	data := decode(t, resp)["data"].(map[string]any)
	if _, ok := data["download_url"]; ok {
		t.Error("expired job still exposes a download_url")
	}
}

func TestDownloadByToken_FailedJobTokenIsDeleted(t *testing.T) {
	env := newTestServer(t, 4)
	c := newClient(t)
	id := createRip(t, env, c)
	if err := env.store.MarkRunning(id); err != nil {
		t.Fatal(err)
	}
	if err := env.store.MarkFailed(context.Background(), id, "boom"); err != nil {
		t.Fatal(err)
	}
	tok := env.store.Snapshot(id).DownloadToken
	if tok == "" {
		t.Fatal("failed job has no token")
	}

	resp := doRequest(t, newClient(t), http.MethodGet, env.srv.URL+"/v1/downloads/"+tok, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if _, _, ok, err := env.tokens.Resolve(context.Background(), tok); err != nil || ok {
		t.Errorf("token still resolves: ok=%v err=%v", ok, err)
	}
}

func TestDownloadByToken_Unknown(t *testing.T) {
	env := newTestServer(t, 4)
	resp := doRequest(t, newClient(t), http.MethodGet, env.srv.URL+"/v1/downloads/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != codeDownloadNotFound {
		t.Errorf("code = %q, want %q", code, codeDownloadNotFound)
	}
}

func TestStreamEvents(t *testing.T) {
	env := newTestServer(t, 4)
	c := newClient(t)
	id := createRip(t, env, c)
	for _, msg := range []string{"first", "second"} {
		if _, err := env.store.AppendLog(id, job.LevelInfo, msg); err != nil {
			t.Fatal(err)
		}
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		env.store.AppendLog(id, job.LevelInfo, "third") //nolint:errcheck
		env.store.MarkRunning(id)                       //nolint:errcheck
		env.store.MarkFailed(context.Background(), id, "boom") //nolint:errcheck
	}()

	resp := doRequest(t, c, http.MethodGet, env.srv.URL+"/v1/rips/"+id+"/events?since=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var events, messages []string
	scanner := bufio.NewScanner(resp.Body)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
			events = append(events, event)
		case strings.HasPrefix(line, "data: ") && event == "log":
			var e job.LogEntry
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
				t.Fatalf("decode log event: %v", err)
			}
			messages = append(messages, e.Message)
		}
	}

	if len(events) == 0 || events[len(events)-1] != "status" {
		t.Fatalf("events = %v, want trailing status", events)
	}
	// The failure entry is written with the status change and must precede
	// the status event.
	want := []string{"second", "third", "boom"}
	if !slices.Equal(messages, want) {
		t.Errorf("log messages = %v, want %v", messages, want)
	}
}

func TestStreamEvents_CancelledJobEndsStream(t *testing.T) {
	env := newTestServer(t, 4)
	c := newClient(t)
	id := createRip(t, env, c)

	go func() {
		time.Sleep(100 * time.Millisecond)
		env.store.RequestCancel(id)
		env.store.Remove(context.Background(), id)
	}()

	resp := doRequest(t, c, http.MethodGet, env.srv.URL+"/v1/rips/"+id+"/events", nil)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "event: status") || !strings.Contains(string(body), `"status":"cancelled"`) {
		t.Errorf("stream = %q, want a cancelled status event", body)
	}
}

func TestHealth(t *testing.T) {
	env := newTestServer(t, 4)
	resp := doRequest(t, newClient(t), http.MethodGet, env.srv.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if decode(t, resp)["status"] != "ok" {
		t.Error("health status is not ok")
	}
}
