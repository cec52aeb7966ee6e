package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"strmforge/internal/config"
	"strmforge/internal/engine"
	"strmforge/internal/logger"
	"strmforge/internal/storage"
)

const sampleTree = "|root\n" +
	"||movies\n" +
	"|||Avatar.mkv\n" +
	"|||Avatar.srt\n"

func newTestServer(t *testing.T) (*httptest.Server, *storage.Storage) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewStorage(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log, logMgr, err := logger.New(io.Discard, filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() { logMgr.Close() })

	cfg := config.Default()
	cfg.OutputDir = filepath.Join(dir, "output")
	cfg.LogsDir = filepath.Join(dir, "logs")

	eng := engine.New(log, store, cfg)
	ts := httptest.NewServer(NewServer(eng, logMgr, log, cfg).Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, method, url, user string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set("X-User", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestUploadLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	// Ingest
	req, _ := http.NewRequest(http.MethodPost,
		ts.URL+"/api/v1/uploads?filename=tree.txt", bytes.NewReader([]byte(sampleTree)))
	req.Header.Set("X-User", "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", resp.StatusCode, body)
	}
	var rec storage.UploadRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatal(err)
	}

	// Parse
	resp, body = doJSON(t, http.MethodPost,
		ts.URL+"/api/v1/uploads/1/parse", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("parse status = %d: %s", resp.StatusCode, body)
	}

	// Filtered result
	resp, body = doJSON(t, http.MethodGet,
		ts.URL+"/api/v1/uploads/1/result?file_type=video", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result status = %d: %s", resp.StatusCode, body)
	}
	var result struct {
		Total   int `json:"total"`
		Entries []struct {
			Path     string `json:"path"`
			FileType string `json:"file_type"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	if result.Total != 1 || result.Entries[0].Path != "/movies/Avatar.mkv" {
		t.Fatalf("filtered result = %+v", result)
	}

	// Another user is locked out
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/uploads/1/result", "bob", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign result status = %d, want 403", resp.StatusCode)
	}

	// Original blob comes back verbatim
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/uploads/1/download", "alice", nil)
	if resp.StatusCode != http.StatusOK || string(body) != sampleTree {
		t.Fatalf("download = %d %q", resp.StatusCode, body)
	}

	// Delete
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/uploads/1", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/uploads/1/download", "alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted upload status = %d, want 404", resp.StatusCode)
	}
}

func seedTaskViaAPI(t *testing.T, ts *httptest.Server, user string) uint {
	t.Helper()

	req, _ := http.NewRequest(http.MethodPost,
		ts.URL+"/api/v1/uploads?filename=tree.txt", bytes.NewReader([]byte(sampleTree)))
	req.Header.Set("X-User", user)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	if resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/uploads/1/parse", user, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("parse status = %d: %s", resp.StatusCode, body)
	}

	resp2, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/servers", user, map[string]string{
		"name": "media", "kind": "http", "base_url": "http://media.example",
	})
	if resp2.StatusCode != http.StatusCreated {
		t.Fatalf("server create status = %d: %s", resp2.StatusCode, body)
	}

	autoStart := false
	resp3, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks", user, map[string]interface{}{
		"upload_record_id": 1,
		"media_server_id":  1,
		"auto_start":       autoStart,
	})
	if resp3.StatusCode != http.StatusCreated {
		t.Fatalf("task create status = %d: %s", resp3.StatusCode, body)
	}
	var task storage.Task
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatal(err)
	}
	return task.ID
}

func TestTaskEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	id := seedTaskViaAPI(t, ts, "alice")

	// Aggregated status view
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/tasks/1", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d: %s", resp.StatusCode, body)
	}
	var status struct {
		Task         storage.Task   `json:"task"`
		StatusCounts map[string]int `json:"status_counts"`
		Progress     int            `json:"progress"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatal(err)
	}
	if status.Task.ID != id || status.Task.Status != storage.TaskPending {
		t.Fatalf("task view = %+v", status.Task)
	}
	if status.StatusCounts[storage.SubPending] != 2 {
		t.Fatalf("pending count = %d, want 2", status.StatusCounts[storage.SubPending])
	}

	// Listing and files page
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/tasks?status=pending", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var listing struct {
		Tasks []storage.Task `json:"tasks"`
		Total int64          `json:"total"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatal(err)
	}
	if listing.Total != 1 {
		t.Fatalf("task total = %d, want 1", listing.Total)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/tasks/1/files?file_type=video", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("files status = %d", resp.StatusCode)
	}
	var files struct {
		Files []storage.SubTask `json:"files"`
		Total int64             `json:"total"`
	}
	if err := json.Unmarshal(body, &files); err != nil {
		t.Fatal(err)
	}
	if files.Total != 1 || files.Files[0].ProcessKind != storage.ProcessStrm {
		t.Fatalf("files page = %+v", files)
	}

	// Directory reconstruction
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/tasks/1/directory?path=/", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("directory status = %d", resp.StatusCode)
	}
	var dir struct {
		Directories []string `json:"directories"`
	}
	if err := json.Unmarshal(body, &dir); err != nil {
		t.Fatal(err)
	}
	if len(dir.Directories) != 1 || dir.Directories[0] != "movies" {
		t.Fatalf("directories = %v", dir.Directories)
	}

	// Ownership on mutations
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/1/cancel", "bob", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign cancel status = %d, want 403", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/1/cancel", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	// Cancel is not idempotent: the second call hits a precondition
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/1/cancel", "alice", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/tasks/999", "alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task status = %d, want 404", resp.StatusCode)
	}
}

func TestSettingsEndpoint(t *testing.T) {
	ts, store := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/settings", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get settings = %d", resp.StatusCode)
	}
	var current storage.Settings
	if err := json.Unmarshal(body, &current); err != nil {
		t.Fatal(err)
	}

	// Overlapping lists are rejected with per-field diagnostics
	bad := current
	bad.VideoExts = "mkv,mp4"
	bad.AudioExts = "mp3,mkv"
	resp, body = doJSON(t, http.MethodPut, ts.URL+"/api/v1/settings", "", bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad settings status = %d: %s", resp.StatusCode, body)
	}
	var failure struct {
		Fields map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(body, &failure); err != nil {
		t.Fatal(err)
	}
	if failure.Fields["video_exts"] == "" {
		t.Fatalf("missing field diagnostics: %+v", failure.Fields)
	}

	// A type-list change bumps the version
	good := current
	good.MetadataExts = current.MetadataExts + ",txt"
	resp, body = doJSON(t, http.MethodPut, ts.URL+"/api/v1/settings", "", good)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good settings status = %d: %s", resp.StatusCode, body)
	}
	var applied storage.Settings
	if err := json.Unmarshal(body, &applied); err != nil {
		t.Fatal(err)
	}
	if applied.Version != current.Version+1 {
		t.Fatalf("version = %d, want %d", applied.Version, current.Version+1)
	}

	persisted, err := store.GetSettings()
	if err != nil {
		t.Fatal(err)
	}
	if persisted.Version != applied.Version {
		t.Fatalf("persisted version = %d", persisted.Version)
	}
}

func TestServerEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/servers", "alice", map[string]string{
		"name": "media", "kind": "local", "base_url": t.TempDir(),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/servers/1/test", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("test status = %d", resp.StatusCode)
	}
	var probe map[string]string
	if err := json.Unmarshal(body, &probe); err != nil {
		t.Fatal(err)
	}
	if probe["reachability"] != "success" {
		t.Fatalf("reachability = %q", probe["reachability"])
	}

	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/api/v1/servers/1", "", map[string]string{"name": "renamed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/servers/1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var server storage.MediaServer
	if err := json.Unmarshal(body, &server); err != nil {
		t.Fatal(err)
	}
	if server.Name != "renamed" {
		t.Fatalf("name = %q", server.Name)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/servers/1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func TestSystemStatusAndRecovery(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/system/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("system status = %d", resp.StatusCode)
	}
	var status struct {
		Goroutines int `json:"goroutines"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatal(err)
	}
	if status.Goroutines < 1 {
		t.Fatalf("goroutines = %d", status.Goroutines)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/recovery/run", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recovery run = %d: %s", resp.StatusCode, body)
	}
	var recovered struct {
		Recovered int `json:"recovered"`
	}
	if err := json.Unmarshal(body, &recovered); err != nil {
		t.Fatal(err)
	}
	if recovered.Recovered != 0 {
		t.Fatalf("recovered = %d, want 0 on an empty store", recovered.Recovered)
	}
}
