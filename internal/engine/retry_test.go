package engine

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"strmforge/internal/storage"
)

func TestRetryServiceStartStop(t *testing.T) {
	e, _ := newTestEngine(t)
	svc := NewRetryService(e)

	svc.Start()
	svc.Start()
	svc.Stop()
	svc.Stop()
}

func TestRetryServiceDispatchesDueRetry(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("recovered bytes"))
	}))
	defer ts.Close()

	e, store := newTestEngine(t)
	server := seedServer(t, store, "media-retry-due", ts.URL)
	outputDir := filepath.Join(t.TempDir(), "out")

	due := time.Now().Add(-time.Minute)
	task := seedRunningTask(t, store, server.ID, outputDir, []storage.SubTask{
		{SourcePath: "/subs/late.srt", FileType: storage.TypeSubtitle,
			ProcessKind: storage.ProcessDownload, Status: storage.SubRetry,
			Attempts: 1, MaxAttempts: 3, RetryAfter: &due},
	})

	stale := time.Now().Add(-time.Hour)
	if err := store.UpdateTaskFields(task.ID, map[string]interface{}{"last_heartbeat": stale}); err != nil {
		t.Fatal(err)
	}

	svc := NewRetryService(e)
	if err := svc.iterate(); err != nil {
		t.Fatalf("iterate: %v", err)
	}

	// The run is dispatched on its own goroutine; wait for it to land.
	deadline := time.Now().Add(3 * time.Second)
	for {
		subs := mustGetSubs(t, store, task.ID)
		if subs[0].Status == storage.SubCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("due retry never processed, status %q", subs[0].Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	fresh := mustGetTask(t, store, task.ID)
	if fresh.LastHeartbeat == nil || !fresh.LastHeartbeat.After(stale) {
		t.Fatal("dispatch did not refresh the heartbeat")
	}
}

func TestRetryServiceSkipsTerminalParents(t *testing.T) {
	e, store := newTestEngine(t)
	server := seedServer(t, store, "media-retry-terminal", "http://media.example")

	due := time.Now().Add(-time.Minute)
	stale := time.Now().Add(-time.Hour)
	task := storage.Task{
		Name:          "terminal",
		Status:        storage.TaskCanceled,
		MediaServerID: server.ID,
		OutputDir:     filepath.Join(t.TempDir(), "out"),
		LastHeartbeat: &stale,
	}
	err := store.CreateTaskWithSubTasks(&task, []storage.SubTask{
		{SourcePath: "/subs/x.srt", FileType: storage.TypeSubtitle,
			ProcessKind: storage.ProcessDownload, Status: storage.SubRetry,
			Attempts: 1, MaxAttempts: 3, RetryAfter: &due},
	})
	if err != nil {
		t.Fatalf("CreateTaskWithSubTasks: %v", err)
	}

	svc := NewRetryService(e)
	if err := svc.iterate(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	subs := mustGetSubs(t, store, task.ID)
	if subs[0].Status != storage.SubRetry {
		t.Fatalf("sub on terminal parent was touched: %q", subs[0].Status)
	}
	fresh := mustGetTask(t, store, task.ID)
	if fresh.LastHeartbeat != nil && fresh.LastHeartbeat.After(stale.Add(time.Second)) {
		t.Fatal("terminal parent heartbeat was refreshed")
	}
}
