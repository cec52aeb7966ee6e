package engine

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"strmforge/internal/config"
	"strmforge/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Storage) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewStorage(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.OutputDir = filepath.Join(dir, "output")
	cfg.LogsDir = filepath.Join(dir, "logs")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(log, store, cfg), store
}

func seedServer(t *testing.T, store *storage.Storage, name, baseURL string) storage.MediaServer {
	t.Helper()
	server := storage.MediaServer{
		Name:    name,
		Kind:    storage.ServerHTTP,
		BaseURL: baseURL,
	}
	if err := store.SaveServer(&server); err != nil {
		t.Fatalf("SaveServer: %v", err)
	}
	return server
}

// seedRunningTask creates a running task with its sub-tasks, the shape a
// just-started task has when the processor picks it up.
func seedRunningTask(t *testing.T, store *storage.Storage, serverID uint, outputDir string, subs []storage.SubTask) storage.Task {
	t.Helper()
	now := time.Now()
	task := storage.Task{
		Name:          "test-task",
		Status:        storage.TaskRunning,
		MediaServerID: serverID,
		OutputDir:     outputDir,
		TotalFiles:    len(subs),
		WorkerCount:   2,
		StartTime:     &now,
		LastHeartbeat: &now,
	}
	if err := store.CreateTaskWithSubTasks(&task, subs); err != nil {
		t.Fatalf("CreateTaskWithSubTasks: %v", err)
	}
	return task
}

func mustGetTask(t *testing.T, store *storage.Storage, id uint) storage.Task {
	t.Helper()
	task, err := store.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask(%d): %v", id, err)
	}
	return task
}

func mustGetSubs(t *testing.T, store *storage.Storage, taskID uint) []storage.SubTask {
	t.Helper()
	subs, err := store.GetSubTasks(taskID)
	if err != nil {
		t.Fatalf("GetSubTasks(%d): %v", taskID, err)
	}
	return subs
}

func updateSettings(t *testing.T, store *storage.Storage, mutate func(*storage.Settings)) {
	t.Helper()
	settings, err := store.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	mutate(&settings)
	if err := store.SaveSettings(&settings); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
}
