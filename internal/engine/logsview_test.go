package engine

import (
	"path/filepath"
	"testing"

	"strmforge/internal/storage"
)

func TestParseTaskLog(t *testing.T) {
	content := "[2026-08-20 10:00:00] [INFO] task started\n" +
		"[2026-08-20 10:00:05] [WARNING] /a.srt failed (attempt 1/3), retrying in 60s: timeout\n" +
		"free-form line without a timestamp\n" +
		"\n"

	entries := parseTaskLog(content)
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Level != "INFO" || entries[0].Message != "task started" {
		t.Fatalf("entry 0 = %+v", entries[0])
	}
	if entries[0].Time.IsZero() {
		t.Fatal("timestamp not parsed")
	}
	if entries[1].Level != "WARNING" {
		t.Fatalf("entry 1 level = %q", entries[1].Level)
	}
	// Unparsable lines are kept verbatim at INFO
	if entries[2].Level != "INFO" || entries[2].Message != "free-form line without a timestamp" {
		t.Fatalf("entry 2 = %+v", entries[2])
	}
}

func TestGetTaskLogsMergesAndFilters(t *testing.T) {
	e, store := newTestEngine(t)
	server := seedServer(t, store, "media-logs", "http://media.example")

	task := seedRunningTask(t, store, server.ID, filepath.Join(t.TempDir(), "out"), nil)

	if err := store.AppendTaskLog(task.ID,
		"[2026-08-20 10:00:00] [INFO] task started\n[2026-08-20 10:00:10] [ERROR] something broke\n"); err != nil {
		t.Fatal(err)
	}
	if err := store.AddDownloadLog(&storage.DownloadLog{
		TaskID: task.ID, Level: "INFO", Message: "downloaded 1.00 KiB in 0.10s (10.00 KiB/s)",
		SourcePath: "/a.srt", Success: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.AddStrmLog(&storage.StrmLog{
		TaskID: task.ID, Level: "ERROR", Message: "strm generation failed",
		SourcePath: "/b.mkv", ErrorMessage: "disk full",
	}); err != nil {
		t.Fatal(err)
	}

	all, err := e.GetTaskLogs(task.ID, "", "", "", "", 0, 0)
	if err != nil {
		t.Fatalf("GetTaskLogs: %v", err)
	}
	if all.Total != 4 {
		t.Fatalf("total = %d, want 4", all.Total)
	}
	if all.RawContent == "" {
		t.Fatal("raw content missing when task stream included")
	}

	errorsOnly, err := e.GetTaskLogs(task.ID, "", "ERROR", "", "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if errorsOnly.Total != 2 {
		t.Fatalf("error entries = %d, want 2", errorsOnly.Total)
	}

	downloads, err := e.GetTaskLogs(task.ID, "", "", "", StreamDownload, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if downloads.Total != 1 || downloads.Entries[0].Stream != StreamDownload {
		t.Fatalf("download stream = %+v", downloads)
	}
	if downloads.RawContent != "" {
		t.Fatal("raw content leaked into a non-task stream view")
	}

	search, err := e.GetTaskLogs(task.ID, "", "", "disk full", "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if search.Total != 1 || search.Entries[0].Stream != StreamStrm {
		t.Fatalf("search result = %+v", search)
	}
}

func TestGetTaskLogsPaging(t *testing.T) {
	e, store := newTestEngine(t)
	server := seedServer(t, store, "media-logs-page", "http://media.example")

	task := seedRunningTask(t, store, server.ID, filepath.Join(t.TempDir(), "out"), nil)
	if err := store.AppendTaskLog(task.ID,
		"[2026-08-20 10:00:00] [INFO] one\n"+
			"[2026-08-20 10:00:01] [INFO] two\n"+
			"[2026-08-20 10:00:02] [INFO] three\n"); err != nil {
		t.Fatal(err)
	}

	page, err := e.GetTaskLogs(task.ID, "", "", "", StreamTask, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || len(page.Entries) != 1 || page.Entries[0].Message != "two" {
		t.Fatalf("page = %+v", page)
	}
}
