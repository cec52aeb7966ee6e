package engine

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"strmforge/internal/storage"
)

func TestListDirectory(t *testing.T) {
	e, store := newTestEngine(t)
	server := seedServer(t, store, "media-listdir", "http://media.example")

	task := seedRunningTask(t, store, server.ID, filepath.Join(t.TempDir(), "out"), []storage.SubTask{
		{SourcePath: "/movies/a.mkv", FileType: storage.TypeVideo,
			ProcessKind: storage.ProcessStrm, Status: storage.SubPending, MaxAttempts: 3},
		{SourcePath: "/movies/series/e1.mkv", FileType: storage.TypeVideo,
			ProcessKind: storage.ProcessStrm, Status: storage.SubPending, MaxAttempts: 3},
		{SourcePath: "/music/song.mp3", FileType: storage.TypeAudio,
			ProcessKind: storage.ProcessDownload, Status: storage.SubPending, MaxAttempts: 3},
		{SourcePath: "/readme.nfo", FileType: storage.TypeMetadata,
			ProcessKind: storage.ProcessDownload, Status: storage.SubPending, MaxAttempts: 3},
	})

	root, err := e.ListDirectory(task.ID, "", "/")
	if err != nil {
		t.Fatalf("ListDirectory(/): %v", err)
	}
	if !reflect.DeepEqual(root.Directories, []string{"movies", "music"}) {
		t.Fatalf("root dirs = %v", root.Directories)
	}
	if len(root.Files) != 1 || root.Files[0].SourcePath != "/readme.nfo" {
		t.Fatalf("root files = %+v", root.Files)
	}

	movies, err := e.ListDirectory(task.ID, "", "/movies")
	if err != nil {
		t.Fatalf("ListDirectory(/movies): %v", err)
	}
	if !reflect.DeepEqual(movies.Directories, []string{"series"}) {
		t.Fatalf("movies dirs = %v", movies.Directories)
	}
	if len(movies.Files) != 1 || movies.Files[0].SourcePath != "/movies/a.mkv" {
		t.Fatalf("movies files = %+v", movies.Files)
	}
}

func TestPreviewStrm(t *testing.T) {
	e, store := newTestEngine(t)
	server := seedServer(t, store, "media-preview-strm", "http://media.example")
	outputDir := t.TempDir()

	target := filepath.Join(outputDir, "a.strm")
	url := "http://media.example/movies/%E7%94%B5%E5%BD%B1/a.mkv"
	if err := os.WriteFile(target, []byte(url), 0644); err != nil {
		t.Fatal(err)
	}

	task := seedRunningTask(t, store, server.ID, outputDir, []storage.SubTask{
		{SourcePath: "/movies/a.mkv", FileType: storage.TypeVideo,
			ProcessKind: storage.ProcessStrm, Status: storage.SubCompleted,
			TargetPath: target, MaxAttempts: 3},
	})

	p, err := e.PreviewFile(task.ID, "", "/movies/a.mkv")
	if err != nil {
		t.Fatalf("PreviewFile: %v", err)
	}
	if p.Kind != "strm" {
		t.Fatalf("kind = %q, want strm", p.Kind)
	}
	if p.Content != url {
		t.Fatalf("content = %q", p.Content)
	}
	if p.DecodedURL != "http://media.example/movies/电影/a.mkv" {
		t.Fatalf("decoded = %q", p.DecodedURL)
	}
}

func TestPreviewTextTruncation(t *testing.T) {
	e, store := newTestEngine(t)
	server := seedServer(t, store, "media-preview-text", "http://media.example")
	outputDir := t.TempDir()

	target := filepath.Join(outputDir, "big.srt")
	if err := os.WriteFile(target, []byte(strings.Repeat("a", 12000)), 0644); err != nil {
		t.Fatal(err)
	}

	task := seedRunningTask(t, store, server.ID, outputDir, []storage.SubTask{
		{SourcePath: "/big.srt", FileType: storage.TypeSubtitle,
			ProcessKind: storage.ProcessDownload, Status: storage.SubCompleted,
			TargetPath: target, MaxAttempts: 3},
	})

	p, err := e.PreviewFile(task.ID, "", "/big.srt")
	if err != nil {
		t.Fatalf("PreviewFile: %v", err)
	}
	if p.Kind != "text" {
		t.Fatalf("kind = %q, want text", p.Kind)
	}
	if len([]rune(p.Content)) != previewMaxChars {
		t.Fatalf("content runes = %d, want %d", len([]rune(p.Content)), previewMaxChars)
	}
	if !p.Truncated {
		t.Fatal("truncation flag not set")
	}
}

func TestPreviewImageAndMissing(t *testing.T) {
	e, store := newTestEngine(t)
	server := seedServer(t, store, "media-preview-img", "http://media.example")
	outputDir := t.TempDir()

	img := filepath.Join(outputDir, "poster.jpg")
	if err := os.WriteFile(img, []byte{0xff, 0xd8, 0xff}, 0644); err != nil {
		t.Fatal(err)
	}

	task := seedRunningTask(t, store, server.ID, outputDir, []storage.SubTask{
		{SourcePath: "/poster.jpg", FileType: storage.TypeImage,
			ProcessKind: storage.ProcessDownload, Status: storage.SubCompleted,
			TargetPath: img, MaxAttempts: 3},
		{SourcePath: "/pending.jpg", FileType: storage.TypeImage,
			ProcessKind: storage.ProcessDownload, Status: storage.SubPending, MaxAttempts: 3},
	})

	p, err := e.PreviewFile(task.ID, "", "/poster.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != "image" || p.Size != 3 || p.Content != "" {
		t.Fatalf("image preview = %+v", p)
	}

	// No artifact yet: metadata only
	p, err = e.PreviewFile(task.ID, "", "/pending.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != "other" || p.TargetPath != "" {
		t.Fatalf("pending preview = %+v", p)
	}

	if _, err := e.PreviewFile(task.ID, "", "/nope.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown path = %v, want not found", err)
	}
}
