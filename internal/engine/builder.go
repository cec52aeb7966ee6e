package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"strmforge/internal/parser"
	"strmforge/internal/storage"
)

// CreateTaskInput carries the task creation parameters
type CreateTaskInput struct {
	UploadRecordID   uint
	MediaServerID    uint
	DownloadServerID *uint
	OutputDir        string
	WorkerCount      int
	Name             string
	CreatedBy        string
}

// CreateTask builds the task aggregate: one pending parent plus its
// sub-task expansion from the cached parse result, persisted atomically.
// The output directory is only named here; it is created on start.
func (e *Engine) CreateTask(in CreateTaskInput) (*storage.Task, error) {
	settings, err := e.storage.GetSettings()
	if err != nil {
		return nil, err
	}

	rec, err := e.storage.GetUpload(in.UploadRecordID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: upload record %d", ErrNotFound, in.UploadRecordID)
		}
		return nil, err
	}
	if rec.Status != storage.UploadParsed {
		return nil, fmt.Errorf("%w: upload record %d is %s, not parsed", ErrPreconditionFailed, rec.ID, rec.Status)
	}

	if _, err := e.storage.GetServer(in.MediaServerID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: media server %d", ErrNotFound, in.MediaServerID)
		}
		return nil, err
	}
	if in.DownloadServerID != nil {
		if _, err := e.storage.GetServer(*in.DownloadServerID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: download server %d", ErrNotFound, *in.DownloadServerID)
			}
			return nil, err
		}
	}

	result, _, err := parser.CheckAndUpdate(e.storage, &rec, settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorruption, err)
	}

	now := time.Now()
	name := in.Name
	if name == "" {
		name = "strm-task-" + now.Format("20060102-150405")
	}
	outputDir := in.OutputDir
	if outputDir == "" {
		base := settings.OutputBaseDir
		if base == "" {
			base = e.cfg.OutputDir
		}
		outputDir = filepath.Join(base,
			fmt.Sprintf("task_%s_%s", now.UTC().Format("20060102_150405"), in.CreatedBy))
	}
	workerCount := in.WorkerCount
	if workerCount < 1 {
		workerCount = settings.WorkerCount
	}
	if workerCount < 1 {
		workerCount = 1
	}

	subs := expandSubTasks(result.Entries, settings.FailureRetryCount)

	task := storage.Task{
		Name:             name,
		Status:           storage.TaskPending,
		MediaServerID:    in.MediaServerID,
		DownloadServerID: in.DownloadServerID,
		UploadRecordID:   rec.ID,
		OutputDir:        outputDir,
		TotalFiles:       len(subs),
		WorkerCount:      workerCount,
		CreatedBy:        in.CreatedBy,
	}
	if err := e.storage.CreateTaskWithSubTasks(&task, subs); err != nil {
		return nil, err
	}

	e.logger.Info("Task created", "task", task.ID, "name", name, "files", len(subs))
	return &task, nil
}

// expandSubTasks maps parse entries to sub-tasks. Directories are
// skipped; other-typed files have no handler and are dropped.
func expandSubTasks(entries []parser.Entry, maxAttempts int) []storage.SubTask {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var subs []storage.SubTask
	for _, entry := range entries {
		if entry.IsDir {
			continue
		}
		var kind string
		switch entry.FileType {
		case storage.TypeVideo:
			kind = storage.ProcessStrm
		case storage.TypeAudio, storage.TypeImage, storage.TypeSubtitle, storage.TypeMetadata:
			kind = storage.ProcessDownload
		default:
			continue
		}
		subs = append(subs, storage.SubTask{
			SourcePath:  entry.Path,
			FileType:    entry.FileType,
			ProcessKind: kind,
			Status:      storage.SubPending,
			MaxAttempts: maxAttempts,
		})
	}
	return subs
}

// StartTask transitions a pending task to running, creates its output
// directory and launches the processor asynchronously.
func (e *Engine) StartTask(id uint) error {
	task, err := e.storage.GetTask(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: task %d", ErrNotFound, id)
		}
		return err
	}
	if task.Status != storage.TaskPending {
		return fmt.Errorf("%w: task %d is %s", ErrPreconditionFailed, id, task.Status)
	}

	if err := os.MkdirAll(task.OutputDir, 0755); err != nil {
		return fmt.Errorf("%w: cannot create output dir: %v", ErrConfiguration, err)
	}

	now := time.Now()
	err = e.storage.UpdateTaskFields(id, map[string]interface{}{
		"status":     storage.TaskRunning,
		"start_time": now,
	})
	if err != nil {
		return err
	}
	if err := e.storage.TouchHeartbeat(id, now); err != nil {
		return err
	}

	go e.RunTask(id)
	return nil
}
