package engine

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gorm.io/gorm"

	"strmforge/internal/storage"
)

// loadOwnedTask fetches a task and enforces ownership when a caller is
// named. An empty caller skips the check (internal use).
func (e *Engine) loadOwnedTask(id uint, caller string) (storage.Task, error) {
	task, err := e.storage.GetTask(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return task, fmt.Errorf("%w: task %d", ErrNotFound, id)
		}
		return task, err
	}
	if caller != "" && task.CreatedBy != "" && task.CreatedBy != caller {
		return task, fmt.Errorf("%w: task %d belongs to %s", ErrPermissionDenied, id, task.CreatedBy)
	}
	return task, nil
}

// CancelTask stops a pending or running task. In-flight sub-tasks move to
// canceled; the processor notices the parent status at its next check.
func (e *Engine) CancelTask(id uint, caller string) error {
	task, err := e.loadOwnedTask(id, caller)
	if err != nil {
		return err
	}
	if task.Status != storage.TaskPending && task.Status != storage.TaskRunning {
		return fmt.Errorf("%w: cannot cancel task in %s", ErrPreconditionFailed, task.Status)
	}

	now := time.Now()
	fields := map[string]interface{}{
		"status":   storage.TaskCanceled,
		"end_time": now,
	}
	if task.StartTime != nil {
		fields["download_duration"] = now.Sub(*task.StartTime).Seconds()
	}
	if err := e.storage.UpdateTaskFields(id, fields); err != nil {
		return err
	}

	line := fmt.Sprintf("[%s] [INFO] user canceled\n", now.Format(taskLogTime))
	if err := e.storage.AppendTaskLog(id, line); err != nil {
		return err
	}

	err = e.storage.BulkUpdateSubTaskStatus(id,
		[]string{storage.SubPending, storage.SubDownloading, storage.SubRetry},
		storage.SubCanceled, "task canceled by user")
	if err != nil {
		return err
	}

	e.logger.Info("Task canceled", "task", id)
	return nil
}

// ContinueTask resumes a canceled task. Surviving artifacts are kept or
// promoted when their integrity holds; everything else returns to pending
// and the processor is re-run on that remainder.
func (e *Engine) ContinueTask(id uint, caller string) error {
	task, err := e.loadOwnedTask(id, caller)
	if err != nil {
		return err
	}
	if task.Status != storage.TaskCanceled {
		return fmt.Errorf("%w: cannot continue task in %s", ErrPreconditionFailed, task.Status)
	}

	subs, err := e.storage.GetSubTasks(id)
	if err != nil {
		return err
	}

	kept, promoted, requeued := 0, 0, 0
	for i := range subs {
		sub := &subs[i]
		var changed bool

		switch sub.Status {
		case storage.SubCompleted:
			if targetIntact(sub) {
				kept++
				continue
			}
			sub.Status = storage.SubPending
			sub.ErrorMessage = ""
			sub.TargetPath = ""
			changed = true
			requeued++
		case storage.SubCanceled:
			if targetIntact(sub) {
				sub.Status = storage.SubCompleted
				sub.ErrorMessage = ""
				promoted++
			} else {
				sub.Status = storage.SubPending
				sub.ErrorMessage = ""
				sub.TargetPath = ""
				requeued++
			}
			changed = true
		case storage.SubFailed, storage.SubRetry:
			sub.Status = storage.SubPending
			sub.Attempts = 0
			sub.ErrorMessage = ""
			sub.RetryAfter = nil
			changed = true
			requeued++
		}

		if changed {
			if err := e.storage.SaveSubTask(sub); err != nil {
				return err
			}
		}
	}

	now := time.Now()
	err = e.storage.UpdateTaskFields(id, map[string]interface{}{
		"status":     storage.TaskRunning,
		"start_time": now,
		"end_time":   nil,
	})
	if err != nil {
		return err
	}
	if err := e.storage.TouchHeartbeat(id, now); err != nil {
		return err
	}

	line := fmt.Sprintf("[%s] [INFO] task continued: %d kept, %d promoted, %d requeued\n",
		now.Format(taskLogTime), kept, promoted, requeued)
	if err := e.storage.AppendTaskLog(id, line); err != nil {
		return err
	}

	if err := os.MkdirAll(task.OutputDir, 0755); err != nil {
		return fmt.Errorf("%w: cannot create output dir: %v", ErrConfiguration, err)
	}

	e.logger.Info("Task continued", "task", id, "kept", kept, "promoted", promoted, "requeued", requeued)
	go e.RunTask(id)
	return nil
}

// targetIntact checks a sub-task's artifact on disk. Resources must match
// the recorded byte size; STRM stubs must exist and be non-empty.
func targetIntact(sub *storage.SubTask) bool {
	if sub.TargetPath == "" {
		return false
	}
	info, err := os.Stat(sub.TargetPath)
	if err != nil || info.IsDir() {
		return false
	}
	if sub.ProcessKind == storage.ProcessDownload && sub.FileSize > 0 {
		return info.Size() == sub.FileSize
	}
	return info.Size() > 0
}

// DeleteTask removes the task, its sub-tasks, both log streams and the
// output subtree.
func (e *Engine) DeleteTask(id uint, caller string) error {
	task, err := e.loadOwnedTask(id, caller)
	if err != nil {
		return err
	}
	if task.Status == storage.TaskRunning {
		return fmt.Errorf("%w: cancel the task before deleting it", ErrPreconditionFailed)
	}

	if task.OutputDir != "" {
		if err := os.RemoveAll(task.OutputDir); err != nil {
			e.logger.Warn("Failed to remove output dir", "task", id, "dir", task.OutputDir, "error", err)
		}
	}

	if err := e.storage.DeleteTaskCascade(id); err != nil {
		return err
	}
	e.logger.Info("Task deleted", "task", id)
	return nil
}
