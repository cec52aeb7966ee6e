package engine

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"strmforge/internal/storage"
)

var stageNames = map[string]string{
	storage.ProcessStrm:     "STRM generation",
	storage.ProcessDownload: "resource download",
}

// RunTask is the processor entry point. It drives one task through both
// handler phases. A second call for the same task while one is in flight
// is a no-op; the retry service relies on that guard.
func (e *Engine) RunTask(id uint) {
	if _, loaded := e.active.LoadOrStore(id, struct{}{}); loaded {
		return
	}
	defer e.active.Delete(id)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Processor panic recovered", "task", id, "panic", r, "stack", string(debug.Stack()))
			e.failTaskUnexpected(id, fmt.Sprintf("internal processor error: %v", r))
		}
	}()

	task, err := e.storage.GetTask(id)
	if err != nil {
		e.logger.Error("Processor cannot load task", "task", id, "error", err)
		return
	}
	if task.Status != storage.TaskRunning {
		return
	}

	env, err := e.buildEnv(&task)
	if err != nil {
		e.logger.Error("Processor environment failed", "task", id, "error", err)
		e.failTaskUnexpected(id, err.Error())
		return
	}

	e.logger.Info("Processor run started", "task", id, "workers", task.WorkerCount)

	canceled := false
	for _, kind := range []string{storage.ProcessStrm, storage.ProcessDownload} {
		stopped, err := e.runPhase(env, kind)
		if err != nil {
			e.logger.Error("Processor phase failed", "task", id, "kind", kind, "error", err)
			env.log.Add("ERROR", "processor error during %s: %v", stageNames[kind], err)
			env.log.Flush(e.storage)
			e.failTaskUnexpected(id, err.Error())
			return
		}
		if stopped {
			canceled = true
			break
		}
	}

	e.reconcile(env, canceled)
}

// buildEnv snapshots settings and resolves servers for one run
func (e *Engine) buildEnv(task *storage.Task) (*runEnv, error) {
	settings, err := e.storage.GetSettings()
	if err != nil {
		return nil, err
	}
	media, err := e.storage.GetServer(task.MediaServerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: media server %d", ErrNotFound, task.MediaServerID)
		}
		return nil, err
	}
	var download *storage.MediaServer
	if task.DownloadServerID != nil {
		server, err := e.storage.GetServer(*task.DownloadServerID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: download server %d", ErrNotFound, *task.DownloadServerID)
			}
			return nil, err
		}
		download = &server
	}

	return &runEnv{
		task:      task,
		settings:  settings,
		media:     media,
		download:  download,
		outputDir: task.OutputDir,
		limiter:   newLimiter(settings),
		log:       newLogBuffer(task.ID),
	}, nil
}

// runPhase drains runnable sub-tasks of one kind in sequential batches of
// worker_count, concurrent within a batch. It returns stopped=true when
// the parent was canceled.
func (e *Engine) runPhase(env *runEnv, kind string) (bool, error) {
	stage := stageNames[kind]
	taskID := env.task.ID
	workers := env.task.WorkerCount
	if workers < 1 {
		workers = 1
	}

	for {
		canceled, err := e.taskCanceled(taskID)
		if err != nil {
			return false, err
		}
		if canceled {
			return true, nil
		}

		runnable, err := e.storage.GetRunnableSubTasks(taskID, kind, time.Now())
		if err != nil {
			return false, err
		}
		if len(runnable) == 0 {
			// Deferred retries keep the phase alive until their
			// backoff expires.
			next, err := e.storage.GetNextRetryTime(taskID, kind)
			if err != nil {
				return false, err
			}
			if next == nil {
				return false, nil
			}
			if stopped, err := e.waitUntil(taskID, *next); err != nil || stopped {
				return stopped, err
			}
			continue
		}

		for i := 0; i < len(runnable); i += workers {
			canceled, err := e.taskCanceled(taskID)
			if err != nil {
				return false, err
			}
			if canceled {
				env.log.Add("INFO", "%s stopped: task canceled", stage)
				env.log.Flush(e.storage)
				return true, nil
			}

			end := i + workers
			if end > len(runnable) {
				end = len(runnable)
			}
			batch := runnable[i:end]

			g := new(errgroup.Group)
			for j := range batch {
				sub := batch[j]
				g.Go(func() error {
					defer func() {
						if r := recover(); r != nil {
							e.logger.Error("Worker panic recovered", "sub_task", sub.ID, "panic", r)
							e.applyRetryPolicy(env, &sub, fmt.Errorf("internal worker error: %v", r))
						}
					}()
					e.processOne(env, &sub, kind)
					return nil
				})
			}
			g.Wait()

			if err := e.storage.TouchHeartbeat(taskID, time.Now()); err != nil {
				e.logger.Warn("Heartbeat write failed", "task", taskID, "error", err)
			}
			e.logProgress(env, stage)
			if err := env.log.Flush(e.storage); err != nil {
				e.logger.Warn("Task log flush failed", "task", taskID, "error", err)
			}
		}
	}
}

// taskCanceled re-reads the parent status
func (e *Engine) taskCanceled(taskID uint) (bool, error) {
	task, err := e.storage.GetTask(taskID)
	if err != nil {
		return false, err
	}
	return task.Status == storage.TaskCanceled, nil
}

// waitUntil sleeps toward a retry deadline in short slices so a cancel is
// noticed promptly. Returns stopped=true on cancel. The backoff can outlast
// the heartbeat timeout, so the heartbeat is refreshed while parked.
func (e *Engine) waitUntil(taskID uint, deadline time.Time) (bool, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		slice := remaining
		if slice > time.Second {
			slice = time.Second
		}
		time.Sleep(slice)

		canceled, err := e.taskCanceled(taskID)
		if err != nil || canceled {
			return canceled, err
		}

		if err := e.storage.TouchHeartbeat(taskID, time.Now()); err != nil {
			e.logger.Warn("Heartbeat write failed", "task", taskID, "error", err)
		}
	}
}

// processOne executes a single sub-task through its handler and applies
// the retry policy on failure.
func (e *Engine) processOne(env *runEnv, sub *storage.SubTask, kind string) {
	// Cooperative cancel: check the parent before starting work
	parent, err := e.storage.GetTask(sub.TaskID)
	if err == nil && parent.Status == storage.TaskCanceled {
		sub.Status = storage.SubCanceled
		sub.ErrorMessage = "main task canceled"
		if err := e.storage.SaveSubTask(sub); err != nil {
			e.logger.Error("Sub-task save failed", "sub_task", sub.ID, "error", err)
		}
		return
	}

	started := time.Now()
	sub.Status = storage.SubDownloading
	sub.WorkerID = uuid.New().String()
	sub.DownloadStarted = &started
	sub.DownloadCompleted = nil
	sub.ErrorMessage = ""
	sub.RetryAfter = nil
	if err := e.storage.SaveSubTask(sub); err != nil {
		e.logger.Error("Sub-task save failed", "sub_task", sub.ID, "error", err)
		return
	}

	var handlerErr error
	switch kind {
	case storage.ProcessStrm:
		handlerErr = e.writeStrm(env, sub)
	case storage.ProcessDownload:
		handlerErr = e.downloadResource(env, sub)
	default:
		handlerErr = fmt.Errorf("no handler for process kind %q", kind)
	}

	if handlerErr != nil {
		e.applyRetryPolicy(env, sub, handlerErr)
		return
	}

	completed := time.Now()
	sub.Status = storage.SubCompleted
	sub.DownloadCompleted = &completed
	if sub.Duration == 0 {
		sub.Duration = completed.Sub(started).Seconds()
	}
	if err := e.storage.SaveSubTask(sub); err != nil {
		e.logger.Error("Sub-task save failed", "sub_task", sub.ID, "error", err)
	}
}

// applyRetryPolicy moves a failed sub-task to retry or failed, clearing
// per-attempt state and writing the task log line.
func (e *Engine) applyRetryPolicy(env *runEnv, sub *storage.SubTask, cause error) {
	derr := categorize(cause)

	sub.Attempts++
	sub.WorkerID = ""
	sub.DownloadStarted = nil
	sub.DownloadCompleted = nil
	sub.ErrorMessage = derr.Error()

	if sub.Attempts < sub.MaxAttempts {
		interval := env.settings.RetryIntervalSeconds
		if interval < 1 {
			interval = 1
		}
		retryAt := time.Now().Add(time.Duration(interval) * time.Second)
		sub.Status = storage.SubRetry
		sub.RetryAfter = &retryAt
		env.log.Add("WARNING", "%s failed (attempt %d/%d), retrying in %ds: %v",
			sub.SourcePath, sub.Attempts, sub.MaxAttempts, interval, derr)
	} else {
		sub.Status = storage.SubFailed
		sub.RetryAfter = nil
		env.log.Add("ERROR", "%s failed after %d attempts: %v",
			sub.SourcePath, sub.Attempts, derr)
	}

	if err := e.storage.SaveSubTask(sub); err != nil {
		e.logger.Error("Sub-task save failed", "sub_task", sub.ID, "error", err)
	}
}

// logProgress writes the per-batch progress line
func (e *Engine) logProgress(env *runEnv, stage string) {
	counts, err := e.storage.CountSubTasksByStatus(env.task.ID)
	if err != nil {
		return
	}
	total := env.task.TotalFiles
	if total == 0 {
		for _, n := range counts {
			total += n
		}
	}
	processed := counts[storage.SubCompleted] + counts[storage.SubFailed]
	percent := Percent(processed, total)
	env.log.Add("INFO", "progress %d%% |%s| (%d/%d) - %s",
		percent, progressBar(percent), processed, total, stage)
}

// reconcile recomputes the terminal projection from sub-task counts.
// Any failed sub-task downgrades the task; a canceled parent stays
// canceled; end_time is set once.
func (e *Engine) reconcile(env *runEnv, canceled bool) {
	taskID := env.task.ID
	counts, err := e.storage.CountSubTasksByStatus(taskID)
	if err != nil {
		e.logger.Error("Reconcile count failed", "task", taskID, "error", err)
		return
	}

	completed := counts[storage.SubCompleted]
	failed := counts[storage.SubFailed]
	nonTerminal := counts[storage.SubPending] + counts[storage.SubDownloading] + counts[storage.SubRetry]

	fresh, err := e.storage.GetTask(taskID)
	if err != nil {
		e.logger.Error("Reconcile load failed", "task", taskID, "error", err)
		return
	}

	now := time.Now()
	fields := map[string]interface{}{
		"processed_files": completed + failed,
		"success_files":   completed,
		"failed_files":    failed,
	}

	status := fresh.Status
	switch {
	case canceled || fresh.Status == storage.TaskCanceled:
		status = storage.TaskCanceled
	case failed > 0 && nonTerminal == 0:
		status = storage.TaskFailed
		env.log.Add("ERROR", "task finished with %d failed of %d files (%d succeeded)",
			failed, fresh.TotalFiles, completed)
	case nonTerminal == 0:
		status = storage.TaskCompleted
		env.log.Add("INFO", "task completed: %d files, %d succeeded, %d failed",
			fresh.TotalFiles, completed, failed)
	}
	fields["status"] = status

	if storage.TaskTerminal(status) && fresh.EndTime == nil {
		fields["end_time"] = now
		if fresh.StartTime != nil {
			fields["download_duration"] = now.Sub(*fresh.StartTime).Seconds()
		}
	}

	if err := e.storage.UpdateTaskFields(taskID, fields); err != nil {
		e.logger.Error("Reconcile update failed", "task", taskID, "error", err)
	}
	if err := env.log.Flush(e.storage); err != nil {
		e.logger.Warn("Task log flush failed", "task", taskID, "error", err)
	}

	e.logger.Info("Processor run finished", "task", taskID, "status", status,
		"succeeded", completed, "failed", failed)
}

// failTaskUnexpected marks a task failed after an unrecoverable processor
// error, outside the normal reconciliation path.
func (e *Engine) failTaskUnexpected(id uint, reason string) {
	now := time.Now()
	fields := map[string]interface{}{
		"status":   storage.TaskFailed,
		"end_time": now,
	}
	if err := e.storage.UpdateTaskFields(id, fields); err != nil {
		e.logger.Error("Failed to mark task failed", "task", id, "error", err)
		return
	}
	line := fmt.Sprintf("[%s] [ERROR] %s\n", now.Format(taskLogTime), reason)
	if err := e.storage.AppendTaskLog(id, line); err != nil {
		e.logger.Error("Failed to append task log", "task", id, "error", err)
	}
}
