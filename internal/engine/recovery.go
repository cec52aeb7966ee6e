package engine

import (
	"fmt"
	"sync"
	"time"

	"strmforge/internal/storage"
)

const recoveryDisabledSleep = 300 * time.Second

// RecoveryService heals tasks stranded by a crash: running tasks that
// timed out, lost their heartbeat or show no sub-task activity, plus
// downloading sub-tasks whose parent already reached a terminal state.
type RecoveryService struct {
	engine *Engine

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewRecoveryService(e *Engine) *RecoveryService {
	return &RecoveryService{engine: e}
}

// Start launches the periodic loop; a second call is a no-op
func (r *RecoveryService) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop()
	r.engine.logger.Info("Recovery service started")
}

// Stop terminates the loop and waits for it to exit
func (r *RecoveryService) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()
	<-done
}

func (r *RecoveryService) loop() {
	defer close(r.done)
	for {
		delay := recoveryDisabledSleep

		settings, err := r.engine.storage.GetSettings()
		if err != nil {
			r.engine.logger.Error("Recovery service cannot read settings", "error", err)
		} else if !settings.RecoveryEnabled {
			// Leave the loop alive so re-enabling takes effect
		} else {
			if _, err := r.RunOnce(); err != nil {
				r.engine.logger.Error("Recovery pass failed", "error", err)
			} else if settings.RecoveryIntervalSeconds > 0 {
				delay = time.Duration(settings.RecoveryIntervalSeconds) * time.Second
			}
		}

		select {
		case <-r.stop:
			return
		case <-time.After(delay):
		}
	}
}

// RunOnce performs one recovery pass and reports how many rows changed.
// Running it twice back-to-back changes nothing on the second pass.
func (r *RecoveryService) RunOnce() (int, error) {
	settings, err := r.engine.storage.GetSettings()
	if err != nil {
		return 0, err
	}

	// All stored datetimes are naive local time; normalise before
	// comparing.
	now := time.Now().Local()
	changed := 0

	running, err := r.engine.storage.GetTasksByStatus(storage.TaskRunning)
	if err != nil {
		return 0, err
	}

	timeout := time.Duration(settings.TaskTimeoutHours) * time.Hour
	heartbeatTimeout := time.Duration(settings.HeartbeatTimeoutMinutes) * time.Minute
	activityWindow := time.Duration(settings.ActivityWindowMinutes) * time.Minute
	recentActivity := time.Duration(settings.RecentActivityMinutes) * time.Minute

	for _, task := range running {
		reason, err := r.orphanReason(task, now, timeout, heartbeatTimeout, activityWindow, recentActivity)
		if err != nil {
			r.engine.logger.Warn("Recovery check failed", "task", task.ID, "error", err)
			continue
		}
		if reason == "" {
			continue
		}

		if err := r.failOrphan(task, now, reason); err != nil {
			r.engine.logger.Error("Failed to recover orphaned task", "task", task.ID, "error", err)
			continue
		}
		changed++
		r.engine.logger.Warn("Recovered orphaned task", "task", task.ID, "reason", reason)
	}

	n, err := r.reconcileDownloading()
	if err != nil {
		return changed, err
	}
	changed += n

	return changed, nil
}

// orphanReason applies the three checks in order: total timeout, stale
// heartbeat, then the activity window.
func (r *RecoveryService) orphanReason(task storage.Task, now time.Time, timeout, heartbeatTimeout, activityWindow, recentActivity time.Duration) (string, error) {
	if task.StartTime != nil && now.Sub(task.StartTime.Local()) > timeout {
		return fmt.Sprintf("running longer than %s", timeout), nil
	}

	if task.LastHeartbeat != nil && now.Sub(task.LastHeartbeat.Local()) > heartbeatTimeout {
		return fmt.Sprintf("no heartbeat for more than %s", heartbeatTimeout), nil
	}

	if task.StartTime != nil && now.Sub(task.StartTime.Local()) > activityWindow {
		active, err := r.engine.storage.HasRecentSubTaskActivity(task.ID, now.Add(-recentActivity))
		if err != nil {
			return "", err
		}
		if !active {
			return fmt.Sprintf("no sub-task activity within %s", recentActivity), nil
		}
	}

	return "", nil
}

// failOrphan moves the task and its non-terminal sub-tasks to failed
func (r *RecoveryService) failOrphan(task storage.Task, now time.Time, reason string) error {
	fields := map[string]interface{}{
		"status": storage.TaskFailed,
	}
	if task.EndTime == nil {
		fields["end_time"] = now
		if task.StartTime != nil {
			fields["download_duration"] = now.Sub(task.StartTime.Local()).Seconds()
		}
	}
	if err := r.engine.storage.UpdateTaskFields(task.ID, fields); err != nil {
		return err
	}

	line := fmt.Sprintf("[%s] [ERROR] task recovered as orphaned: %s\n", now.Format(taskLogTime), reason)
	if err := r.engine.storage.AppendTaskLog(task.ID, line); err != nil {
		return err
	}

	return r.engine.storage.BulkUpdateSubTaskStatus(task.ID,
		[]string{storage.SubPending, storage.SubDownloading, storage.SubRetry},
		storage.SubFailed, "task recovered as orphaned: "+reason)
}

// reconcileDownloading promotes downloading sub-tasks whose parent is
// terminal: canceled parent maps to canceled, anything else to failed.
func (r *RecoveryService) reconcileDownloading() (int, error) {
	subs, err := r.engine.storage.GetSubTasksByGlobalStatus(storage.SubDownloading)
	if err != nil {
		return 0, err
	}

	changed := 0
	parents := make(map[uint]storage.Task)
	for _, sub := range subs {
		parent, ok := parents[sub.TaskID]
		if !ok {
			parent, err = r.engine.storage.GetTask(sub.TaskID)
			if err != nil {
				r.engine.logger.Warn("Recovery cannot load parent", "task", sub.TaskID, "error", err)
				continue
			}
			parents[sub.TaskID] = parent
		}
		if !storage.TaskTerminal(parent.Status) {
			continue
		}

		if parent.Status == storage.TaskCanceled {
			sub.Status = storage.SubCanceled
			sub.ErrorMessage = "main task canceled"
		} else {
			sub.Status = storage.SubFailed
			sub.ErrorMessage = "orphaned by terminal parent task"
		}
		if err := r.engine.storage.SaveSubTask(&sub); err != nil {
			r.engine.logger.Error("Recovery sub-task save failed", "sub_task", sub.ID, "error", err)
			continue
		}
		changed++
	}
	return changed, nil
}
