package storage

import (
	"time"

	"gorm.io/gorm"
)

// ============= Task Management =============

// CreateTaskWithSubTasks persists the parent and its expansion atomically
func (s *Storage) CreateTaskWithSubTasks(task *Task, subs []SubTask) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(task).Error; err != nil {
			return err
		}
		for i := range subs {
			subs[i].TaskID = task.ID
		}
		if len(subs) > 0 {
			if err := tx.CreateInBatches(subs, 200).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveTask updates a task row
func (s *Storage) SaveTask(task *Task) error {
	return s.DB.Save(task).Error
}

// GetTask retrieves a task by ID
func (s *Storage) GetTask(id uint) (Task, error) {
	var task Task
	err := s.DB.First(&task, "id = ?", id).Error
	return task, err
}

// GetTasks returns a filtered page of tasks, newest first
func (s *Storage) GetTasks(offset, limit int, status, search string, from, to *time.Time) ([]Task, int64, error) {
	query := s.DB.Model(&Task{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if search != "" {
		query = query.Where("name LIKE ?", "%"+search+"%")
	}
	if from != nil {
		query = query.Where("created_at >= ?", *from)
	}
	if to != nil {
		query = query.Where("created_at <= ?", *to)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tasks []Task
	err := query.Omit("log_content").Order("created_at desc").
		Offset(offset).Limit(limit).Find(&tasks).Error
	return tasks, total, err
}

// GetTasksByStatus returns all tasks with the given status
func (s *Storage) GetTasksByStatus(status string) ([]Task, error) {
	var tasks []Task
	err := s.DB.Where("status = ?", status).Find(&tasks).Error
	return tasks, err
}

// UpdateTaskStatus updates just the status field
func (s *Storage) UpdateTaskStatus(id uint, status string) error {
	return s.DB.Model(&Task{}).Where("id = ?", id).Update("status", status).Error
}

// UpdateTaskFields applies a partial update to a task row
func (s *Storage) UpdateTaskFields(id uint, fields map[string]interface{}) error {
	return s.DB.Model(&Task{}).Where("id = ?", id).Updates(fields).Error
}

// AppendTaskLog appends text to the task's log column
func (s *Storage) AppendTaskLog(id uint, text string) error {
	return s.DB.Model(&Task{}).Where("id = ?", id).
		Update("log_content", gorm.Expr("IFNULL(log_content, '') || ?", text)).Error
}

// TouchHeartbeat advances last_heartbeat. The guard keeps the column
// monotonic under concurrent writers.
func (s *Storage) TouchHeartbeat(id uint, now time.Time) error {
	return s.DB.Model(&Task{}).
		Where("id = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)", id, now).
		Update("last_heartbeat", now).Error
}

// DeleteTaskCascade removes the task, its sub-tasks and both log streams
func (s *Storage) DeleteTaskCascade(id uint) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SubTask{}, "task_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&DownloadLog{}, "task_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&StrmLog{}, "task_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&Task{}, "id = ?", id).Error
	})
}

// ============= SubTask Management =============

// SaveSubTask updates a sub-task row
func (s *Storage) SaveSubTask(sub *SubTask) error {
	return s.DB.Save(sub).Error
}

// GetSubTask retrieves a sub-task by ID
func (s *Storage) GetSubTask(id uint) (SubTask, error) {
	var sub SubTask
	err := s.DB.First(&sub, "id = ?", id).Error
	return sub, err
}

// GetSubTasks returns every sub-task of a task
func (s *Storage) GetSubTasks(taskID uint) ([]SubTask, error) {
	var subs []SubTask
	err := s.DB.Where("task_id = ?", taskID).Order("id asc").Find(&subs).Error
	return subs, err
}

// GetSubTasksPage returns a filtered page of sub-tasks
func (s *Storage) GetSubTasksPage(taskID uint, offset, limit int, fileType, status, search string) ([]SubTask, int64, error) {
	query := s.DB.Model(&SubTask{}).Where("task_id = ?", taskID)
	if fileType != "" {
		query = query.Where("file_type = ?", fileType)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if search != "" {
		query = query.Where("source_path LIKE ?", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var subs []SubTask
	err := query.Order("id asc").Offset(offset).Limit(limit).Find(&subs).Error
	return subs, total, err
}

// GetSubTaskBySource resolves a sub-task by its virtual source path
func (s *Storage) GetSubTaskBySource(taskID uint, sourcePath string) (SubTask, error) {
	var sub SubTask
	err := s.DB.Where("task_id = ? AND source_path = ?", taskID, sourcePath).First(&sub).Error
	return sub, err
}

// GetRunnableSubTasks selects pending sub-tasks plus retries whose backoff
// has expired, for one task and process kind.
func (s *Storage) GetRunnableSubTasks(taskID uint, kind string, now time.Time) ([]SubTask, error) {
	var subs []SubTask
	err := s.DB.Where("task_id = ? AND process_kind = ?", taskID, kind).
		Where("status = ? OR (status = ? AND (retry_after IS NULL OR retry_after <= ?))",
			SubPending, SubRetry, now).
		Order("priority desc, id asc").
		Find(&subs).Error
	return subs, err
}

// GetDueRetries selects sub-tasks across all tasks whose retry backoff expired
func (s *Storage) GetDueRetries(now time.Time) ([]SubTask, error) {
	var subs []SubTask
	err := s.DB.Where("status = ? AND (retry_after IS NULL OR retry_after <= ?)", SubRetry, now).
		Order("task_id asc, id asc").
		Find(&subs).Error
	return subs, err
}

// GetNextRetryTime returns the earliest retry_after among deferred
// sub-tasks of one task and kind, or nil when none are deferred.
func (s *Storage) GetNextRetryTime(taskID uint, kind string) (*time.Time, error) {
	var sub SubTask
	err := s.DB.Where("task_id = ? AND process_kind = ? AND status = ?", taskID, kind, SubRetry).
		Order("retry_after asc").First(&sub).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub.RetryAfter, nil
}

// GetSubTasksByGlobalStatus returns sub-tasks in a status regardless of parent
func (s *Storage) GetSubTasksByGlobalStatus(status string) ([]SubTask, error) {
	var subs []SubTask
	err := s.DB.Where("status = ?", status).Find(&subs).Error
	return subs, err
}

// CountSubTasksByStatus returns per-status counts for one task
func (s *Storage) CountSubTasksByStatus(taskID uint) (map[string]int, error) {
	type row struct {
		Status string
		N      int
	}
	var rows []row
	err := s.DB.Model(&SubTask{}).
		Select("status, COUNT(*) as n").
		Where("task_id = ?", taskID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// CountSubTasksByKindStatus returns counts keyed by process kind then status
func (s *Storage) CountSubTasksByKindStatus(taskID uint) (map[string]map[string]int, error) {
	type row struct {
		ProcessKind string
		Status      string
		N           int
	}
	var rows []row
	err := s.DB.Model(&SubTask{}).
		Select("process_kind, status, COUNT(*) as n").
		Where("task_id = ?", taskID).
		Group("process_kind, status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]map[string]int)
	for _, r := range rows {
		if counts[r.ProcessKind] == nil {
			counts[r.ProcessKind] = make(map[string]int)
		}
		counts[r.ProcessKind][r.Status] = r.N
	}
	return counts, nil
}

// BulkUpdateSubTaskStatus moves every sub-task of a task whose status is in
// from to the given status, recording an error message.
func (s *Storage) BulkUpdateSubTaskStatus(taskID uint, from []string, to, errMsg string) error {
	return s.DB.Model(&SubTask{}).
		Where("task_id = ? AND status IN ?", taskID, from).
		Updates(map[string]interface{}{
			"status":        to,
			"error_message": errMsg,
		}).Error
}

// HasRecentSubTaskActivity reports whether any sub-task of the task was
// updated at or after the cutoff.
func (s *Storage) HasRecentSubTaskActivity(taskID uint, since time.Time) (bool, error) {
	var n int64
	err := s.DB.Model(&SubTask{}).
		Where("task_id = ? AND updated_at >= ?", taskID, since).
		Count(&n).Error
	return n > 0, err
}
