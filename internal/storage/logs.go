package storage

// ============= Artifact Log Streams =============

// AddDownloadLog appends one download log row
func (s *Storage) AddDownloadLog(log *DownloadLog) error {
	return s.DB.Create(log).Error
}

// AddStrmLog appends one STRM log row
func (s *Storage) AddStrmLog(log *StrmLog) error {
	return s.DB.Create(log).Error
}

// GetDownloadLogs returns download log rows for a task, oldest first
func (s *Storage) GetDownloadLogs(taskID uint) ([]DownloadLog, error) {
	var logs []DownloadLog
	err := s.DB.Where("task_id = ?", taskID).Order("created_at asc, id asc").Find(&logs).Error
	return logs, err
}

// GetStrmLogs returns STRM log rows for a task, oldest first
func (s *Storage) GetStrmLogs(taskID uint) ([]StrmLog, error) {
	var logs []StrmLog
	err := s.DB.Where("task_id = ?", taskID).Order("created_at asc, id asc").Find(&logs).Error
	return logs, err
}
