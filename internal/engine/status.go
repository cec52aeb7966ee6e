package engine

import (
	"io/fs"
	"path/filepath"

	"strmforge/internal/storage"
)

// TaskStatus is the aggregated view of one task
type TaskStatus struct {
	Task         storage.Task              `json:"task"`
	StatusCounts map[string]int            `json:"status_counts"`
	KindCounts   map[string]map[string]int `json:"kind_counts"`
	Progress     int                       `json:"progress"`
	OutputBytes  int64                     `json:"output_bytes"`
}

// GetTaskStatus computes the live projection: per-status and per-kind
// counts, the saturating progress percentage and the output subtree size.
func (e *Engine) GetTaskStatus(id uint, caller string) (*TaskStatus, error) {
	task, err := e.loadOwnedTask(id, caller)
	if err != nil {
		return nil, err
	}

	statusCounts, err := e.storage.CountSubTasksByStatus(id)
	if err != nil {
		return nil, err
	}
	kindCounts, err := e.storage.CountSubTasksByKindStatus(id)
	if err != nil {
		return nil, err
	}

	total := task.TotalFiles
	if total == 0 {
		for _, n := range statusCounts {
			total += n
		}
	}
	processed := statusCounts[storage.SubCompleted] + statusCounts[storage.SubFailed]

	return &TaskStatus{
		Task:         task,
		StatusCounts: statusCounts,
		KindCounts:   kindCounts,
		Progress:     Percent(processed, total),
		OutputBytes:  dirSize(task.OutputDir),
	}, nil
}

// dirSize walks the output subtree; a missing directory is just zero
func dirSize(dir string) int64 {
	if dir == "" {
		return 0
	}
	var total int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
