package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"strmforge/internal/storage"
)

// Task log line format: "[timestamp] [LEVEL] message"
const taskLogTime = "2006-01-02 15:04:05"

// logBuffer collects task log lines and flushes them as one append per
// batch, keeping the append-only column from being rewritten per line.
type logBuffer struct {
	mu     sync.Mutex
	taskID uint
	lines  []string
}

func newLogBuffer(taskID uint) *logBuffer {
	return &logBuffer{taskID: taskID}
}

func (b *logBuffer) Add(level, format string, args ...interface{}) {
	line := fmt.Sprintf("[%s] [%s] %s\n",
		time.Now().Format(taskLogTime), level, fmt.Sprintf(format, args...))
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

func (b *logBuffer) Flush(store *storage.Storage) error {
	b.mu.Lock()
	pending := b.lines
	b.lines = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return store.AppendTaskLog(b.taskID, strings.Join(pending, ""))
}
