package engine

import (
	"sort"
	"strings"
	"time"

	"strmforge/internal/storage"
)

// Log stream names for filtering
const (
	StreamTask     = "task"
	StreamDownload = "download"
	StreamStrm     = "strm"
)

// LogEntry is one line of the merged task log view
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Stream  string    `json:"stream"`
}

// TaskLogs is the paged, filtered merge of the three log streams
type TaskLogs struct {
	Entries    []LogEntry `json:"entries"`
	Total      int        `json:"total"`
	RawContent string     `json:"raw_content,omitempty"`
}

// GetTaskLogs merges the append-only task log with the download and STRM
// streams, ordered by timestamp, filtered by level, free text and stream.
func (e *Engine) GetTaskLogs(taskID uint, caller, level, search, stream string, offset, limit int) (*TaskLogs, error) {
	task, err := e.loadOwnedTask(taskID, caller)
	if err != nil {
		return nil, err
	}

	var entries []LogEntry

	if stream == "" || stream == StreamTask {
		entries = append(entries, parseTaskLog(task.LogContent)...)
	}
	if stream == "" || stream == StreamDownload {
		rows, err := e.storage.GetDownloadLogs(taskID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			entries = append(entries, LogEntry{
				Time:    row.CreatedAt,
				Level:   row.Level,
				Message: downloadLogMessage(row),
				Stream:  StreamDownload,
			})
		}
	}
	if stream == "" || stream == StreamStrm {
		rows, err := e.storage.GetStrmLogs(taskID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			msg := row.Message + ": " + row.SourcePath
			if row.ErrorMessage != "" {
				msg += " (" + row.ErrorMessage + ")"
			}
			entries = append(entries, LogEntry{
				Time:    row.CreatedAt,
				Level:   row.Level,
				Message: msg,
				Stream:  StreamStrm,
			})
		}
	}

	entries = filterEntries(entries, level, search)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})

	total := len(entries)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	result := &TaskLogs{
		Entries: entries[offset:end],
		Total:   total,
	}
	if stream == "" || stream == StreamTask {
		result.RawContent = task.LogContent
	}
	return result, nil
}

func downloadLogMessage(row storage.DownloadLog) string {
	msg := row.Message + ": " + row.SourcePath
	if row.ErrorMessage != "" {
		msg += " (" + row.ErrorMessage + ")"
	}
	return msg
}

// parseTaskLog splits the append-only column into entries. Lines follow
// "[timestamp] [LEVEL] message"; anything else is kept verbatim at INFO.
func parseTaskLog(content string) []LogEntry {
	var entries []LogEntry
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		entry := LogEntry{Level: "INFO", Message: line, Stream: StreamTask}
		if strings.HasPrefix(line, "[") {
			if close := strings.Index(line, "]"); close > 0 {
				if ts, err := time.ParseInLocation(taskLogTime, line[1:close], time.Local); err == nil {
					entry.Time = ts
					rest := strings.TrimSpace(line[close+1:])
					if strings.HasPrefix(rest, "[") {
						if close2 := strings.Index(rest, "]"); close2 > 0 {
							entry.Level = rest[1:close2]
							rest = strings.TrimSpace(rest[close2+1:])
						}
					}
					entry.Message = rest
				}
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

func filterEntries(entries []LogEntry, level, search string) []LogEntry {
	if level == "" && search == "" {
		return entries
	}
	level = strings.ToUpper(level)
	search = strings.ToLower(search)

	var out []LogEntry
	for _, entry := range entries {
		if level != "" && strings.ToUpper(entry.Level) != level {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(entry.Message), search) {
			continue
		}
		out = append(out, entry)
	}
	return out
}
