package engine

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"strmforge/internal/storage"
)

// writeStrm materialises the STRM stub for a video sub-task: the target
// file's whole body is the streaming URL. The write is atomic so a crash
// never leaves a half-written stub.
func (e *Engine) writeStrm(env *runEnv, sub *storage.SubTask) error {
	started := time.Now()

	streamPath := sub.SourcePath
	if env.settings.PathRewriteEnabled && env.settings.PathRewritePrefix != "" {
		streamPath = rewriteFirstSegment(streamPath, env.settings.PathRewritePrefix)
	}
	streamURL := strings.TrimRight(env.media.BaseURL, "/") + quotePath(streamPath)

	// The local layout always follows the unrewritten source path
	target := filepath.Join(env.outputDir, filepath.FromSlash(replaceExt(sub.SourcePath, ".strm")))

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		e.recordStrm(env, sub, target, 0, 0, err)
		return &DownloadError{Category: CategoryFilesystem, Err: err}
	}
	if err := renameio.WriteFile(target, []byte(streamURL), 0644); err != nil {
		e.recordStrm(env, sub, target, 0, 0, err)
		return &DownloadError{Category: CategoryFilesystem, Err: err}
	}

	duration := time.Since(started).Seconds()
	sub.TargetPath = target
	sub.FileSize = int64(len(streamURL))
	sub.Duration = duration

	e.recordStrm(env, sub, target, int64(len(streamURL)), duration, nil)
	return nil
}

// recordStrm appends one row to the STRM log stream
func (e *Engine) recordStrm(env *runEnv, sub *storage.SubTask, target string, size int64, duration float64, cause error) {
	row := storage.StrmLog{
		TaskID:     sub.TaskID,
		Level:      "INFO",
		Message:    "strm file generated",
		SourcePath: sub.SourcePath,
		TargetPath: target,
		FileType:   sub.FileType,
		FileSize:   size,
		Duration:   duration,
		Success:    cause == nil,
	}
	if cause != nil {
		row.Level = "ERROR"
		row.Message = "strm generation failed"
		row.ErrorMessage = cause.Error()
	}
	if err := e.storage.AddStrmLog(&row); err != nil {
		e.logger.Warn("StrmLog write failed", "sub_task", sub.ID, "error", err)
	}
}

// rewriteFirstSegment replaces the first non-empty path component with the
// configured prefix. Downloads never go through this; only STRM URLs do.
func rewriteFirstSegment(path, prefix string) string {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.Index(trimmed, "/")
	if idx < 0 {
		return "/" + prefix
	}
	return "/" + prefix + trimmed[idx:]
}

// quotePath percent-encodes a virtual path, preserving the separators
func quotePath(path string) string {
	u := url.URL{Path: path}
	return u.EscapedPath()
}

// replaceExt swaps the extension of a virtual path
func replaceExt(path, ext string) string {
	old := filepath.Ext(path)
	return strings.TrimSuffix(path, old) + ext
}
