package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"strmforge/internal/storage"
)

// downloadResource fetches a sub-task's file from the download server and
// writes it byte-for-byte under the output directory. The source path is
// used verbatim; path rewrite applies only to STRM URLs.
func (e *Engine) downloadResource(env *runEnv, sub *storage.SubTask) error {
	server, err := env.downloadServer()
	if err != nil {
		e.recordDownload(env, sub, "", 0, 0, 0, err)
		return err
	}

	remote := strings.TrimRight(server.BaseURL, "/") + quotePath(sub.SourcePath)
	target := filepath.Join(env.outputDir, filepath.FromSlash(sub.SourcePath))

	started := time.Now()
	size, err := e.fetchToFile(remote, target, server, env.limiter)
	duration := time.Since(started).Seconds()

	if err != nil {
		e.recordDownload(env, sub, target, size, duration, 0, err)
		return err
	}

	speed := Throughput(size, duration)
	sub.TargetPath = target
	sub.FileSize = size
	sub.Duration = duration
	sub.Speed = speed

	e.recordDownload(env, sub, target, size, duration, speed, nil)
	return nil
}

// fetchToFile performs the GET (redirects followed) and streams the body
// to disk, throttled when a rate limit is configured.
func (e *Engine) fetchToFile(remote, target string, server storage.MediaServer, limiter *rate.Limiter) (int64, error) {
	req, err := http.NewRequest(http.MethodGet, remote, nil)
	if err != nil {
		return 0, &DownloadError{Category: CategoryUnknown, Err: err}
	}
	if server.Username != "" {
		req.SetBasicAuth(server.Username, server.Password)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, categorize(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &DownloadError{
			Category: CategoryHTTPStatus,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, &DownloadError{Category: CategoryFilesystem, Err: err}
	}
	out, err := os.Create(target)
	if err != nil {
		return 0, &DownloadError{Category: CategoryFilesystem, Err: err}
	}
	defer out.Close()

	var body io.Reader = resp.Body
	if limiter != nil {
		body = &throttledReader{r: resp.Body, limiter: limiter}
	}

	n, err := io.Copy(out, body)
	if err != nil {
		return n, categorize(err)
	}
	if err := out.Close(); err != nil {
		return n, &DownloadError{Category: CategoryFilesystem, Err: err}
	}
	return n, nil
}

// recordDownload appends one row to the download log stream
func (e *Engine) recordDownload(env *runEnv, sub *storage.SubTask, target string, size int64, duration, speed float64, cause error) {
	row := storage.DownloadLog{
		TaskID:     sub.TaskID,
		Level:      "INFO",
		SourcePath: sub.SourcePath,
		TargetPath: target,
		FileType:   sub.FileType,
		FileSize:   size,
		Duration:   duration,
		Speed:      speed,
		Success:    cause == nil,
		Message: fmt.Sprintf("downloaded %s in %.2fs (%s)",
			FormatBytes(size), duration, FormatSpeed(speed)),
	}
	if cause != nil {
		row.Level = "ERROR"
		row.Message = "download failed"
		row.ErrorMessage = cause.Error()
	}
	if err := e.storage.AddDownloadLog(&row); err != nil {
		e.logger.Warn("DownloadLog write failed", "sub_task", sub.ID, "error", err)
	}
}

// throttledReader paces reads through the shared rate limiter
type throttledReader struct {
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	// Cap the chunk at the limiter burst so WaitN can always admit it
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(context.Background(), n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
