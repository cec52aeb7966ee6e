package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Boundary errors surfaced to the API layer
var (
	ErrNotFound           = errors.New("not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrPreconditionFailed = errors.New("operation invalid for current state")
	ErrConfiguration      = errors.New("configuration error")
	ErrDataCorruption     = errors.New("data corruption")
)

// Download error categories. Transient failures are consumed by the retry
// policy; permanent ones are still retried within the attempt budget so a
// mislabel cannot wedge a task.
const (
	CategoryHTTPStatus = "http_status"
	CategoryNetwork    = "network"
	CategoryTimeout    = "timeout"
	CategoryFilesystem = "filesystem"
	CategoryUnknown    = "unknown"
)

// DownloadError is a categorized handler failure
type DownloadError struct {
	Category string
	Status   int
	Err      error
}

func (e *DownloadError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (HTTP %d): %v", e.Category, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// categorize wraps an arbitrary handler error into a DownloadError
func categorize(err error) *DownloadError {
	var derr *DownloadError
	if errors.As(err, &derr) {
		return derr
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout(),
		errors.Is(err, context.DeadlineExceeded):
		return &DownloadError{Category: CategoryTimeout, Err: err}
	case errors.As(err, &netErr):
		return &DownloadError{Category: CategoryNetwork, Err: err}
	case errors.Is(err, os.ErrPermission), errors.Is(err, os.ErrNotExist):
		return &DownloadError{Category: CategoryFilesystem, Err: err}
	default:
		return &DownloadError{Category: CategoryUnknown, Err: err}
	}
}
