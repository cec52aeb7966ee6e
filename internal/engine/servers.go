package engine

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"gorm.io/gorm"

	"strmforge/internal/storage"
)

// TestServer probes a media server's reachability and records the outcome
// on the row. HTTP-family kinds get a HEAD-then-GET probe; local kinds a
// path check; the rest are marked unknown.
func (e *Engine) TestServer(id uint) (string, error) {
	server, err := e.storage.GetServer(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: server %d", ErrNotFound, id)
		}
		return "", err
	}

	status := e.probeServer(server)

	server.Reachability = status
	if err := e.storage.SaveServer(&server); err != nil {
		return status, err
	}
	e.logger.Info("Server probed", "server", id, "kind", server.Kind, "status", status)
	return status, nil
}

func (e *Engine) probeServer(server storage.MediaServer) string {
	switch server.Kind {
	case storage.ServerHTTP, storage.ServerHTTPS, storage.ServerCD2Host, storage.ServerXiaoya, storage.ServerWebDAV:
		req, err := http.NewRequest(http.MethodHead, server.BaseURL, nil)
		if err != nil {
			return "error"
		}
		if server.Username != "" {
			req.SetBasicAuth(server.Username, server.Password)
		}
		resp, err := e.httpClient.Do(req)
		if err != nil {
			return "error"
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return "error"
		}
		if resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed &&
			resp.StatusCode != http.StatusUnauthorized {
			return "warning"
		}
		return "success"
	case storage.ServerLocalPath:
		if info, err := os.Stat(server.BaseURL); err == nil && info.IsDir() {
			return "success"
		}
		return "error"
	default:
		// FTP and friends are configured blind
		return "unknown"
	}
}
