package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"strmforge/internal/config"
	"strmforge/internal/engine"
	"strmforge/internal/logger"
	"strmforge/internal/settings"
)

// Server exposes the engine over HTTP. All routes live under /api/v1 and
// speak JSON; the X-User header names the caller for ownership checks.
type Server struct {
	engine *engine.Engine
	logMgr *logger.Manager
	logger *slog.Logger
	cfg    config.Config
	router *chi.Mux
}

func NewServer(eng *engine.Engine, logMgr *logger.Manager, log *slog.Logger, cfg config.Config) *Server {
	s := &Server{
		engine: eng,
		logMgr: logMgr,
		logger: log,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler for mounting into an http.Server
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", s.handleCreateUpload)
			r.Get("/", s.handleListUploads)
			r.Post("/{id}/parse", s.handleParseUpload)
			r.Get("/{id}/result", s.handleUploadResult)
			r.Get("/{id}/download", s.handleDownloadUpload)
			r.Delete("/{id}", s.handleDeleteUpload)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Get("/{id}/files", s.handleTaskFiles)
			r.Get("/{id}/logs", s.handleTaskLogs)
			r.Get("/{id}/directory", s.handleTaskDirectory)
			r.Get("/{id}/preview", s.handleTaskPreview)
			r.Post("/{id}/cancel", s.handleCancelTask)
			r.Post("/{id}/continue", s.handleContinueTask)
			r.Delete("/{id}", s.handleDeleteTask)
		})

		r.Route("/servers", func(r chi.Router) {
			r.Post("/", s.handleSaveServer)
			r.Get("/", s.handleListServers)
			r.Get("/{id}", s.handleGetServer)
			r.Put("/{id}", s.handleUpdateServer)
			r.Delete("/{id}", s.handleDeleteServer)
			r.Post("/{id}/test", s.handleTestServer)
		})

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)
		r.Post("/recovery/run", s.handleRunRecovery)
		r.Get("/system/status", s.handleSystemStatus)
	})
}

// caller returns the requesting user from the X-User header; empty means
// anonymous and skips ownership enforcement.
func caller(r *http.Request) string {
	return r.Header.Get("X-User")
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Error("Failed to encode response", "error", err)
		}
	}
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// respondError maps engine sentinels and validation failures onto HTTP
// status codes; anything unmapped is a 500.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *settings.ValidationError
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body.Fields = verr.Fields
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrPreconditionFailed):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrConfiguration):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrDataCorruption):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.respondJSON(w, status, body)
}

func idParam(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errors.New("invalid id: " + raw)
	}
	return uint(id), nil
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// pageParams reads page/page_size with sane bounds and returns an offset
// plus limit.
func pageParams(r *http.Request) (int, int) {
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	size := queryInt(r, "page_size", 20)
	if size < 1 {
		size = 20
	}
	if size > 500 {
		size = 500
	}
	return (page - 1) * size, size
}
