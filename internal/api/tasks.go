package api

import (
	"encoding/json"
	"net/http"
	"time"

	"strmforge/internal/engine"
)

type createTaskRequest struct {
	UploadRecordID   uint   `json:"upload_record_id"`
	MediaServerID    uint   `json:"media_server_id"`
	DownloadServerID *uint  `json:"download_server_id"`
	OutputDir        string `json:"output_dir"`
	WorkerCount      int    `json:"worker_count"`
	Name             string `json:"name"`
	AutoStart        *bool  `json:"auto_start"`
}

// handleCreateTask builds the task aggregate and, unless auto_start is
// false, launches it immediately.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	task, err := s.engine.CreateTask(engine.CreateTaskInput{
		UploadRecordID:   req.UploadRecordID,
		MediaServerID:    req.MediaServerID,
		DownloadServerID: req.DownloadServerID,
		OutputDir:        req.OutputDir,
		WorkerCount:      req.WorkerCount,
		Name:             req.Name,
		CreatedBy:        caller(r),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if req.AutoStart == nil || *req.AutoStart {
		if err := s.engine.StartTask(task.ID); err != nil {
			s.respondError(w, r, err)
			return
		}
	}

	fresh, err := s.engine.Storage().GetTask(task.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, fresh)
}

// parseDateQuery accepts a bare date or a full RFC 3339 timestamp
func parseDateQuery(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, time.Local); err == nil {
		return &t
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t
	}
	return nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	q := r.URL.Query()

	from := parseDateQuery(q.Get("from"))
	to := parseDateQuery(q.Get("to"))
	if to != nil && to.Hour() == 0 && to.Minute() == 0 && to.Second() == 0 {
		// a bare end date covers the whole day
		end := to.Add(24*time.Hour - time.Second)
		to = &end
	}

	tasks, total, err := s.engine.Storage().GetTasks(offset, limit, q.Get("status"), q.Get("search"), from, to)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"total": total,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	status, err := s.engine.GetTaskStatus(id, caller(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleTaskFiles(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if _, err := s.engine.GetTaskStatus(id, caller(r)); err != nil {
		s.respondError(w, r, err)
		return
	}

	offset, limit := pageParams(r)
	q := r.URL.Query()
	subs, total, err := s.engine.Storage().GetSubTasksPage(id, offset, limit,
		q.Get("file_type"), q.Get("status"), q.Get("search"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"files": subs,
		"total": total,
	})
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	offset, limit := pageParams(r)
	q := r.URL.Query()
	logs, err := s.engine.GetTaskLogs(id, caller(r),
		q.Get("level"), q.Get("search"), q.Get("stream"), offset, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, logs)
}

func (s *Server) handleTaskDirectory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	listing, err := s.engine.ListDirectory(id, caller(r), r.URL.Query().Get("path"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, listing)
}

func (s *Server) handleTaskPreview(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: "path query parameter is required"})
		return
	}
	preview, err := s.engine.PreviewFile(id, caller(r), path)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, preview)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.engine.CancelTask(id, caller(r)); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (s *Server) handleContinueTask(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.engine.ContinueTask(id, caller(r)); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.engine.DeleteTask(id, caller(r)); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
