package api

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"strmforge/internal/settings"
	"strmforge/internal/storage"
)

type serverRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleSaveServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Name == "" || req.Kind == "" {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: "name and kind are required"})
		return
	}

	server := storage.MediaServer{
		Name:      req.Name,
		Kind:      req.Kind,
		BaseURL:   req.BaseURL,
		Username:  req.Username,
		Password:  req.Password,
		CreatedBy: caller(r),
	}
	if err := s.engine.Storage().SaveServer(&server); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, server)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.engine.Storage().GetServers()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"servers": servers})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	server, err := s.engine.Storage().GetServer(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, server)
}

// handleUpdateServer overwrites the mutable fields; an empty password in
// the request keeps the stored one.
func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	server, err := s.engine.Storage().GetServer(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var req serverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Name != "" {
		server.Name = req.Name
	}
	if req.Kind != "" {
		server.Kind = req.Kind
	}
	if req.BaseURL != "" {
		server.BaseURL = req.BaseURL
	}
	if req.Username != "" {
		server.Username = req.Username
	}
	if req.Password != "" {
		server.Password = req.Password
	}

	if err := s.engine.Storage().SaveServer(&server); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, server)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.engine.Storage().DeleteServer(id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleTestServer(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	status, err := s.engine.TestServer(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"reachability": status})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	current, err := s.engine.Storage().GetSettings()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, current)
}

// handleUpdateSettings validates and applies a full settings row.
// Validation failures come back as 400 with per-field messages.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var proposed storage.Settings
	if err := json.NewDecoder(r.Body).Decode(&proposed); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	applied, err := settings.Apply(s.engine.Storage(), s.logMgr, proposed)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, applied)
}

func (s *Server) handleRunRecovery(w http.ResponseWriter, r *http.Request) {
	changed, err := s.engine.Recovery().RunOnce()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"recovered": changed})
}

type systemStatus struct {
	Time        time.Time `json:"time"`
	Uptime      uint64    `json:"uptime_seconds"`
	Goroutines  int       `json:"goroutines"`
	MemoryRSS   uint64    `json:"memory_rss_bytes"`
	MemoryTotal uint64    `json:"memory_total_bytes"`
	MemoryUsed  uint64    `json:"memory_used_bytes"`
	DiskPath    string    `json:"disk_path"`
	DiskTotal   uint64    `json:"disk_total_bytes"`
	DiskFree    uint64    `json:"disk_free_bytes"`
	DiskPercent float64   `json:"disk_used_percent"`
}

// handleSystemStatus reports host memory, process RSS and free space on
// the output volume. Probe failures leave the field zeroed.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := systemStatus{
		Time:       time.Now(),
		Goroutines: runtime.NumGoroutine(),
	}

	if up, err := host.Uptime(); err == nil {
		status.Uptime = up
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemoryTotal = vm.Total
		status.MemoryUsed = vm.Used
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil {
			status.MemoryRSS = info.RSS
		}
	}

	diskPath := s.cfg.OutputDir
	if current, err := s.engine.Storage().GetSettings(); err == nil && current.OutputBaseDir != "" {
		diskPath = current.OutputBaseDir
	}
	if usage, err := disk.Usage(diskPath); err == nil {
		status.DiskPath = diskPath
		status.DiskTotal = usage.Total
		status.DiskFree = usage.Free
		status.DiskPercent = usage.UsedPercent
	}

	s.respondJSON(w, http.StatusOK, status)
}
