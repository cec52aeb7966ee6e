package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"gorm.io/gorm"

	"strmforge/internal/engine"
	"strmforge/internal/parser"
)

const uploadBodyLimit = 10 << 20

// handleCreateUpload ingests a raw tree export. The filename comes from
// the ?filename query or the X-Filename header.
func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = r.Header.Get("X-Filename")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, uploadBodyLimit+1))
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: "cannot read request body"})
		return
	}

	rec, err := s.engine.IngestUpload(filename, body, caller(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	rec.Content = nil
	s.respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	records, total, err := s.engine.Storage().GetUploads(offset, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"uploads": records,
		"total":   total,
	})
}

func (s *Server) handleParseUpload(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	result, err := s.engine.ParseUpload(id, caller(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"version": result.Version,
		"counts":  result.Counts,
		"entries": len(result.Entries),
	})
}

// handleUploadResult returns the cached parse result, optionally filtered
// by file type and paged over entries.
func (s *Server) handleUploadResult(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	result, err := s.engine.GetParseResult(id, caller(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	entries := result.Entries
	if fileType := r.URL.Query().Get("file_type"); fileType != "" {
		filtered := make([]parser.Entry, 0, len(entries))
		for _, entry := range entries {
			if entry.FileType == fileType {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	total := len(entries)
	offset, limit := pageParams(r)
	if offset > total {
		offset = total
	}
	end := total
	if offset+limit < total {
		end = offset + limit
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"version": result.Version,
		"counts":  result.Counts,
		"total":   total,
		"entries": entries[offset:end],
	})
}

// handleDownloadUpload streams the original export blob back
func (s *Server) handleDownloadUpload(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	rec, err := s.engine.Storage().GetUpload(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.respondJSON(w, http.StatusNotFound, errorBody{Error: "upload not found"})
			return
		}
		s.respondError(w, r, err)
		return
	}
	if who := caller(r); who != "" && rec.CreatedBy != "" && rec.CreatedBy != who {
		s.respondJSON(w, http.StatusForbidden, errorBody{Error: "upload belongs to another user"})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.Filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Content)))
	w.Write(rec.Content)
}

func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	rec, err := s.engine.Storage().GetUpload(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.respondJSON(w, http.StatusNotFound, errorBody{Error: "upload not found"})
			return
		}
		s.respondError(w, r, err)
		return
	}
	if who := caller(r); who != "" && rec.CreatedBy != "" && rec.CreatedBy != who {
		s.respondError(w, r, engine.ErrPermissionDenied)
		return
	}
	if err := s.engine.Storage().DeleteUpload(id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
