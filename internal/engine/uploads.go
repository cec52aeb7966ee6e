package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"strmforge/internal/parser"
	"strmforge/internal/storage"
)

// Upload limits for tree exports
const (
	uploadMaxBytes = 10 << 20
	uploadExt      = ".txt"
)

// IngestUpload stores a tree export blob as an upload record
func (e *Engine) IngestUpload(filename string, content []byte, creator string) (*storage.UploadRecord, error) {
	if !strings.HasSuffix(strings.ToLower(filename), uploadExt) {
		return nil, fmt.Errorf("%w: only %s exports are accepted", ErrPreconditionFailed, uploadExt)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrPreconditionFailed)
	}
	if len(content) > uploadMaxBytes {
		return nil, fmt.Errorf("%w: upload exceeds %d bytes", ErrPreconditionFailed, uploadMaxBytes)
	}

	rec := storage.UploadRecord{
		Filename:  filename,
		Size:      int64(len(content)),
		Content:   content,
		CreatedBy: creator,
		Status:    storage.UploadUploaded,
	}
	if err := e.storage.SaveUpload(&rec); err != nil {
		return nil, err
	}
	e.logger.Info("Upload ingested", "upload", rec.ID, "filename", filename, "bytes", len(content))
	return &rec, nil
}

// ParseUpload runs the tree parser over a record's blob and caches the
// typed result on the record, stamped with the current settings version.
func (e *Engine) ParseUpload(id uint, caller string) (*parser.Result, error) {
	rec, err := e.storage.GetUpload(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: upload record %d", ErrNotFound, id)
		}
		return nil, err
	}
	if caller != "" && rec.CreatedBy != "" && rec.CreatedBy != caller {
		return nil, fmt.Errorf("%w: upload %d belongs to %s", ErrPermissionDenied, id, rec.CreatedBy)
	}

	settings, err := e.storage.GetSettings()
	if err != nil {
		return nil, err
	}

	if err := e.storage.UpdateUploadStatus(id, storage.UploadParsing); err != nil {
		return nil, err
	}

	entries, err := parser.NewTreeParser(parser.NewTypeSets(settings)).Parse(rec.Content)
	if err != nil {
		_ = e.storage.UpdateUploadStatus(id, storage.UploadFailed)
		return nil, fmt.Errorf("%w: %v", ErrDataCorruption, err)
	}

	result := parser.NewResult(settings.Version, entries)
	doc, err := json.Marshal(result)
	if err != nil {
		_ = e.storage.UpdateUploadStatus(id, storage.UploadFailed)
		return nil, err
	}

	now := time.Now()
	rec.ParseResult = string(doc)
	rec.ParsedAt = &now
	rec.Status = storage.UploadParsed
	if err := e.storage.SaveUpload(&rec); err != nil {
		return nil, err
	}

	e.logger.Info("Upload parsed", "upload", id, "entries", len(entries))
	return &result, nil
}

// GetParseResult returns the cached result, re-typed first if the
// settings version moved since it was written.
func (e *Engine) GetParseResult(id uint, caller string) (*parser.Result, error) {
	rec, err := e.storage.GetUpload(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: upload record %d", ErrNotFound, id)
		}
		return nil, err
	}
	if caller != "" && rec.CreatedBy != "" && rec.CreatedBy != caller {
		return nil, fmt.Errorf("%w: upload %d belongs to %s", ErrPermissionDenied, id, rec.CreatedBy)
	}
	if rec.Status != storage.UploadParsed {
		return nil, fmt.Errorf("%w: upload %d is %s, not parsed", ErrPreconditionFailed, id, rec.Status)
	}

	settings, err := e.storage.GetSettings()
	if err != nil {
		return nil, err
	}
	result, _, err := parser.CheckAndUpdate(e.storage, &rec, settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorruption, err)
	}
	return &result, nil
}
