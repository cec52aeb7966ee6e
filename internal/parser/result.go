package parser

import (
	"encoding/json"
	"fmt"

	"strmforge/internal/storage"
)

// Result is the cached parse document stored on an upload record. Version
// is the settings version the entries were typed against.
type Result struct {
	Version int            `json:"version"`
	Entries []Entry        `json:"entries"`
	Counts  map[string]int `json:"counts"`
}

// NewResult assembles a result with computed per-type counts
func NewResult(version int, entries []Entry) Result {
	return Result{
		Version: version,
		Entries: entries,
		Counts:  CountByType(entries),
	}
}

// CountByType tallies file entries per category
func CountByType(entries []Entry) map[string]int {
	counts := map[string]int{
		storage.TypeVideo:    0,
		storage.TypeAudio:    0,
		storage.TypeImage:    0,
		storage.TypeSubtitle: 0,
		storage.TypeMetadata: 0,
		storage.TypeOther:    0,
	}
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		counts[e.FileType]++
	}
	return counts
}

// Retype re-classifies entries in place against the given sets
func Retype(entries []Entry, sets TypeSets) {
	for i := range entries {
		if entries[i].IsDir {
			continue
		}
		entries[i].FileType = sets.Classify(entries[i].Ext)
	}
}

// LoadResult decodes the cached document on an upload record
func LoadResult(rec storage.UploadRecord) (Result, error) {
	var result Result
	if rec.ParseResult == "" {
		return result, fmt.Errorf("upload %d has no parse result", rec.ID)
	}
	if err := json.Unmarshal([]byte(rec.ParseResult), &result); err != nil {
		return result, fmt.Errorf("corrupt parse result on upload %d: %w", rec.ID, err)
	}
	return result, nil
}

// CheckAndUpdate loads the cached result and, when the settings version has
// moved, re-types entries, recomputes counts and writes the document back.
// Returns the usable result and whether it was rewritten.
func CheckAndUpdate(store *storage.Storage, rec *storage.UploadRecord, settings storage.Settings) (Result, bool, error) {
	result, err := LoadResult(*rec)
	if err != nil {
		return result, false, err
	}
	if result.Version == settings.Version {
		return result, false, nil
	}

	Retype(result.Entries, NewTypeSets(settings))
	result.Counts = CountByType(result.Entries)
	result.Version = settings.Version

	data, err := json.Marshal(result)
	if err != nil {
		return result, false, err
	}
	rec.ParseResult = string(data)
	if err := store.SaveUpload(rec); err != nil {
		return result, false, err
	}
	return result, true, nil
}
