package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"strmforge/internal/logger"
	"strmforge/internal/parser"
	"strmforge/internal/storage"
)

// ValidationError carries per-field diagnostics for a rejected proposal
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid settings: " + strings.Join(parts, "; ")
}

var extFields = []struct {
	name string
	get  func(storage.Settings) string
}{
	{"video_exts", func(s storage.Settings) string { return s.VideoExts }},
	{"audio_exts", func(s storage.Settings) string { return s.AudioExts }},
	{"image_exts", func(s storage.Settings) string { return s.ImageExts }},
	{"subtitle_exts", func(s storage.Settings) string { return s.SubtitleExts }},
	{"metadata_exts", func(s storage.Settings) string { return s.MetadataExts }},
}

// Validate checks a proposed settings row. The five extension sets must be
// internally deduplicated and pairwise disjoint; the logs directory must
// accept a probe file; numeric knobs must stay in range.
func Validate(proposed storage.Settings) error {
	fields := make(map[string]string)

	lists := make(map[string][]string, len(extFields))
	for _, f := range extFields {
		exts := parser.SplitExts(f.get(proposed))
		lists[f.name] = exts

		seen := make(map[string]bool)
		var dups []string
		for _, ext := range exts {
			if seen[ext] {
				dups = append(dups, ext)
			}
			seen[ext] = true
		}
		if len(dups) > 0 {
			fields[f.name] = "duplicate extensions: " + strings.Join(dedupe(dups), ", ")
		}
	}

	for i := 0; i < len(extFields); i++ {
		for j := i + 1; j < len(extFields); j++ {
			a, b := extFields[i].name, extFields[j].name
			if overlap := intersect(lists[a], lists[b]); len(overlap) > 0 {
				msg := fmt.Sprintf("extensions shared with %s: %s", b, strings.Join(overlap, ", "))
				if prev, ok := fields[a]; ok {
					msg = prev + "; " + msg
				}
				fields[a] = msg
			}
		}
	}

	if proposed.WorkerCount < 1 {
		fields["worker_count"] = "must be at least 1"
	}
	if proposed.FailureRetryCount < 1 {
		fields["failure_retry_count"] = "must be at least 1"
	}
	if proposed.RetryIntervalSeconds < 1 {
		fields["retry_interval_seconds"] = "must be at least 1"
	}

	if proposed.LogDir != "" {
		if msg := probeDir(proposed.LogDir); msg != "" {
			fields["log_dir"] = msg
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// probeDir verifies the directory can be created and written to
func probeDir(dir string) string {
	if err := os.MkdirAll(dir, 0755); err != nil {
		if os.IsPermission(err) {
			return "permission denied creating directory"
		}
		return fmt.Sprintf("cannot create directory: %v", err)
	}
	probe := filepath.Join(dir, ".write_probe")
	if err := os.WriteFile(probe, []byte("probe"), 0644); err != nil {
		if os.IsPermission(err) {
			return "directory is not writable"
		}
		return fmt.Sprintf("cannot write probe file: %v", err)
	}
	os.Remove(probe)
	return ""
}

// ExtListsChanged reports whether any of the five sets differ between two
// rows, comparing normalized lists.
func ExtListsChanged(old, proposed storage.Settings) bool {
	for _, f := range extFields {
		if !equalSets(parser.SplitExts(f.get(old)), parser.SplitExts(f.get(proposed))) {
			return true
		}
	}
	return false
}

// Apply validates and persists a proposal, bumping Version iff a type list
// changed, then pushes logging side effects to the live process.
func Apply(store *storage.Storage, logMgr *logger.Manager, proposed storage.Settings) (storage.Settings, error) {
	if err := Validate(proposed); err != nil {
		return storage.Settings{}, err
	}

	current, err := store.GetSettings()
	if err != nil {
		return storage.Settings{}, err
	}

	proposed.ID = current.ID
	proposed.Version = current.Version
	if ExtListsChanged(current, proposed) {
		proposed.Version = current.Version + 1
	}

	if err := store.SaveSettings(&proposed); err != nil {
		return storage.Settings{}, err
	}

	if logMgr != nil {
		if err := logMgr.Reconfigure(proposed.LogLevel, proposed.LogDir); err != nil {
			return proposed, fmt.Errorf("settings saved but log reconfigure failed: %w", err)
		}
	}
	store.SetVerboseSQL(proposed.VerboseSQL)

	return proposed, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	var out []string
	for _, s := range b {
		if set[s] {
			out = append(out, s)
		}
	}
	return dedupe(out)
}

func equalSets(a, b []string) bool {
	as := append([]string(nil), dedupe(a)...)
	bs := append([]string(nil), dedupe(b)...)
	sort.Strings(as)
	sort.Strings(bs)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
