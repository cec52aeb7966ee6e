package engine

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"gorm.io/gorm"

	"strmforge/internal/storage"
)

const (
	previewMaxBytes = 1 << 20 // read cap for text previews
	previewMaxChars = 10000
)

var textPreviewExts = map[string]bool{
	".srt": true, ".ass": true, ".ssa": true, ".sub": true, ".vtt": true,
	".txt": true, ".nfo": true, ".xml": true, ".json": true, ".md": true,
	".log": true, ".ini": true, ".csv": true, ".yaml": true, ".yml": true,
}

var imagePreviewExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".webp": true, ".tiff": true,
}

// DirListing is the reconstructed view of one virtual directory
type DirListing struct {
	Path        string            `json:"path"`
	Directories []string          `json:"directories"`
	Files       []storage.SubTask `json:"files"`
}

// ListDirectory rebuilds a directory level from the task's sub-task source
// paths: child directories are the unique first segments under the prefix,
// files are sub-tasks directly inside it. Both lexicographically sorted;
// the API renders directories first.
func (e *Engine) ListDirectory(taskID uint, caller, dirPath string) (*DirListing, error) {
	if _, err := e.loadOwnedTask(taskID, caller); err != nil {
		return nil, err
	}

	prefix := normalizeDirPath(dirPath)

	subs, err := e.storage.GetSubTasks(taskID)
	if err != nil {
		return nil, err
	}

	dirSet := make(map[string]bool)
	var files []storage.SubTask
	for _, sub := range subs {
		if !strings.HasPrefix(sub.SourcePath, prefix) {
			continue
		}
		rest := strings.TrimPrefix(sub.SourcePath, prefix)
		if rest == "" {
			continue
		}
		if idx := strings.Index(rest, "/"); idx >= 0 {
			dirSet[rest[:idx]] = true
		} else {
			files = append(files, sub)
		}
	}

	dirs := make([]string, 0, len(dirSet))
	for name := range dirSet {
		dirs = append(dirs, name)
	}
	sort.Strings(dirs)
	sort.Slice(files, func(i, j int) bool {
		return files[i].SourcePath < files[j].SourcePath
	})

	return &DirListing{
		Path:        strings.TrimSuffix(prefix, "/"),
		Directories: dirs,
		Files:       files,
	}, nil
}

func normalizeDirPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// Preview is the type-dispatched view of one sub-task's artifact
type Preview struct {
	Kind       string `json:"kind"` // strm, text, image, other
	SourcePath string `json:"source_path"`
	TargetPath string `json:"target_path"`
	FileType   string `json:"file_type"`
	Status     string `json:"status"`
	Size       int64  `json:"size"`
	Content    string `json:"content,omitempty"`
	DecodedURL string `json:"decoded_url,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// PreviewFile resolves a sub-task by source path and previews its target:
// STRM stubs return the URL raw and percent-decoded; text files stream up
// to 1 MiB with a 10,000 character cap; images and everything else return
// metadata only.
func (e *Engine) PreviewFile(taskID uint, caller, sourcePath string) (*Preview, error) {
	if _, err := e.loadOwnedTask(taskID, caller); err != nil {
		return nil, err
	}

	sub, err := e.storage.GetSubTaskBySource(taskID, sourcePath)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no file at %s", ErrNotFound, sourcePath)
		}
		return nil, err
	}

	p := &Preview{
		Kind:       "other",
		SourcePath: sub.SourcePath,
		TargetPath: sub.TargetPath,
		FileType:   sub.FileType,
		Status:     sub.Status,
		Size:       sub.FileSize,
	}
	if sub.TargetPath == "" {
		return p, nil
	}

	ext := strings.ToLower(filepath.Ext(sub.TargetPath))
	switch {
	case ext == ".strm":
		p.Kind = "strm"
		data, err := os.ReadFile(sub.TargetPath)
		if err != nil {
			return p, nil
		}
		raw := strings.TrimSpace(string(data))
		p.Content = raw
		if decoded, err := url.PathUnescape(raw); err == nil {
			p.DecodedURL = decoded
		} else {
			p.DecodedURL = raw
		}
	case textPreviewExts[ext]:
		p.Kind = "text"
		content, truncated, err := readTextPreview(sub.TargetPath)
		if err != nil {
			return p, nil
		}
		p.Content = content
		p.Truncated = truncated
	case imagePreviewExts[ext]:
		p.Kind = "image"
		if info, err := os.Stat(sub.TargetPath); err == nil {
			p.Size = info.Size()
		}
	}

	return p, nil
}

// readTextPreview reads at most previewMaxBytes, decodes through the
// UTF-8 / GBK / Latin-1 fallback chain and caps the rune count.
func readTextPreview(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, previewMaxBytes))
	if err != nil {
		return "", false, err
	}

	text := decodeTextFallback(data)

	truncated := len(data) == previewMaxBytes
	runes := []rune(text)
	if len(runes) > previewMaxChars {
		runes = runes[:previewMaxChars]
		truncated = true
	}
	return string(runes), truncated, nil
}

// decodeTextFallback tries UTF-8, then GBK, then Latin-1 (which cannot
// fail, it just maps bytes).
func decodeTextFallback(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	if out, err := simplifiedchinese.GBK.NewDecoder().Bytes(data); err == nil && utf8.Valid(out) {
		return string(out)
	}
	out, _ := charmap.ISO8859_1.NewDecoder().Bytes(data)
	return string(out)
}
