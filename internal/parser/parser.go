package parser

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// Entry is one file discovered in the tree export
type Entry struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Ext      string `json:"ext"`
	FileType string `json:"file_type"`
	IsDir    bool   `json:"is_dir"`
}

// TreeParser converts a 115 directory-tree export into typed file entries
type TreeParser struct {
	sets TypeSets
}

func NewTreeParser(sets TypeSets) *TreeParser {
	return &TreeParser{sets: sets}
}

// Parse decodes the blob and walks it line by line. Depth is the pipe
// count; the label follows the "|-" separator. A stack of components
// indexed by depth yields the virtual path; the export's synthetic root
// is stripped before emitting. Lines whose basename has no dot are
// directories and are skipped.
func (p *TreeParser) Parse(data []byte) ([]Entry, error) {
	text, err := decode(data)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	var stack []string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimPrefix(line, "\ufeff")
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			continue
		}

		// Every pipe on the line counts toward depth, including the
		// one in the "|-" separator.
		depth := strings.Count(line, "|")

		name := line
		if idx := strings.LastIndex(line, "|-"); idx >= 0 {
			name = line[idx+2:]
		} else {
			name = strings.TrimLeft(line, "| ")
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		// Pop to the parent of this depth; a sibling at the same
		// depth replaces the previous component.
		for len(stack) > depth {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == depth && len(stack) > 0 {
			stack = stack[:len(stack)-1]
		}
		// A depth jump of more than one is tolerated by padding
		for len(stack) < depth-1 {
			stack = append(stack, "")
		}
		stack = append(stack, name)

		base := path.Base(name)
		if !strings.Contains(base, ".") || strings.HasSuffix(name, "/") {
			continue
		}

		full := "/" + strings.Join(stack, "/")
		full = stripRoot(full)

		ext := strings.TrimPrefix(path.Ext(base), ".")
		entries = append(entries, Entry{
			Path:     full,
			Name:     base,
			Ext:      strings.ToLower(ext),
			FileType: p.sets.Classify(ext),
		})
	}

	return entries, nil
}

// stripRoot removes the first top-level component (the drive name the
// export prepends). Single-component paths are kept as-is.
func stripRoot(p string) string {
	if len(p) < 2 {
		return p
	}
	idx := strings.Index(p[1:], "/")
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

// decode returns the blob as UTF-8 text. Valid UTF-8 passes through; the
// GB18030 path covers the GBK exports the drive emits; anything else goes
// through charset detection.
func decode(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return string(data), nil
	}

	if out, err := simplifiedchinese.GB18030.NewDecoder().Bytes(data); err == nil && !bytes.ContainsRune(out, utf8.RuneError) {
		return string(out), nil
	}

	enc, name, _ := charset.DetermineEncoding(data, "")
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), enc.NewDecoder()))
	if err != nil {
		return "", fmt.Errorf("undecodable input (%s) near byte %d: %w", name, badByteOffset(data), err)
	}
	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("undecodable input (%s) near byte %d", name, badByteOffset(data))
	}
	return string(decoded), nil
}

// badByteOffset locates the first byte that breaks UTF-8 decoding, for
// error reporting only.
func badByteOffset(data []byte) int {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return len(data)
}
