package parser

import (
	"strings"

	"strmforge/internal/storage"
)

// TypeSets holds the five configured extension sets. Matching order is
// fixed: video, audio, image, subtitle, metadata; first match wins.
type TypeSets struct {
	ordered []typedSet
}

type typedSet struct {
	fileType string
	exts     map[string]struct{}
}

// SplitExts parses a comma-separated extension list: lower-cased,
// dot-stripped, blanks dropped. Duplicates are preserved so the validator
// can report them.
func SplitExts(list string) []string {
	var out []string
	for _, raw := range strings.Split(list, ",") {
		ext := strings.ToLower(strings.TrimSpace(raw))
		ext = strings.TrimPrefix(ext, ".")
		if ext != "" {
			out = append(out, ext)
		}
	}
	return out
}

func toSet(list string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, ext := range SplitExts(list) {
		set[ext] = struct{}{}
	}
	return set
}

// NewTypeSets builds the classifier from a settings snapshot
func NewTypeSets(s storage.Settings) TypeSets {
	return TypeSets{ordered: []typedSet{
		{storage.TypeVideo, toSet(s.VideoExts)},
		{storage.TypeAudio, toSet(s.AudioExts)},
		{storage.TypeImage, toSet(s.ImageExts)},
		{storage.TypeSubtitle, toSet(s.SubtitleExts)},
		{storage.TypeMetadata, toSet(s.MetadataExts)},
	}}
}

// Classify maps an extension to its category. The input may carry a
// leading dot and any casing. Unmatched extensions are "other".
func (t TypeSets) Classify(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	for _, set := range t.ordered {
		if _, ok := set.exts[ext]; ok {
			return set.fileType
		}
	}
	return storage.TypeOther
}
