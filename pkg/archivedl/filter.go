// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"path/filepath"
	"strings"
)

// FilterFiles returns the ordered working set: files in files satisfying
// spec, in source order. It is deterministic and side-effect-free, and the
// result is always a subsequence of files (§4.4, §8.4).
func FilterFiles(files []FileEntry, spec FilterSpec) []FileEntry {
	classes := spec.SourceClasses
	if len(classes) == 0 {
		classes = DefaultFilterSpec().SourceClasses
	}

	out := make([]FileEntry, 0, len(files))
	for _, f := range files {
		if !sourceClassAllowed(f.Source, classes) {
			continue
		}
		if len(spec.IncludeFormats) > 0 && !formatMatches(f, spec.IncludeFormats) {
			continue
		}
		if len(spec.ExcludeFormats) > 0 && formatMatches(f, spec.ExcludeFormats) {
			continue
		}
		if !sizeInBounds(f, spec.MinSize, spec.MaxSize) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func sourceClassAllowed(s SourceClass, classes []SourceClass) bool {
	for _, c := range classes {
		if c == s {
			return true
		}
	}
	return false
}

// formatMatches reports whether f's format label or filename extension
// case-insensitively matches any entry in labels.
func formatMatches(f FileEntry, labels []string) bool {
	ext := strings.TrimPrefix(filepath.Ext(f.Name), ".")
	for _, l := range labels {
		if strings.EqualFold(l, f.Format) || strings.EqualFold(l, ext) {
			return true
		}
	}
	return false
}

// sizeInBounds reports whether f's size (when known) lies within
// [min, max] inclusive. A missing size always passes (§4.4, §8 boundary
// behavior).
func sizeInBounds(f FileEntry, min, max *int64) bool {
	size, known := f.Size.Int64()
	if !known {
		return true
	}
	if min != nil && size < *min {
		return false
	}
	if max != nil && size > *max {
		return false
	}
	return true
}
