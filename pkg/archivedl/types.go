// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SourceClass is one of the three kinds of file the archive metadata
// distinguishes between.
type SourceClass string

const (
	SourceOriginal   SourceClass = "original"
	SourceDerivative SourceClass = "derivative"
	SourceMetadata   SourceClass = "metadata"
)

// FlexInt decodes a JSON number that may arrive as a string, a number, or
// null. A nil value means "absent"; negative values are rejected.
type FlexInt struct {
	Value *int64
}

// Int64 returns the value and whether it was present.
func (f FlexInt) Int64() (int64, bool) {
	if f.Value == nil {
		return 0, false
	}
	return *f.Value, true
}

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` || s == "" {
		f.Value = nil
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		f.Value = nil
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Tolerate floating-point encodings of integral sizes.
		var fl float64
		if fl, err = strconv.ParseFloat(s, 64); err != nil {
			return fmt.Errorf("archivedl: invalid numeric field %q: %w", s, err)
		}
		n = int64(fl)
	}
	if n < 0 {
		return fmt.Errorf("archivedl: negative numeric field %q", s)
	}
	f.Value = &n
	return nil
}

func (f FlexInt) MarshalJSON() ([]byte, error) {
	if f.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*f.Value)
}

// FileEntry is one file as listed in the item's metadata document.
type FileEntry struct {
	Name   string      `json:"name"`
	Source SourceClass `json:"source"`
	Format string      `json:"format"`
	Size   FlexInt     `json:"size"`
	Mtime  FlexInt     `json:"mtime"`
	MD5    string      `json:"md5,omitempty"`
	SHA1   string      `json:"sha1,omitempty"`
	CRC32  string      `json:"crc32,omitempty"`
	BTIH   string      `json:"btih,omitempty"`
}

// ItemMetadata is the typed form of the archive's JSON metadata document.
type ItemMetadata struct {
	Created          FlexInt           `json:"created"`
	ItemLastUpdated  FlexInt           `json:"item_last_updated"`
	Dir              string            `json:"dir"`
	Server           string            `json:"server"`
	WorkableServers  []string          `json:"workable_servers"`
	ItemSize         FlexInt           `json:"item_size"`
	FilesCount       FlexInt           `json:"files_count"`
	Files            []FileEntry       `json:"files"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// FilterSpec selects the working set of files from an ItemMetadata.
type FilterSpec struct {
	IncludeFormats []string
	ExcludeFormats []string
	MinSize        *int64
	MaxSize        *int64
	SourceClasses  []SourceClass
}

// DefaultFilterSpec returns the spec's default: originals only, no size or
// format bounds.
func DefaultFilterSpec() FilterSpec {
	return FilterSpec{SourceClasses: []SourceClass{SourceOriginal}}
}

// DownloadConfig configures the download orchestrator.
type DownloadConfig struct {
	OutputDir         string
	Concurrency       int
	VerifyMD5         bool
	PreserveMtime     bool
	EnableCompression bool
	AutoDecompress    bool
	DecompressFormats []string
}

// DownloadState is the closed set of states a FileStatus can be in.
type DownloadState string

const (
	StatePending    DownloadState = "pending"
	StateInProgress DownloadState = "in_progress"
	StateCompleted  DownloadState = "completed"
	StatePaused     DownloadState = "paused"
	StateFailed     DownloadState = "failed"
	StateSkipped    DownloadState = "skipped"
)

// Terminal reports whether the state no longer changes across runs.
func (s DownloadState) Terminal() bool {
	return s == StateCompleted || s == StateSkipped
}

// FileStatus is the durable per-file record inside a Session.
type FileStatus struct {
	FileInfo        FileEntry     `json:"file_info"`
	Status          DownloadState `json:"status"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	RetryCount      int           `json:"retry_count"`
	ServerUsed      string        `json:"server_used,omitempty"`
	LocalPath       string        `json:"local_path,omitempty"`
}

// Session is the durable per-item, per-attempt download record.
type Session struct {
	OriginalURL     string                 `json:"original_url"`
	Identifier      string                 `json:"identifier"`
	ArchiveMetadata ItemMetadata           `json:"archive_metadata"`
	DownloadConfig  DownloadConfig         `json:"download_config"`
	RequestedFiles  []string               `json:"requested_files"`
	FileStatus      map[string]*FileStatus `json:"file_status"`
	SessionStart    time.Time              `json:"session_start"`
	LastUpdated     time.Time              `json:"last_updated"`

	// path is where this session document lives on disk; not serialized.
	path string
}

// APIStats accumulates per-run counters surfaced on DownloadOutcome.
type APIStats struct {
	RequestsIssued int64 `json:"requests_issued"`
	Retries        int64 `json:"retries"`
	RateLimitHits  int64 `json:"rate_limit_hits"`
	BytesReceived  int64 `json:"bytes_received"`
}

// DownloadRequest is the engine's single entry-point argument (§6).
type DownloadRequest struct {
	IdentifierOrURL   string
	OutputDir         string
	IncludeFormats    []string
	ExcludeFormats    []string
	MinSize           *int64
	MaxSize           *int64
	Concurrency       int
	EnableCompression bool
	AutoDecompress    bool
	DecompressFormats []string
	DryRun            bool
	VerifyMD5         bool
	PreserveMtime     bool
	SourceTypes       []SourceClass

	// SessionDir overrides where session documents are read/written.
	// Empty uses the default session directory.
	SessionDir string

	// UserAgentSuffix is appended to the default user-agent string.
	UserAgentSuffix string
}

// DownloadOutcome is the result of a Download call.
type DownloadOutcome struct {
	Session  *Session
	APIStats *APIStats
	DryRun   bool
}

// ProgressEvent is a single, typed progress update delivered to a caller's
// ProgressFunc (§4.10). It never couples the engine to any UI.
type ProgressEvent struct {
	Time            time.Time
	CurrentFile     string
	Completed       int
	Total           int
	Failed          int
	BytesDownloaded int64
	SpeedBytesPerS  float64
	ETA             string
	Status          string
	Event           string // scan_start|file_start|file_progress|file_done|retry|warning|error|done|cancelled
}

// ProgressFunc receives progress events. It may be called from multiple
// goroutines concurrently and must be safe for that.
type ProgressFunc func(ProgressEvent)
