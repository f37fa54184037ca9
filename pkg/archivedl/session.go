// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const sessionFilePrefix = "ia-get-session-"

// sessionFileName builds the canonical session file name for an identifier
// and a unix-seconds timestamp (§4.6, §6).
func sessionFileName(sanitizedID string, unixSeconds int64) string {
	return fmt.Sprintf("%s%s-%d.json", sessionFilePrefix, sanitizedID, unixSeconds)
}

// findLatestSession scans dir for the newest session file matching
// identifier, matched by both its sanitized and raw form for backward
// compatibility (§4.6). Returns "" if none match.
func findLatestSession(dir, identifier string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", &FilesystemError{Path: dir, Op: "readdir", Err: err}
	}

	sanitized := SanitizeIdentifier(identifier)
	prefixes := []string{
		sessionFilePrefix + sanitized + "-",
		sessionFilePrefix + identifier + "-",
	}

	var best string
	var bestTS int64 = -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		for _, p := range prefixes {
			if !strings.HasPrefix(name, p) || !strings.HasSuffix(name, ".json") {
				continue
			}
			tsStr := strings.TrimSuffix(strings.TrimPrefix(name, p), ".json")
			ts, err := strconv.ParseInt(tsStr, 10, 64)
			if err != nil {
				continue
			}
			if ts > bestTS {
				bestTS = ts
				best = filepath.Join(dir, name)
			}
		}
	}
	return best, nil
}

// CreateOrResumeSession implements §4.6 create_or_resume: it picks the
// newest matching session for identifier; if present and loadable, merges
// in any newly requested files as Pending without disturbing existing
// statuses; otherwise creates a fresh session with every requested file
// Pending.
func CreateOrResumeSession(sessionDir, originalURL, identifier string, metadata ItemMetadata, cfg DownloadConfig, requestedFiles []string) (*Session, error) {
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, &FilesystemError{Path: sessionDir, Op: "mkdir", Err: err}
	}

	existingPath, err := findLatestSession(sessionDir, identifier)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if existingPath != "" {
		sess, err := loadSession(existingPath)
		if err == nil {
			mergeRequestedFiles(sess, requestedFiles)
			sess.LastUpdated = now
			sess.path = sessionNewPath(sessionDir, identifier, now)
			return sess, nil
		}
		// Unreadable existing session: fall through and create fresh.
	}

	sess := &Session{
		OriginalURL:     originalURL,
		Identifier:      identifier,
		ArchiveMetadata: metadata,
		DownloadConfig:  cfg,
		RequestedFiles:  append([]string(nil), requestedFiles...),
		FileStatus:      make(map[string]*FileStatus, len(requestedFiles)),
		SessionStart:    now,
		LastUpdated:     now,
		path:            sessionNewPath(sessionDir, identifier, now),
	}
	byName := make(map[string]FileEntry, len(metadata.Files))
	for _, f := range metadata.Files {
		byName[f.Name] = f
	}
	for _, name := range requestedFiles {
		sess.FileStatus[name] = &FileStatus{
			FileInfo: byName[name],
			Status:   StatePending,
		}
	}
	return sess, nil
}

func sessionNewPath(dir, identifier string, t time.Time) string {
	return filepath.Join(dir, sessionFileName(SanitizeIdentifier(identifier), t.Unix()))
}

func mergeRequestedFiles(sess *Session, requestedFiles []string) {
	existing := make(map[string]bool, len(sess.RequestedFiles))
	for _, n := range sess.RequestedFiles {
		existing[n] = true
	}
	for _, name := range requestedFiles {
		if existing[name] {
			continue
		}
		sess.RequestedFiles = append(sess.RequestedFiles, name)
		var fi FileEntry
		for _, f := range sess.ArchiveMetadata.Files {
			if f.Name == name {
				fi = f
				break
			}
		}
		sess.FileStatus[name] = &FileStatus{FileInfo: fi, Status: StatePending}
		existing[name] = true
	}
}

func loadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FilesystemError{Path: path, Op: "read", Err: err}
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, &FilesystemError{Path: path, Op: "unmarshal", Err: err}
	}
	sess.path = path
	return &sess, nil
}

// SaveSession atomically persists sess to its path: write temp, fsync,
// rename (§4.6, §5 "write-temp-then-rename").
func SaveSession(sess *Session) error {
	if sess.path == "" {
		return &FilesystemError{Path: "", Op: "save", Err: fmt.Errorf("session has no path")}
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return &FilesystemError{Path: sess.path, Op: "marshal", Err: err}
	}

	dir := filepath.Dir(sess.path)
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return &FilesystemError{Path: sess.path, Op: "create-temp", Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &FilesystemError{Path: sess.path, Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &FilesystemError{Path: sess.path, Op: "fsync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &FilesystemError{Path: sess.path, Op: "close", Err: err}
	}
	if err := os.Rename(tmpPath, sess.path); err != nil {
		return &FilesystemError{Path: sess.path, Op: "rename", Err: err}
	}
	return nil
}

// Path returns the on-disk location of sess's session document.
func (s *Session) Path() string { return s.path }

// UpdateStatus mutates a file's status in place and bumps LastUpdated
// (§4.6 update_status).
func (s *Session) UpdateStatus(name string, mutate func(*FileStatus)) {
	fs, ok := s.FileStatus[name]
	if !ok {
		return
	}
	mutate(fs)
	s.LastUpdated = time.Now().UTC()
}

// PendingNames returns requested files whose status is Pending or Failed,
// in requested order (§4.9 step 2).
func (s *Session) PendingNames() []string {
	var out []string
	for _, name := range s.RequestedFiles {
		fs, ok := s.FileStatus[name]
		if !ok {
			continue
		}
		if fs.Status == StatePending || fs.Status == StateFailed {
			out = append(out, name)
		}
	}
	return out
}
