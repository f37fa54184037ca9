// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateOrResumeSessionFresh(t *testing.T) {
	dir := t.TempDir()
	meta := ItemMetadata{
		Dir:             "/0/items/nasa",
		WorkableServers: []string{"ia800000.us.archive.org"},
		Files: []FileEntry{
			{Name: "a.jpg", Source: SourceOriginal, Format: "JPEG"},
			{Name: "b.jpg", Source: SourceOriginal, Format: "JPEG"},
		},
	}
	cfg := DownloadConfig{OutputDir: "./out", Concurrency: 2}

	sess, err := CreateOrResumeSession(dir, "nasa", "nasa", meta, cfg, []string{"a.jpg", "b.jpg"})
	if err != nil {
		t.Fatalf("CreateOrResumeSession: %v", err)
	}

	assertFileStatusInvariant(t, sess)

	if sess.SessionStart.After(sess.LastUpdated) {
		t.Errorf("session_start must be <= last_updated")
	}
}

func TestCreateOrResumeSessionMergesNewFiles(t *testing.T) {
	dir := t.TempDir()
	meta := ItemMetadata{
		Dir:             "/0/items/nasa",
		WorkableServers: []string{"ia800000.us.archive.org"},
		Files:           []FileEntry{{Name: "a.jpg", Source: SourceOriginal, Format: "JPEG"}},
	}
	cfg := DownloadConfig{OutputDir: "./out", Concurrency: 2}

	first, err := CreateOrResumeSession(dir, "nasa", "nasa", meta, cfg, []string{"a.jpg"})
	if err != nil {
		t.Fatalf("CreateOrResumeSession (first): %v", err)
	}
	first.UpdateStatus("a.jpg", func(fs *FileStatus) { fs.Status = StateCompleted })
	if err := SaveSession(first); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	meta.Files = append(meta.Files, FileEntry{Name: "b.jpg", Source: SourceOriginal, Format: "JPEG"})
	second, err := CreateOrResumeSession(dir, "nasa", "nasa", meta, cfg, []string{"a.jpg", "b.jpg"})
	if err != nil {
		t.Fatalf("CreateOrResumeSession (second): %v", err)
	}

	if second.FileStatus["a.jpg"].Status != StateCompleted {
		t.Errorf("resumed session must not disturb existing completed status")
	}
	if second.FileStatus["b.jpg"].Status != StatePending {
		t.Errorf("newly merged file must start Pending, got %s", second.FileStatus["b.jpg"].Status)
	}
	assertFileStatusInvariant(t, second)
}

func TestFindLatestSessionIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, sessionFileName("nasa", 1000))
	newer := filepath.Join(dir, sessionFileName("nasa", 2000))
	for _, p := range []string{older, newer} {
		if err := os.WriteFile(p, []byte(`{"identifier":"nasa","file_status":{}}`), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	got, err := findLatestSession(dir, "nasa")
	if err != nil {
		t.Fatalf("findLatestSession: %v", err)
	}
	if got != newer {
		t.Errorf("expected newest session %q, got %q", newer, got)
	}
}

func TestSessionSerializationRoundTrip(t *testing.T) {
	now := time.Now().UTC().Round(time.Second)
	sess := &Session{
		OriginalURL:  "nasa",
		Identifier:   "nasa",
		SessionStart: now,
		LastUpdated:  now,
		RequestedFiles: []string{"a.jpg"},
		FileStatus: map[string]*FileStatus{
			"a.jpg": {Status: StatePending, FileInfo: FileEntry{Name: "a.jpg"}},
		},
	}

	data, err := json.Marshal(sess)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Session
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Identifier != sess.Identifier || got.OriginalURL != sess.OriginalURL {
		t.Errorf("round trip mismatch: got %+v want %+v", got, sess)
	}
	if !got.SessionStart.Equal(sess.SessionStart) {
		t.Errorf("session_start mismatch: got %v want %v", got.SessionStart, sess.SessionStart)
	}
	if len(got.FileStatus) != len(sess.FileStatus) {
		t.Errorf("file_status length mismatch: got %d want %d", len(got.FileStatus), len(sess.FileStatus))
	}
}

func TestSaveSessionAtomicNoTmpLeftover(t *testing.T) {
	dir := t.TempDir()
	sess := &Session{
		Identifier:     "nasa",
		RequestedFiles: []string{"a.jpg"},
		FileStatus:     map[string]*FileStatus{"a.jpg": {Status: StatePending}},
	}
	sess = withPath(sess, filepath.Join(dir, sessionFileName("nasa", time.Now().Unix())))

	if err := SaveSession(sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover tmp file: %s", e.Name())
		}
	}
	if _, err := os.Stat(sess.Path()); err != nil {
		t.Errorf("expected session file to exist: %v", err)
	}
}

func withPath(s *Session, path string) *Session {
	s.path = path
	return s
}

func assertFileStatusInvariant(t *testing.T, sess *Session) {
	t.Helper()
	if len(sess.FileStatus) != len(sess.RequestedFiles) {
		t.Fatalf("file_status domain size %d != requested_files size %d", len(sess.FileStatus), len(sess.RequestedFiles))
	}
	for _, name := range sess.RequestedFiles {
		if _, ok := sess.FileStatus[name]; !ok {
			t.Errorf("requested file %q missing from file_status", name)
		}
	}
}
