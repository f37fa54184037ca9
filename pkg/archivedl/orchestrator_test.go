// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeFetcher simulates C8 for orchestrator tests: it counts concurrent
// in-flight calls, fails files whose name is in failNames, and otherwise
// succeeds after a short simulated transfer.
type fakeFetcher struct {
	mu            sync.Mutex
	inFlight      int32
	maxInFlight   int32
	failNames     map[string]bool
	delay         time.Duration
	progressSteps int64 // bytes reported per emitted file_progress event, when > 0
}

func (f *fakeFetcher) downloadFile(ctx context.Context, entry FileEntry, itemDir, outputDir string, workableServers []string, cfg DownloadConfig, emit ProgressFunc, speed *speedTracker) (string, int, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	if n > f.maxInFlight {
		f.maxInFlight = n
	}
	f.mu.Unlock()

	if f.progressSteps > 0 && emit != nil {
		emit(ProgressEvent{Event: "file_progress", CurrentFile: entry.Name, BytesDownloaded: f.progressSteps})
		emit(ProgressEvent{Event: "file_progress", CurrentFile: entry.Name, BytesDownloaded: 2 * f.progressSteps})
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}

	if f.failNames[entry.Name] {
		return "", 1, fmt.Errorf("simulated failure for %s", entry.Name)
	}
	return "serverA", 0, nil
}

func newTestSession(t *testing.T, names []string, concurrency int) *Session {
	t.Helper()
	fileStatus := make(map[string]*FileStatus, len(names))
	for _, n := range names {
		fileStatus[n] = &FileStatus{Status: StatePending, FileInfo: FileEntry{Name: n}}
	}
	return &Session{
		Identifier:     "nasa",
		RequestedFiles: names,
		FileStatus:     fileStatus,
		DownloadConfig: DownloadConfig{Concurrency: concurrency, OutputDir: t.TempDir()},
		path:           t.TempDir() + "/session.json",
		ArchiveMetadata: ItemMetadata{
			Dir:             "/0/items/nasa",
			WorkableServers: []string{"ia800000.us.archive.org"},
		},
	}
}

func TestOrchestratorRespectsConcurrencyBound(t *testing.T) {
	names := make([]string, 20)
	for i := range names {
		names[i] = fmt.Sprintf("file-%d", i)
	}
	sess := newTestSession(t, names, 3)

	fake := &fakeFetcher{failNames: map[string]bool{}, delay: 10 * time.Millisecond}
	orch := &Orchestrator{downloader: fake, speed: newSpeedTracker()}

	if err := orch.Run(context.Background(), sess, sess.DownloadConfig.OutputDir, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if fake.maxInFlight > 3 {
		t.Errorf("observed %d concurrent downloads, want <= 3", fake.maxInFlight)
	}
	for _, name := range names {
		if sess.FileStatus[name].Status != StateCompleted {
			t.Errorf("file %s: expected Completed, got %s", name, sess.FileStatus[name].Status)
		}
	}
}

func TestOrchestratorDoesNotFailFast(t *testing.T) {
	names := []string{"good-1", "bad-1", "good-2", "bad-2", "good-3"}
	sess := newTestSession(t, names, 2)

	fake := &fakeFetcher{failNames: map[string]bool{"bad-1": true, "bad-2": true}}
	orch := &Orchestrator{downloader: fake, speed: newSpeedTracker()}

	if err := orch.Run(context.Background(), sess, sess.DownloadConfig.OutputDir, nil); err != nil {
		t.Fatalf("Run must not return an error when only individual files fail: %v", err)
	}

	for _, name := range []string{"good-1", "good-2", "good-3"} {
		if sess.FileStatus[name].Status != StateCompleted {
			t.Errorf("file %s: expected Completed, got %s", name, sess.FileStatus[name].Status)
		}
	}
	for _, name := range []string{"bad-1", "bad-2"} {
		fs := sess.FileStatus[name]
		if fs.Status != StateFailed {
			t.Errorf("file %s: expected Failed, got %s", name, fs.Status)
		}
		if fs.ErrorMessage == "" {
			t.Errorf("file %s: expected error_message to be recorded", name)
		}
	}
}

func TestOrchestratorPendingNamesEmptyIsNoOp(t *testing.T) {
	sess := newTestSession(t, []string{"a"}, 2)
	sess.FileStatus["a"].Status = StateCompleted

	fake := &fakeFetcher{failNames: map[string]bool{}}
	orch := &Orchestrator{downloader: fake, speed: newSpeedTracker()}

	if err := orch.Run(context.Background(), sess, sess.DownloadConfig.OutputDir, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fake.maxInFlight != 0 {
		t.Errorf("expected no downloads to be attempted, got maxInFlight=%d", fake.maxInFlight)
	}
}

func TestOrchestratorBytesDownloadedMonotonic(t *testing.T) {
	// FileStatus.BytesDownloaded must track file_progress events live and
	// monotonically while in flight, then reflect the full declared size
	// once Completed.
	sess := newTestSession(t, []string{"a"}, 1)
	sess.FileStatus["a"].FileInfo = FileEntry{Name: "a", Size: FlexInt{Value: int64p(100)}}

	var seen []int64
	var mu sync.Mutex
	progress := func(ev ProgressEvent) {
		if ev.Event != "file_progress" {
			return
		}
		mu.Lock()
		seen = append(seen, ev.BytesDownloaded)
		mu.Unlock()
	}

	fake := &fakeFetcher{failNames: map[string]bool{}, progressSteps: 40}
	orch := &Orchestrator{downloader: fake, speed: newSpeedTracker()}

	if err := orch.Run(context.Background(), sess, sess.DownloadConfig.OutputDir, progress); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(seen) != 2 || seen[0] != 40 || seen[1] != 80 {
		t.Fatalf("expected file_progress events [40 80], got %v", seen)
	}
	if got := sess.FileStatus["a"].BytesDownloaded; got != 100 {
		t.Errorf("expected final bytes_downloaded to reflect the declared size 100, got %d", got)
	}
}

func TestOrchestratorBytesDownloadedTracksLiveWithoutKnownSize(t *testing.T) {
	// When the declared size is unknown, the completed branch must not
	// stomp the live-tracked value back to zero.
	sess := newTestSession(t, []string{"a"}, 1)
	sess.FileStatus["a"].FileInfo = FileEntry{Name: "a"}

	fake := &fakeFetcher{failNames: map[string]bool{}, progressSteps: 40}
	orch := &Orchestrator{downloader: fake, speed: newSpeedTracker()}

	if err := orch.Run(context.Background(), sess, sess.DownloadConfig.OutputDir, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sess.FileStatus["a"].BytesDownloaded; got != 80 {
		t.Errorf("expected live-tracked bytes_downloaded of 80 to survive completion, got %d", got)
	}
}

func TestOrchestratorCancellation(t *testing.T) {
	names := []string{"a", "b", "c"}
	sess := newTestSession(t, names, 1)

	fake := &fakeFetcher{failNames: map[string]bool{}, delay: 200 * time.Millisecond}
	orch := &Orchestrator{downloader: fake, speed: newSpeedTracker()}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := orch.Run(ctx, sess, sess.DownloadConfig.OutputDir, nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
