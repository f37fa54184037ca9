// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const sessionPersistThrottle = 500 * time.Millisecond

// fileFetcher is the C8 contract the orchestrator schedules against.
// *fileDownloader is the production implementation; tests substitute a fake.
type fileFetcher interface {
	downloadFile(ctx context.Context, entry FileEntry, itemDir, outputDir string, workableServers []string, cfg DownloadConfig, emit ProgressFunc, speed *speedTracker) (serverUsed string, retries int, err error)
}

// Orchestrator runs the bounded-concurrency scheduler over a session's
// pending files (§4.9). One file's failure never fails the group; outcomes
// are recorded on the Session, which is the single in-memory source of
// truth. The per-file goroutines write their status changes to the Session
// directly; every such write, and every save of the Session, is serialized
// by one mutex inside Run.
type Orchestrator struct {
	downloader fileFetcher
	speed      *speedTracker
}

func NewOrchestrator(downloader *fileDownloader) *Orchestrator {
	return &Orchestrator{downloader: downloader, speed: newSpeedTracker()}
}

// Run implements §4.9 steps 2-7: compute the pending set, launch bounded
// concurrent tasks, merge progress, throttle persistence, and write the
// final session state before returning.
func (o *Orchestrator) Run(ctx context.Context, sess *Session, itemOutputDir string, progress ProgressFunc) error {
	pending := sess.PendingNames()
	total := len(sess.RequestedFiles)
	completed := countByStates(sess, StateCompleted, StateSkipped)

	emit := func(ev ProgressEvent) {
		if progress == nil {
			return
		}
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}
		ev.Total = total
		progress(ev)
	}

	if len(pending) == 0 {
		emit(ProgressEvent{Event: "done", Completed: completed, Status: "nothing to do"})
		return SaveSession(sess)
	}

	sem := semaphore.NewWeighted(int64(sess.DownloadConfig.Concurrency))
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var lastPersist time.Time
	var failedCount int
	persistIfDue := func(force bool) {
		mu.Lock()
		defer mu.Unlock()
		if force || time.Since(lastPersist) >= sessionPersistThrottle {
			_ = SaveSession(sess)
			lastPersist = time.Now()
		}
	}

	workableServers := sess.ArchiveMetadata.WorkableServers
	itemDir := sess.ArchiveMetadata.Dir

	for _, name := range pending {
		name := name
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			fileCtx, fileCancel := context.WithCancel(gctx)
			defer fileCancel()

			mu.Lock()
			sess.UpdateStatus(name, func(fs *FileStatus) {
				fs.Status = StateInProgress
				now := time.Now().UTC()
				fs.StartedAt = &now
			})
			mu.Unlock()
			emit(ProgressEvent{Event: "file_start", CurrentFile: name})

			entry := sess.FileStatus[name].FileInfo

			// fileEmit intercepts in-flight file_progress events to keep
			// Session.FileStatus[name].BytesDownloaded live and monotonic
			// while the transfer runs, in addition to forwarding every
			// event to the caller's progress sink.
			fileEmit := func(ev ProgressEvent) {
				if ev.Event == "file_progress" && ev.CurrentFile == name {
					mu.Lock()
					if fs, ok := sess.FileStatus[name]; ok && ev.BytesDownloaded > fs.BytesDownloaded {
						fs.BytesDownloaded = ev.BytesDownloaded
					}
					mu.Unlock()
				}
				emit(ev)
			}

			server, retries, err := o.downloader.downloadFile(fileCtx, entry, itemDir, itemOutputDir, workableServers, sess.DownloadConfig, fileEmit, o.speed)

			mu.Lock()
			switch {
			case errors.Is(err, errSkipped):
				sess.UpdateStatus(name, func(fs *FileStatus) {
					fs.Status = StateSkipped
					now := time.Now().UTC()
					fs.CompletedAt = &now
					fs.LocalPath = filepath.Join(itemOutputDir, SanitizeFilename(filepath.ToSlash(entry.Name)))
				})
				completed++
				emit(ProgressEvent{Event: "file_done", CurrentFile: name, Completed: completed, Status: "skipped"})
			case err == nil:
				sess.UpdateStatus(name, func(fs *FileStatus) {
					fs.Status = StateCompleted
					now := time.Now().UTC()
					fs.CompletedAt = &now
					fs.ServerUsed = server
					fs.RetryCount = retries
					// entry.Size is the authoritative final count when known;
					// otherwise keep whatever file_progress already tracked.
					if size, ok := entry.Size.Int64(); ok {
						fs.BytesDownloaded = size
					}
					fs.LocalPath = filepath.Join(itemOutputDir, SanitizeFilename(filepath.ToSlash(entry.Name)))
				})
				completed++
				emit(ProgressEvent{Event: "file_done", CurrentFile: name, Completed: completed})
			default:
				sess.UpdateStatus(name, func(fs *FileStatus) {
					fs.Status = StateFailed
					fs.ErrorMessage = err.Error()
					fs.RetryCount = retries
					fs.ServerUsed = server
				})
				failedCount++
				emit(ProgressEvent{Event: "error", CurrentFile: name, Failed: failedCount, Status: err.Error()})
			}
			mu.Unlock()

			persistIfDue(false)

			// Always return nil: per-file failures must not cancel the group.
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("archivedl: orchestrator wait: %w", err)
	}

	persistIfDue(true)

	if ctx.Err() != nil {
		emit(ProgressEvent{Event: "cancelled", Completed: completed, Failed: failedCount})
		return ctx.Err()
	}

	emit(ProgressEvent{Event: "done", Completed: completed, Failed: failedCount})
	return nil
}

func countByStates(sess *Session, states ...DownloadState) int {
	set := make(map[DownloadState]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	n := 0
	for _, name := range sess.RequestedFiles {
		if fs, ok := sess.FileStatus[name]; ok && set[fs.Status] {
			n++
		}
	}
	return n
}
