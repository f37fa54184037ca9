// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

const (
	maxServerAttempts  = 3
	resumeRetryPause   = 1 * time.Second
	fileProgressThrottle = 200 * time.Millisecond
)

// fileDownloader downloads one FileEntry to disk per §4.8.
type fileDownloader struct {
	httpc     *http.Client
	userAgent string
	stats     *APIStats
}

func newFileDownloader(httpc *http.Client, userAgent string, stats *APIStats) *fileDownloader {
	return &fileDownloader{httpc: httpc, userAgent: userAgent, stats: stats}
}

// progressReader wraps an io.Reader, throttling emission of file_progress
// events to at most once per fileProgressThrottle.
type progressReader struct {
	reader     io.Reader
	total      int64
	name       string
	emit       ProgressFunc
	downloaded int64
	lastEmit   time.Time
	speed      *speedTracker
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)
		if pr.speed != nil {
			pr.speed.addBytes(int64(n))
		}
		if pr.emit != nil && (time.Since(pr.lastEmit) >= fileProgressThrottle || err == io.EOF) {
			var speed float64
			if pr.speed != nil {
				speed = pr.speed.value()
			}
			pr.emit(ProgressEvent{
				Time:            time.Now(),
				Event:           "file_progress",
				CurrentFile:     pr.name,
				BytesDownloaded: pr.downloaded,
				SpeedBytesPerS:  speed,
			})
			pr.lastEmit = time.Now()
		}
	}
	return n, err
}

// downloadFile implements the §4.8 algorithm: skip when already verified,
// otherwise make up to maxServerAttempts passes over the workable servers,
// trying each server in order on every pass, streaming into <target>.tmp
// with ranged resume, verifying, renaming atomically, and optionally
// decompressing.
func (fd *fileDownloader) downloadFile(ctx context.Context, entry FileEntry, itemDir string, dir string, workableServers []string, cfg DownloadConfig, emit ProgressFunc, speed *speedTracker) (serverUsed string, retries int, finalErr error) {
	name := SanitizeFilename(filepath.ToSlash(entry.Name))
	target := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", 0, &FilesystemError{Path: target, Op: "mkdir", Err: err}
	}
	if err := ValidatePathLength(dir, name); err != nil {
		return "", 0, err
	}

	if _, err := os.Stat(target); err == nil {
		if cfg.VerifyMD5 {
			if entry.MD5 != "" || strings.HasSuffix(strings.ToLower(entry.Name), ".xml") {
				if verr := VerifyFile(ctx, target, entry); verr == nil {
					return "", 0, errSkipped
				}
				// Falls through to re-download on verification failure.
			} else {
				return "", 0, errSkipped
			}
		} else {
			return "", 0, errSkipped
		}
	}

	if len(workableServers) == 0 {
		return "", 0, fmt.Errorf("%w: no workable servers for %s", ErrConfigurationInvalid, entry.Name)
	}

	tmpPath := target + ".tmp"
	var lastErr error

attempts:
	for attempt := 0; attempt < maxServerAttempts; attempt++ {
		for _, server := range workableServers {
			if err := ctx.Err(); err != nil {
				return serverUsed, retries, err
			}

			ok, err := fd.attemptServer(ctx, server, itemDir, entry, tmpPath, emit, speed)
			if ok {
				serverUsed = server
				break attempts
			}
			lastErr = err
			retries++
			if fd.stats != nil {
				atomic.AddInt64(&fd.stats.Retries, 1)
			}
			if emit != nil {
				emit(ProgressEvent{Time: time.Now(), Event: "retry", CurrentFile: entry.Name, Status: err.Error()})
			}

			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				if httpErr.StatusCode == http.StatusNotFound {
					return serverUsed, retries, err
				}
				if httpErr.StatusCode == http.StatusTooManyRequests {
					d := backoffSeconds(60, attempt)
					if !sleepCtx(ctx, d) {
						return serverUsed, retries, ctx.Err()
					}
					continue
				}
				if httpErr.StatusCode == http.StatusServiceUnavailable {
					d := backoffSeconds(30, attempt)
					if !sleepCtx(ctx, d) {
						return serverUsed, retries, ctx.Err()
					}
					continue
				}
			}
			if !sleepCtx(ctx, resumeRetryPause) {
				return serverUsed, retries, ctx.Err()
			}
		}
	}

	if serverUsed == "" {
		if lastErr == nil {
			lastErr = fmt.Errorf("archivedl: all servers failed for %s", entry.Name)
		}
		return "", retries, lastErr
	}

	if err := VerifyFile(ctx, tmpPath, entry); err != nil {
		os.Remove(tmpPath)
		return serverUsed, retries, err
	}

	if cfg.PreserveMtime {
		if mt, ok := entry.Mtime.Int64(); ok {
			mtime := time.Unix(mt, 0)
			_ = os.Chtimes(tmpPath, mtime, mtime)
		}
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return serverUsed, retries, &FilesystemError{Path: target, Op: "rename", Err: err}
	}

	if cfg.AutoDecompress && formatInSet(entry.Format, cfg.DecompressFormats) {
		if err := Decompress(target, entry.Format); err != nil && emit != nil {
			emit(ProgressEvent{Time: time.Now(), Event: "warning", CurrentFile: name, Status: fmt.Sprintf("decompress failed: %v", err)})
		}
	}

	return serverUsed, retries, nil
}

// errSkipped is a sentinel used internally to signal that a file was
// skipped because it already exists and verifies.
var errSkipped = errors.New("archivedl: file already present and verified")

// attemptServer performs one GET (with Range resume when a .tmp exists)
// against one server and streams the body into tmpPath.
func (fd *fileDownloader) attemptServer(ctx context.Context, server string, itemDir string, entry FileEntry, tmpPath string, emit ProgressFunc, speed *speedTracker) (bool, error) {
	urlStr := fmt.Sprintf("https://%s%s/%s", server, itemDir, pathEscapeSegments(entry.Name))

	var resumeOffset int64
	if fi, err := os.Stat(tmpPath); err == nil && fi.Size() > 0 {
		resumeOffset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return false, &HTTPError{URL: urlStr, Err: err}
	}
	setBulkFileHeaders(req, fd.userAgent)
	if resumeOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeOffset))
	}

	resp, err := fd.httpc.Do(req)
	if fd.stats != nil {
		fd.stats.RequestsIssued++
	}
	if err != nil {
		return false, &HTTPError{URL: urlStr, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		// proceed
	default:
		return false, &HTTPError{URL: urlStr, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		resumeOffset = 0
	}
	out, err := os.OpenFile(tmpPath, flags, 0o644)
	if err != nil {
		return false, &FilesystemError{Path: tmpPath, Op: "open", Err: err}
	}
	defer out.Close()

	expectedSize, hasSize := entry.Size.Int64()
	pr := &progressReader{reader: resp.Body, total: expectedSize, name: entry.Name, emit: emit, downloaded: resumeOffset, speed: speed}

	written, cerr := io.Copy(out, pr)
	if fd.stats != nil {
		fd.stats.BytesReceived += written
	}
	if cerr != nil {
		msg := strings.ToLower(cerr.Error())
		if strings.Contains(msg, "decode") || strings.Contains(msg, "decompress") {
			return false, &HTTPError{URL: urlStr, Err: fmt.Errorf("compression stream error: %w", cerr)}
		}
		return false, &HTTPError{URL: urlStr, Err: cerr}
	}

	if hasSize {
		fi, err := os.Stat(tmpPath)
		if err == nil && fi.Size() != expectedSize {
			return false, fmt.Errorf("archivedl: size mismatch for %s: got %d want %d", entry.Name, fi.Size(), expectedSize)
		}
	}

	return true, nil
}

func backoffSeconds(cap int, attempt int) time.Duration {
	d := 1 << attempt
	if d > cap {
		d = cap
	}
	return time.Duration(d) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func formatInSet(format string, set []string) bool {
	for _, s := range set {
		if strings.EqualFold(s, format) {
			return true
		}
	}
	return false
}
