// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	defaultConcurrency = 4
	maxConcurrency     = 16
)

// Plan is the result of PlanOnly: the working set a real run would have
// attempted, without any network transfer.
type Plan struct {
	Identifier  string
	MetadataURL string
	WorkingSet  []FileEntry
	Session     *Session
}

// Download is the engine's single entry point (§6): it runs C1 through C9
// to completion (or until ctx is cancelled) and returns the resulting
// session plus accumulated API statistics.
func Download(ctx context.Context, req DownloadRequest, progress ProgressFunc) (*DownloadOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := slog.Default().With("component", "archivedl")

	cfg, identifier, metadataURL, err := prepareRequest(req)
	if err != nil {
		return nil, err
	}

	pc := newProgressChannel(progress)
	defer pc.Close()
	emit := pc.AsFunc()

	stats := &APIStats{}
	userAgent := buildUserAgent(req.UserAgentSuffix)
	httpc := buildHTTPClient(defaultRequestTimeout)
	mc := newMetadataClient(httpc, userAgent, stats, logger)

	emit(ProgressEvent{Event: "scan_start", Status: fmt.Sprintf("fetching metadata for %s", identifier)})

	meta, err := mc.FetchMetadata(ctx, metadataURL, emit)
	if err != nil {
		return nil, err
	}
	if len(meta.WorkableServers) == 0 && len(meta.Files) > 0 {
		return nil, fmt.Errorf("%w: item has files but no workable_servers", ErrConfigurationInvalid)
	}

	spec := filterSpecFromRequest(req)
	workingSet := FilterFiles(meta.Files, spec)
	if len(workingSet) == 0 {
		return nil, ErrNoFilesMatched
	}

	names := make([]string, len(workingSet))
	for i, f := range workingSet {
		names[i] = f.Name
	}

	sessionDir := req.SessionDir
	if sessionDir == "" {
		sessionDir = defaultSessionDir()
	}

	sess, err := CreateOrResumeSession(sessionDir, req.IdentifierOrURL, identifier, *meta, cfg, names)
	if err != nil {
		return nil, err
	}
	if err := SaveSession(sess); err != nil {
		return nil, err
	}

	if req.DryRun {
		emit(ProgressEvent{Event: "done", Status: "dry run complete"})
		return &DownloadOutcome{Session: sess, APIStats: stats, DryRun: true}, nil
	}

	itemOutputDir := filepath.Join(cfg.OutputDir, SanitizeIdentifier(identifier))
	if err := os.MkdirAll(itemOutputDir, 0o755); err != nil {
		return nil, &FilesystemError{Path: itemOutputDir, Op: "mkdir", Err: err}
	}

	fd := newFileDownloader(httpc, userAgent, stats)
	orch := NewOrchestrator(fd)

	if err := orch.Run(ctx, sess, itemOutputDir, emit); err != nil {
		return &DownloadOutcome{Session: sess, APIStats: stats}, err
	}

	return &DownloadOutcome{Session: sess, APIStats: stats}, nil
}

// PlanOnly runs C1-C4 and C6 without launching any C8 task, mirroring the
// §6 dry_run behavior as a standalone call for front-ends that only want to
// preview a run.
func PlanOnly(ctx context.Context, req DownloadRequest) (*Plan, error) {
	req.DryRun = true
	outcome, err := Download(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	workingSet := make([]FileEntry, 0, len(outcome.Session.RequestedFiles))
	for _, name := range outcome.Session.RequestedFiles {
		if fs, ok := outcome.Session.FileStatus[name]; ok {
			workingSet = append(workingSet, fs.FileInfo)
		}
	}
	_, metadataURL, _ := NormalizeIdentifier(req.IdentifierOrURL)
	return &Plan{
		Identifier:  outcome.Session.Identifier,
		MetadataURL: metadataURL,
		WorkingSet:  workingSet,
		Session:     outcome.Session,
	}, nil
}

func prepareRequest(req DownloadRequest) (DownloadConfig, string, string, error) {
	if req.OutputDir == "" {
		return DownloadConfig{}, "", "", fmt.Errorf("%w: output_dir is required", ErrConfigurationInvalid)
	}
	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if concurrency > maxConcurrency {
		concurrency = maxConcurrency
	}

	identifier, metadataURL, err := NormalizeIdentifier(req.IdentifierOrURL)
	if err != nil {
		return DownloadConfig{}, "", "", err
	}

	cfg := DownloadConfig{
		OutputDir:         req.OutputDir,
		Concurrency:       concurrency,
		VerifyMD5:         req.VerifyMD5,
		PreserveMtime:     req.PreserveMtime,
		EnableCompression: req.EnableCompression,
		AutoDecompress:    req.AutoDecompress,
		DecompressFormats: req.DecompressFormats,
	}
	return cfg, identifier, metadataURL, nil
}

func filterSpecFromRequest(req DownloadRequest) FilterSpec {
	classes := req.SourceTypes
	if len(classes) == 0 {
		classes = DefaultFilterSpec().SourceClasses
	}
	return FilterSpec{
		IncludeFormats: req.IncludeFormats,
		ExcludeFormats: req.ExcludeFormats,
		MinSize:        req.MinSize,
		MaxSize:        req.MaxSize,
		SourceClasses:  classes,
	}
}

func defaultSessionDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "archivedl", "sessions")
}
