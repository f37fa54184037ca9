// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	metadataBackoffStart = 30 * time.Second
	metadataBackoffCap   = 600 * time.Second
	metadataMaxRetries   = 3
	bodyDiagnosticBytes  = 2048
)

// metadataClient wraps the shared *http.Client in a retryablehttp.Client
// whose CheckRetry/Backoff implement the §4.3/§5 schedule exactly: 429 is
// honored via Retry-After and never counts against the retry budget, while
// transient failures back off 30s, 60s, 120s... capped at 600s for up to 3
// tries.
type metadataClient struct {
	rc        *retryablehttp.Client
	userAgent string
	stats     *APIStats
	logger    *slog.Logger
}

func newMetadataClient(shared *http.Client, userAgent string, stats *APIStats, logger *slog.Logger) *metadataClient {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = shared
	rc.RetryMax = metadataMaxRetries
	rc.Logger = nil // silence go-retryablehttp's own logging
	mc := &metadataClient{rc: rc, userAgent: userAgent, stats: stats, logger: logger}
	rc.CheckRetry = mc.checkRetry
	rc.Backoff = mc.backoff
	return mc
}

// checkRetry implements the C3 retry policy on top of go-retryablehttp's
// customization hook: retry on transient and rate-limited responses, never
// on not-found or other permanent failures.
func (mc *metadataClient) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if mc.stats != nil {
		mc.stats.RequestsIssued++
	}
	class := classifyError(resp, err)
	switch class {
	case classRateLimited:
		if mc.stats != nil {
			mc.stats.RateLimitHits++
		}
		// A rate-limited attempt must not consume the transient retry
		// budget (§4.3): grow the ceiling by one to offset the retry
		// loop's own attempt counter before returning true.
		mc.rc.RetryMax++
		return true, nil
	case classTransient:
		return true, nil
	default:
		return false, nil
	}
}

// backoff implements the exact schedule from §4.3/§5: 429 honors
// Retry-After (seconds, default 60s); otherwise exponential from 30s
// doubling, capped at 600s. go-retryablehttp calls it once before each retry
// it performs, so metadata retries are counted here.
func (mc *metadataClient) backoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if mc.stats != nil {
		mc.stats.Retries++
	}
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return d
		}
		return 60 * time.Second
	}
	d := metadataBackoffStart * time.Duration(math.Pow(2, float64(attemptNum)))
	if d > metadataBackoffCap {
		d = metadataBackoffCap
	}
	return d
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// FetchMetadata retrieves and parses the JSON metadata document at
// metadataURL, implementing the §4.3 algorithm.
func (mc *metadataClient) FetchMetadata(ctx context.Context, metadataURL string, progress ProgressFunc) (*ItemMetadata, error) {
	// Reset the transient retry ceiling in case checkRetry grew it on a
	// prior call against this same client (rate-limited attempts bump it).
	mc.rc.RetryMax = metadataMaxRetries

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataUnreachable, err)
	}
	setStandardHeaders(req.Request, mc.userAgent)

	resp, err := mc.rc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrMetadataUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, metadataURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		prefix, _ := io.ReadAll(io.LimitReader(resp.Body, bodyDiagnosticBytes))
		return nil, &HTTPError{URL: metadataURL, StatusCode: resp.StatusCode, Status: resp.Status, Err: fmt.Errorf("body prefix: %q", string(prefix))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrMetadataUnreachable, err)
	}
	if mc.stats != nil {
		mc.stats.BytesReceived += int64(len(body))
	}

	var meta ItemMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		prefix := body
		if len(prefix) > bodyDiagnosticBytes {
			prefix = prefix[:bodyDiagnosticBytes]
		}
		return nil, fmt.Errorf("%w: %v (body prefix: %q)", ErrMetadataMalformed, err, string(prefix))
	}

	if len(meta.Files) == 0 && progress != nil {
		progress(ProgressEvent{
			Time:   time.Now(),
			Event:  "warning",
			Status: fmt.Sprintf("metadata for %s contains no files", metadataURL),
		})
	}

	return &meta, nil
}
