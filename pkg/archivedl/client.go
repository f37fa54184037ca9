// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 30 * time.Second
	appVersion            = "1.0.0"
)

// buildUserAgent constructs the default user-agent string: application name
// and version plus OS/arch, with an optional caller-supplied suffix.
func buildUserAgent(suffix string) string {
	ua := fmt.Sprintf("archivedl/%s (%s; %s)", appVersion, runtime.GOOS, runtime.GOARCH)
	if suffix != "" {
		ua += " " + suffix
	}
	return ua
}

// buildHTTPClient creates the single long-lived client shared by every
// component that talks to archive.org. The transport is tuned for many
// concurrent idle-then-bursty connections, one per in-flight file.
func buildHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}
}

// setStandardHeaders applies the §4.2 headers common to every outgoing
// request: user-agent and encoding negotiation.
func setStandardHeaders(req *http.Request, userAgent string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", "deflate, gzip")
}

// setBulkFileHeaders additionally marks a request as a bulk/batch file GET,
// asking the server to deprioritize it relative to interactive traffic.
func setBulkFileHeaders(req *http.Request, userAgent string) {
	setStandardHeaders(req, userAgent)
	req.Header.Set("X-Accept-Reduced-Priority", "1")
}

// errorClass is the C2 transient-error taxonomy.
type errorClass int

const (
	classPermanent errorClass = iota
	classTransient
	classRateLimited
	classNotFound
)

// classifyError classifies a completed response plus/or transport error
// into the §4.2 buckets. resp may be nil when err is a transport failure.
func classifyError(resp *http.Response, err error) errorClass {
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") {
			return classTransient
		}
		return classPermanent
	}
	if resp == nil {
		return classTransient
	}
	switch {
	case resp.StatusCode == 429:
		return classRateLimited
	case resp.StatusCode == 404:
		return classNotFound
	case resp.StatusCode == 501:
		return classPermanent
	case resp.StatusCode >= 500 && resp.StatusCode <= 599:
		return classTransient
	case resp.StatusCode >= 400 && resp.StatusCode <= 499:
		return classPermanent
	default:
		return classPermanent
	}
}
