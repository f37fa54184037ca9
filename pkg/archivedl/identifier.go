// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"fmt"
	"net/url"
	"strings"
)

const archiveHost = "archive.org"

// NormalizeIdentifier maps any accepted input form (bare identifier, a
// details-style URL, or a metadata-style URL) to a canonical identifier and
// its metadata endpoint URL. It is idempotent: NormalizeIdentifier applied
// to its own output yields the same identifier.
func NormalizeIdentifier(input string) (identifier, metadataURL string, err error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", "", fmt.Errorf("%w: empty input", ErrInvalidIdentifier)
	}

	if looksLikeURL(s) {
		id, err := extractIdentifierFromURL(s)
		if err != nil {
			return "", "", err
		}
		return id, buildMetadataURL(id), nil
	}

	if !strings.ContainsAny(s, "/.") {
		return s, buildMetadataURL(s), nil
	}

	return "", "", fmt.Errorf("%w: %q looks URL-like but is not an archive.org URL", ErrInvalidIdentifier, input)
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func extractIdentifierFromURL(s string) (string, error) {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not a valid URL", ErrInvalidIdentifier, s)
	}
	host := strings.ToLower(u.Hostname())
	if host != archiveHost && !strings.HasSuffix(host, "."+archiveHost) {
		return "", fmt.Errorf("%w: %q is not an archive.org host", ErrInvalidIdentifier, u.Hostname())
	}

	path := strings.Trim(u.Path, "/")
	for _, prefix := range []string{"details/", "metadata/"} {
		if strings.HasPrefix(path, prefix) {
			rest := strings.TrimPrefix(path, prefix)
			id := strings.SplitN(rest, "/", 2)[0]
			if id == "" {
				return "", fmt.Errorf("%w: %q has no identifier segment", ErrInvalidIdentifier, s)
			}
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %q is not a /details/ or /metadata/ URL", ErrInvalidIdentifier, s)
}

func buildMetadataURL(identifier string) string {
	return fmt.Sprintf("https://%s/metadata/%s", archiveHost, identifier)
}
