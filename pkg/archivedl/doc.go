// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package archivedl downloads the files belonging to a public Internet Archive
item: a concurrent, resumable, multi-server fetcher that turns a JSON
metadata document into a verified local mirror of a filtered subset of an
item's files, backed by a persistent session so an interrupted run can be
resumed without re-fetching completed work.

# Quick Start

	package main

	import (
		"context"
		"fmt"
		"log"

		"github.com/archivedl/archivedl/pkg/archivedl"
	)

	func main() {
		req := archivedl.DownloadRequest{
			IdentifierOrURL: "nasa",
			OutputDir:       "./Downloads",
			IncludeFormats:  []string{"JPEG"},
			Concurrency:     4,
			VerifyMD5:       true,
		}

		outcome, err := archivedl.Download(context.Background(), req, func(e archivedl.ProgressEvent) {
			fmt.Printf("[%s] %s (%d/%d)\n", e.Event, e.CurrentFile, e.Completed, e.Total)
		})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(outcome.Session.Identifier, "done")
	}

# Resume Behavior

A session file under the session directory records per-file status. Running
the same request again picks the newest session for the identifier, leaves
Completed/Skipped files alone, and only re-attempts files left Pending or
Failed from the prior run.

# Progress Events

The ProgressFunc callback receives an event whenever a file starts, makes
periodic progress, finishes, retries, or the whole run ends. Interior events
may be coalesced (dropped) if the consumer is slow; terminal events are
always delivered.

# Filtering

FilterSpec selects the working set by format (or filename extension),
size bounds, and source class (original, derivative, metadata). Filtering is
deterministic and preserves the metadata's file order.

# Dry Run

PlanOnly runs identifier normalization, metadata fetch, filtering, and
session creation/resume without downloading anything, returning the working
set that a real run would have attempted.
*/
package archivedl
