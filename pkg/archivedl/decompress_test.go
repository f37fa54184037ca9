// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestDecompressGzipSingleStream(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "payload.txt.gz")

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte("hello archivedl")); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := os.WriteFile(src, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	if err := Decompress(src, "gzip"); err != nil {
		t.Fatalf("Decompress: %v", err)
	}

	out := filepath.Join(dir, "payload.txt")
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read decompressed output: %v", err)
	}
	if string(data) != "hello archivedl" {
		t.Errorf("got %q, want %q", string(data), "hello archivedl")
	}

	if _, err := os.Stat(src); err != nil {
		t.Errorf("source must remain after decompression: %v", err)
	}
}

func TestDecompressUnknownFormatIsNoOp(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "payload.xyz")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Decompress(src, "unknown-format"); err != nil {
		t.Errorf("expected no-op for unknown format, got %v", err)
	}
}

func TestDecompressTarRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.tar")

	f, err := os.Create(src)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tw := tar.NewWriter(f)
	content := []byte("pwned")
	if err := tw.WriteHeader(&tar.Header{Name: "../../escape.txt", Mode: 0o644, Size: int64(len(content))}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("write body: %v", err)
	}
	tw.Close()
	f.Close()

	if err := Decompress(src, "tar"); err == nil {
		t.Fatal("expected path-escape rejection, got nil error")
	}
}
