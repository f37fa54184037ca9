// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestVerifyFileMD5Match(t *testing.T) {
	content := []byte("hello archive")
	sum := md5.Sum(content)
	path := writeTempFile(t, content)

	entry := FileEntry{Name: "data.bin", MD5: hex.EncodeToString(sum[:])}
	if err := VerifyFile(context.Background(), path, entry); err != nil {
		t.Errorf("expected pass, got %v", err)
	}
}

func TestVerifyFileMD5Mismatch(t *testing.T) {
	path := writeTempFile(t, []byte("hello archive"))
	entry := FileEntry{Name: "data.bin", MD5: "deadbeefdeadbeefdeadbeefdeadbeef"}
	err := VerifyFile(context.Background(), path, entry)
	if err == nil {
		t.Fatal("expected verification error")
	}
	var verr *VerificationError
	if !asVerificationError(err, &verr) {
		t.Errorf("expected *VerificationError, got %T: %v", err, err)
	}
}

func TestVerifyFileNoHashRecordedPasses(t *testing.T) {
	path := writeTempFile(t, []byte("anything"))
	entry := FileEntry{Name: "data.bin"}
	if err := VerifyFile(context.Background(), path, entry); err != nil {
		t.Errorf("expected pass with no recorded hash, got %v", err)
	}
}

func TestVerifyFileXMLStructurallyValid(t *testing.T) {
	content := []byte(`<?xml version="1.0"?><files><file name="a.jpg" size="100"></file></files>`)
	path := filepath.Join(t.TempDir(), "files.xml")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	entry := FileEntry{Name: "files.xml", MD5: "wrong-and-stale-hash"}
	if err := VerifyFile(context.Background(), path, entry); err != nil {
		t.Errorf("expected XML structural pass despite stale md5, got %v", err)
	}
}

func TestVerifyFileXMLTooSmallFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "files.xml")
	if err := os.WriteFile(path, []byte("<a/>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	entry := FileEntry{Name: "files.xml"}
	if err := VerifyFile(context.Background(), path, entry); err == nil {
		t.Fatal("expected failure for undersized xml")
	}
}

func asVerificationError(err error, target **VerificationError) bool {
	ve, ok := err.(*VerificationError)
	if ok {
		*target = ve
	}
	return ok
}
