// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// Decompress expands a completed file according to its format tag,
// producing sibling outputs (§4.11). It never deletes the source, and any
// error it returns must be treated as non-fatal by the caller.
func Decompress(path string, format string) error {
	switch strings.ToLower(format) {
	case "gzip", "gz":
		return decompressSingleStream(path, func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) })
	case "bzip2", "bz2":
		return decompressSingleStream(path, func(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r), nil })
	case "xz":
		return decompressSingleStream(path, func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) })
	case "tar":
		return extractTar(path, nil)
	case "tar.gz", "tgz":
		return extractTar(path, func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) })
	case "tar.bz2", "tbz2":
		return extractTar(path, func(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r), nil })
	case "tar.xz", "txz":
		return extractTar(path, func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) })
	case "zip":
		return extractZip(path)
	default:
		return nil
	}
}

func stripKnownExt(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext)
}

func decompressSingleStream(path string, wrap func(io.Reader) (io.Reader, error)) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archivedl: decompress open %s: %w", path, err)
	}
	defer in.Close()

	r, err := wrap(in)
	if err != nil {
		return fmt.Errorf("archivedl: decompress init %s: %w", path, err)
	}
	if closer, ok := r.(io.Closer); ok {
		defer closer.Close()
	}

	outPath := stripKnownExt(path)
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("archivedl: decompress create %s: %w", outPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("archivedl: decompress write %s: %w", outPath, err)
	}
	return nil
}

func extractTar(path string, wrap func(io.Reader) (io.Reader, error)) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archivedl: tar open %s: %w", path, err)
	}
	defer in.Close()

	var r io.Reader = in
	if wrap != nil {
		wr, err := wrap(in)
		if err != nil {
			return fmt.Errorf("archivedl: tar decompress init %s: %w", path, err)
		}
		if closer, ok := wr.(io.Closer); ok {
			defer closer.Close()
		}
		r = wr
	}

	destRoot := stripKnownExt(path)
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return fmt.Errorf("archivedl: tar mkdir %s: %w", destRoot, err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archivedl: tar read %s: %w", path, err)
		}
		target, err := safeJoin(destRoot, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&0o777); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		default:
			// Symlinks, devices, etc. are skipped.
		}
	}
}

func extractZip(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("archivedl: zip open %s: %w", path, err)
	}
	defer zr.Close()

	destRoot := stripKnownExt(path)
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return fmt.Errorf("archivedl: zip mkdir %s: %w", destRoot, err)
	}

	for _, f := range zr.File {
		target, err := safeJoin(destRoot, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode()&0o777|0o600)
		if err != nil {
			rc.Close()
			return err
		}
		_, cerr := io.Copy(out, rc)
		out.Close()
		rc.Close()
		if cerr != nil {
			return cerr
		}
	}
	return nil
}

// safeJoin joins root and name, rejecting entries that would escape root
// (zip-slip / tar-slip protection).
func safeJoin(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(root, name))
	rootClean := filepath.Clean(root) + string(os.PathSeparator)
	if !strings.HasPrefix(cleaned+string(os.PathSeparator), rootClean) && cleaned != filepath.Clean(root) {
		return "", fmt.Errorf("archivedl: archive entry %q escapes destination root", name)
	}
	return cleaned, nil
}
