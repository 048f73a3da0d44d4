// Copyright 2026 The Botvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"archive/zip"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// Archive is a zipped artifact directory on local disk
type Archive struct {
	Path   string
	Size   int64
	Digest string // blake2b-256, hex
}

// Open opens the archive for reading
func (a *Archive) Open() (*os.File, error) {
	return os.Open(a.Path)
}

// Remove deletes the archive file
func (a *Archive) Remove() error {
	return os.Remove(a.Path)
}

// Package zips dir into a temporary file. Entry names are relative to dir.
func Package(dir string) (*Archive, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifact %s is not a directory", dir)
	}

	f, err := os.CreateTemp("", "botvisor-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}

	counter := &countingWriter{w: io.MultiWriter(f, hasher)}
	if err := writeZip(counter, dir); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}

	return &Archive{
		Path:   f.Name(),
		Size:   counter.n,
		Digest: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func writeZip(w io.Writer, dir string) error {
	zw := zip.NewWriter(w)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
			_, err = zw.CreateHeader(header)
			return err
		}
		header.Method = zip.Deflate

		entry, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(entry, src)
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("failed to package artifact: %w", err)
	}
	return zw.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
