// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package shape

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Location is a storage root that shapes read from and write to. Paths
// passed to a Location are slash-separated and relative to its root.
//
// Read of a missing path returns an error wrapping fs.ErrNotExist.
type Location interface {
	Check(ctx context.Context, relpath string) (bool, error)
	Read(ctx context.Context, relpath string) ([]byte, error)
	Write(ctx context.Context, relpath string, data []byte) error
	Remove(ctx context.Context, relpath string) (bool, error)
	TargetPath(relpath string) string
	String() string
}

// DirLocation is a Location rooted at a filesystem directory.
type DirLocation struct {
	Dir string
}

// NewDirLocation returns a DirLocation for dir.
func NewDirLocation(dir string) *DirLocation {
	return &DirLocation{Dir: dir}
}

func (l *DirLocation) TargetPath(relpath string) string {
	return filepath.Join(l.Dir, filepath.FromSlash(relpath))
}

// Check reports whether relpath is a regular file.
func (l *DirLocation) Check(_ context.Context, relpath string) (bool, error) {
	info, err := os.Stat(l.TargetPath(relpath))
	switch {
	case err == nil:
		return info.Mode().IsRegular(), nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (l *DirLocation) Read(_ context.Context, relpath string) ([]byte, error) {
	return os.ReadFile(l.TargetPath(relpath))
}

// Write creates missing parent directories, then writes data.
func (l *DirLocation) Write(_ context.Context, relpath string, data []byte) error {
	target := l.TargetPath(relpath)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", target, err)
	}
	return os.WriteFile(target, data, 0o644)
}

// Remove deletes relpath. It returns false, nil when there was nothing to
// delete.
func (l *DirLocation) Remove(_ context.Context, relpath string) (bool, error) {
	err := os.Remove(l.TargetPath(relpath))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (l *DirLocation) String() string {
	return l.Dir
}
