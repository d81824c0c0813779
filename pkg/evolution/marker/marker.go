// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package marker reads and writes the applied-version marker of a shape: a
// plain text file holding the id of the last revision applied to it.
//
// A simple shape keeps its marker at "<name>.version" beside the data; a
// group keeps it at "<group>/.version".
package marker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/AleutianAI/configevo/pkg/evolution/shape"
)

// Path returns the storage path of s's marker.
func Path(s shape.Shape) (string, error) {
	loc := s.Location()
	if loc == nil {
		return "", fmt.Errorf("marker for %s: %w", s.Name(), shape.ErrNoLocation)
	}
	return loc.TargetPath(s.MarkerName()), nil
}

// Read returns the applied revision id. ok is false when no marker exists.
func Read(ctx context.Context, s shape.Shape) (id string, ok bool, err error) {
	loc := s.Location()
	if loc == nil {
		return "", false, fmt.Errorf("read marker for %s: %w", s.Name(), shape.ErrNoLocation)
	}
	raw, err := loc.Read(ctx, s.MarkerName())
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read marker %s: %w", loc.TargetPath(s.MarkerName()), err)
	}
	id = string(bytes.TrimSpace(raw))
	if id == "" {
		return "", false, nil
	}
	return id, true, nil
}

// Write records id as the applied revision of s.
func Write(ctx context.Context, s shape.Shape, id string) error {
	loc := s.Location()
	if loc == nil {
		return fmt.Errorf("write marker for %s: %w", s.Name(), shape.ErrNoLocation)
	}
	if err := loc.Write(ctx, s.MarkerName(), []byte(id)); err != nil {
		return fmt.Errorf("write marker %s: %w", loc.TargetPath(s.MarkerName()), err)
	}
	return nil
}

// Remove deletes the marker of s, returning the target to pre-history.
func Remove(ctx context.Context, s shape.Shape) error {
	loc := s.Location()
	if loc == nil {
		return nil
	}
	if _, err := loc.Remove(ctx, s.MarkerName()); err != nil {
		return fmt.Errorf("remove marker %s: %w", loc.TargetPath(s.MarkerName()), err)
	}
	return nil
}
