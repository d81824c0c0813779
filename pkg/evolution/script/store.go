// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package script

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/AleutianAI/configevo/pkg/evolution/revision"
	"github.com/AleutianAI/configevo/pkg/logging"
)

// DirStore keeps revision records as files in one directory. It serves as
// both the chain's Source and its Sink.
type DirStore struct {
	dir    string
	logger *logging.Logger
}

// NewDirStore returns a store over dir. A nil logger discards output.
func NewDirStore(dir string, logger *logging.Logger) *DirStore {
	if logger == nil {
		logger = logging.Nop()
	}
	return &DirStore{dir: dir, logger: logger}
}

// Dir is the directory holding the records.
func (s *DirStore) Dir() string { return s.dir }

// Names lists regular files in the directory, sorted.
func (s *DirStore) Names(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read revision directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Load reads and decodes one record.
func (s *DirStore) Load(_ context.Context, name string) (*revision.Revision, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	rec, err := ParseRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if rec.Handler == HandlerRegistered {
		if _, ok := Lookup(rec.Revision); !ok {
			s.logger.Warn("no handler registered for revision", "revision", rec.Revision)
		}
	}
	return rec.Build(s.logger)
}

// Store writes a new record. It never overwrites an existing file.
func (s *DirStore) Store(_ context.Context, rev *revision.Revision, data []byte) error {
	path := filepath.Join(s.dir, rev.Filename())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("revision file %s already exists", path)
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.logger.Debug("revision record written", "path", path)
	return nil
}

// Discard deletes the record of rev. A missing record is not an error.
func (s *DirStore) Discard(_ context.Context, rev *revision.Revision) error {
	path := filepath.Join(s.dir, rev.Filename())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("discard revision record: %w", err)
	}
	s.logger.Debug("revision record discarded", "path", path)
	return nil
}
