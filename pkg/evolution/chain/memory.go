// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chain

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/AleutianAI/configevo/pkg/evolution/revision"
)

// MemoryStore keeps revision records in memory. It is both a Source and a
// Sink, and is what tests and embedded callers use instead of a directory.
type MemoryStore struct {
	mu   sync.RWMutex
	revs map[string]*revision.Revision
	data map[string][]byte
}

// NewMemoryStore returns a store holding revs, each filed under its
// Filename.
func NewMemoryStore(revs ...*revision.Revision) *MemoryStore {
	s := &MemoryStore{
		revs: make(map[string]*revision.Revision),
		data: make(map[string][]byte),
	}
	for _, rev := range revs {
		s.Put(rev.Filename(), rev)
	}
	return s
}

// Put files rev under name. The name need not match the record pattern,
// which lets tests plant stray files.
func (s *MemoryStore) Put(name string, rev *revision.Revision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revs[name] = rev
}

func (s *MemoryStore) Names(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.revs))
	for name := range s.revs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Load(_ context.Context, name string) (*revision.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.revs[name]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", name, fs.ErrNotExist)
	}
	return rev, nil
}

func (s *MemoryStore) Store(_ context.Context, rev *revision.Revision, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := rev.Filename()
	s.revs[name] = rev
	s.data[name] = append([]byte(nil), data...)
	return nil
}

// Data returns the rendered bytes stored under name.
func (s *MemoryStore) Data(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[name]
	return data, ok
}
