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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Transport proposes the locations a shape may live in.
type Transport interface {
	// Name is the registry name, used after "/" in URIs.
	Name() string

	// Candidates lists locations to search for relpath, best first.
	Candidates(ctx context.Context, relpath string) ([]Location, error)

	// Default is where a brand-new shape is placed.
	Default() Location
}

// DirTransport searches a fixed list of directories.
type DirTransport struct {
	name string
	dirs []string
}

// NewDirTransport returns a transport over dirs, searched in order.
func NewDirTransport(dirs ...string) *DirTransport {
	return &DirTransport{name: "dirs", dirs: dirs}
}

// DefaultTransport searches the working directory, the home directory and
// /etc.
func DefaultTransport() *DirTransport {
	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	dirs = append(dirs, "/etc")
	return &DirTransport{name: "default", dirs: dirs}
}

func (t *DirTransport) Name() string { return t.name }

// Dirs returns the searched directories.
func (t *DirTransport) Dirs() []string {
	return append([]string(nil), t.dirs...)
}

func (t *DirTransport) Candidates(context.Context, string) ([]Location, error) {
	locs := make([]Location, len(t.dirs))
	for i, dir := range t.dirs {
		locs[i] = NewDirLocation(dir)
	}
	return locs, nil
}

func (t *DirTransport) Default() Location {
	if len(t.dirs) == 0 {
		return nil
	}
	return NewDirLocation(t.dirs[0])
}

// ClimberTransport walks from a start directory up to the filesystem root and
// proposes the first directory that already contains the searched path.
type ClimberTransport struct {
	start string
}

// NewClimberTransport climbs from start, or from the working directory when
// start is empty.
func NewClimberTransport(start string) *ClimberTransport {
	if start == "" {
		start, _ = os.Getwd()
	}
	return &ClimberTransport{start: start}
}

func (t *ClimberTransport) Name() string { return "climber" }

func (t *ClimberTransport) Candidates(_ context.Context, relpath string) ([]Location, error) {
	dir, err := filepath.Abs(t.start)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(relpath))); err == nil {
			return []Location{NewDirLocation(dir)}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (t *ClimberTransport) Default() Location {
	return NewDirLocation(t.start)
}

// =============================================================================
// Registry
// =============================================================================

var transports = struct {
	sync.RWMutex
	factories map[string]func() Transport
}{
	factories: map[string]func() Transport{
		"default": func() Transport { return DefaultTransport() },
		"climber": func() Transport { return NewClimberTransport("") },
	},
}

// RegisterTransport makes a transport available by name in URIs. The
// factory runs once per parsed shape.
func RegisterTransport(name string, factory func() Transport) {
	transports.Lock()
	defer transports.Unlock()
	transports.factories[name] = factory
}

// NewTransport builds the transport registered under name.
func NewTransport(name string) (Transport, error) {
	transports.RLock()
	factory, ok := transports.factories[name]
	transports.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport %q (registered: %v)", name, TransportNames())
	}
	return factory(), nil
}

// TransportNames lists registered transports, sorted.
func TransportNames() []string {
	transports.RLock()
	defer transports.RUnlock()
	names := make([]string, 0, len(transports.factories))
	for name := range transports.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
