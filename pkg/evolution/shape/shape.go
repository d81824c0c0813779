// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package shape models configuration targets: where configuration lives and
// how it is encoded.
//
// A Shape is either a simple *Config (one file) or a composite *Group (a
// directory of member files). Shapes find their storage through a Transport,
// which proposes candidate Locations, and encode data through a Transform.
// Data is always held in memory as a JSON document, whatever the on-disk
// format.
//
//	cfg, err := shape.Parse("configevo://app.yaml")
//	ok, err := cfg.Load(ctx)   // searches cwd, home, /etc
//	err = cfg.Dump(ctx, nil)   // writes back where it was found
package shape

import (
	"context"
	"errors"
)

// Kind distinguishes simple from composite shapes.
type Kind int

const (
	KindConfig Kind = iota + 1
	KindGroup
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Shape is a handle on one configuration target.
type Shape interface {
	// Name is the file name (simple) or directory name (group).
	Name() string

	// Kind reports whether this is a simple or composite shape.
	Kind() Kind

	// Load searches the transport for stored data. It returns false, nil
	// when nothing is stored anywhere.
	Load(ctx context.Context) (bool, error)

	// Dump writes the data to loc, or to the shape's own location when loc
	// is nil.
	Dump(ctx context.Context, loc Location) error

	// Path is the storage path of the data; it fails with ErrNoLocation
	// before the shape has a location.
	Path() (string, error)

	// IsLoaded reports whether the shape holds data or a location.
	IsLoaded() bool

	Location() Location
	SetLocation(loc Location)

	// Transport proposes locations for this shape.
	Transport() Transport

	// MarkerName is the location-relative path of the version marker.
	MarkerName() string

	String() string
}

var (
	// ErrNoLocation is returned when a shape must touch storage before it has
	// been loaded or given a location.
	ErrNoLocation = errors.New("shape has no location")

	// ErrInvalidData is returned when data is not a valid JSON document.
	ErrInvalidData = errors.New("invalid configuration data")
)

var (
	_ Shape = (*Config)(nil)
	_ Shape = (*Group)(nil)
)
