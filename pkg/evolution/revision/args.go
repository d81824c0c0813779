// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package revision

import "github.com/AleutianAI/configevo/pkg/evolution/shape"

// Args is what a handler receives: the current shape, typed by variant.
// At most one of Config and Group is set; both are nil before any shape
// exists (pre-history).
type Args struct {
	Config *shape.Config
	Group  *shape.Group
}

// ArgsFor wraps the current shape. A nil shape yields empty Args.
func ArgsFor(s shape.Shape) Args {
	switch v := s.(type) {
	case *shape.Config:
		return Args{Config: v}
	case *shape.Group:
		return Args{Group: v}
	default:
		return Args{}
	}
}

// Shape returns whichever variant is set, or nil.
func (a Args) Shape() shape.Shape {
	switch {
	case a.Config != nil:
		return a.Config
	case a.Group != nil:
		return a.Group
	default:
		return nil
	}
}

// Empty reports whether no shape exists yet.
func (a Args) Empty() bool {
	return a.Config == nil && a.Group == nil
}

// Members returns the group members in order, or nil for a simple shape.
func (a Args) Members() []*shape.Member {
	if a.Group == nil {
		return nil
	}
	return a.Group.Members()
}

// Member returns the named group member, or nil.
func (a Args) Member(name string) *shape.Member {
	if a.Group == nil {
		return nil
	}
	return a.Group.Member(name)
}
