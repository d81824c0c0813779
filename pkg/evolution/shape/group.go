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
	"strings"
)

// Member is one file of a Group. It is stored at "<group>/<name>" in the
// group's location.
type Member struct {
	document
	mandatory bool
	group     *Group
}

// NewMember creates a member. Optional members may be missing from storage
// without failing the group load.
func NewMember(name string, transform Transform, mandatory bool) *Member {
	return &Member{document: newDocument(name, transform), mandatory: mandatory}
}

func (m *Member) Mandatory() bool { return m.mandatory }
func (m *Member) IsLoaded() bool  { return m.loaded }

// Group returns the group the member belongs to, or nil.
func (m *Member) Group() *Group { return m.group }

func (m *Member) relpath() string {
	if m.group == nil {
		return m.name
	}
	return m.group.name + "/" + m.name
}

// RelPath is the member's path relative to the group's location.
func (m *Member) RelPath() string { return m.relpath() }

// Path is the member's storage path inside the group's location.
func (m *Member) Path() (string, error) {
	if m.group == nil || m.group.location == nil {
		return "", fmt.Errorf("member %s: %w", m.name, ErrNoLocation)
	}
	return m.group.location.TargetPath(m.relpath()), nil
}

// Dump writes the member into its group's location.
func (m *Member) Dump(ctx context.Context) error {
	if m.group == nil {
		return fmt.Errorf("member %s: %w", m.name, ErrNoLocation)
	}
	return m.dumpTo(ctx, m.group.location)
}

func (m *Member) dumpTo(ctx context.Context, loc Location) error {
	if loc == nil {
		return fmt.Errorf("dump member %s: %w", m.name, ErrNoLocation)
	}
	raw, err := m.serialize()
	if err != nil {
		return err
	}
	if err := loc.Write(ctx, m.relpath(), raw); err != nil {
		return fmt.Errorf("write %s: %w", loc.TargetPath(m.relpath()), err)
	}
	return nil
}

func (m *Member) String() string {
	opt := ""
	if !m.mandatory {
		opt = ", optional"
	}
	return fmt.Sprintf("member %s (%s%s)", m.name, m.transform.Name(), opt)
}

// Group is a composite shape: a directory of member files that always move
// together.
type Group struct {
	name      string
	members   []*Member
	transport Transport
	location  Location
}

// NewGroup creates a group. A nil transport is DefaultTransport.
func NewGroup(name string, members []*Member, transport Transport) *Group {
	if transport == nil {
		transport = DefaultTransport()
	}
	g := &Group{name: name, transport: transport}
	for _, m := range members {
		g.AddMember(m)
	}
	return g
}

func (g *Group) Name() string             { return g.name }
func (g *Group) Kind() Kind               { return KindGroup }
func (g *Group) Transport() Transport     { return g.transport }
func (g *Group) Location() Location       { return g.location }
func (g *Group) SetLocation(loc Location) { g.location = loc }
func (g *Group) MarkerName() string       { return g.name + "/.version" }

// IsLoaded reports whether the group has been located.
func (g *Group) IsLoaded() bool { return g.location != nil }

// SetName renames the group directory. The next Dump writes under the new
// name.
func (g *Group) SetName(name string) { g.name = name }

func (g *Group) Path() (string, error) {
	if g.location == nil {
		return "", fmt.Errorf("group %s: %w", g.name, ErrNoLocation)
	}
	return g.location.TargetPath(g.name), nil
}

// Members returns the members in declaration order.
func (g *Group) Members() []*Member {
	return append([]*Member(nil), g.members...)
}

// Member returns the named member, or nil.
func (g *Group) Member(name string) *Member {
	for _, m := range g.members {
		if m.name == name {
			return m
		}
	}
	return nil
}

// AddMember adds m, replacing a member with the same name in place.
func (g *Group) AddMember(m *Member) {
	m.group = g
	for i, existing := range g.members {
		if existing.name == m.name {
			g.members[i] = m
			return
		}
	}
	g.members = append(g.members, m)
}

// DetachMember drops the named member without touching storage and
// returns it, or nil when the group has no such member.
func (g *Group) DetachMember(name string) *Member {
	for i, m := range g.members {
		if m.name != name {
			continue
		}
		g.members = append(g.members[:i], g.members[i+1:]...)
		m.group = nil
		return m
	}
	return nil
}

// Load scores every candidate location: each member present earns
// len(members)+1 points and each missing optional member earns 1. The best
// location wins if it reaches the points all mandatory members would earn.
// Ties go to the earlier candidate.
func (g *Group) Load(ctx context.Context) (bool, error) {
	candidates, err := g.transport.Candidates(ctx, g.name)
	if err != nil {
		return false, fmt.Errorf("list locations for %s: %w", g.name, err)
	}
	if len(candidates) == 0 {
		return false, nil
	}

	reward := len(g.members) + 1
	minPoints := 0
	for _, m := range g.members {
		if m.mandatory {
			minPoints += reward
		}
	}

	best, bestPoints := -1, -1
	for i, loc := range candidates {
		points := 0
		for _, m := range g.members {
			ok, err := loc.Check(ctx, m.relpath())
			if err != nil {
				return false, fmt.Errorf("check %s: %w", loc.TargetPath(m.relpath()), err)
			}
			if ok {
				points += reward
			} else if !m.mandatory {
				points++
			}
		}
		if points > bestPoints {
			best, bestPoints = i, points
		}
	}
	if bestPoints < minPoints {
		return false, nil
	}

	loc := candidates[best]
	for _, m := range g.members {
		ok, err := loc.Check(ctx, m.relpath())
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		raw, err := loc.Read(ctx, m.relpath())
		if err != nil {
			return false, fmt.Errorf("read %s: %w", loc.TargetPath(m.relpath()), err)
		}
		if err := m.deserialize(raw); err != nil {
			return false, err
		}
	}
	g.location = loc
	return true, nil
}

// Dump writes every member to loc, or to the group's location. Optional
// members without data are skipped.
func (g *Group) Dump(ctx context.Context, loc Location) error {
	if loc == nil {
		loc = g.location
	}
	if loc == nil {
		return fmt.Errorf("dump group %s: %w", g.name, ErrNoLocation)
	}
	for _, m := range g.members {
		if m.data == nil && !m.mandatory {
			continue
		}
		if err := m.dumpTo(ctx, loc); err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) String() string {
	names := make([]string, len(g.members))
	for i, m := range g.members {
		names[i] = m.name
	}
	loc := "<nowhere>"
	if g.location != nil {
		loc = g.location.String()
	}
	return fmt.Sprintf("group %s [%s] at %s", g.name, strings.Join(names, ", "), loc)
}
