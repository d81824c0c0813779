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
	"fmt"
	"regexp"
	"strings"
)

// Scheme prefixes every shape URI.
const Scheme = "configevo://"

// URIError reports a malformed shape URI.
type URIError struct {
	URI    string
	Reason string
}

func (e *URIError) Error() string {
	return fmt.Sprintf("invalid shape uri %q: %s", e.URI, e.Reason)
}

var (
	definitionPattern = regexp.MustCompile(`^([\w.\-]+)(\?)?(?:%([\w.\-]+))?$`)
	groupPattern      = regexp.MustCompile(`^[\w.\-]+$`)
)

// Definition is one parsed "<name>[?][%transform]" entry of a URI.
type Definition struct {
	Name      string
	Optional  bool
	Transform Transform
}

// Spec is a parsed shape URI.
type Spec struct {
	Definitions []Definition
	Group       string
	Transport   string
	Dir         string
}

// ParseSpec parses a shape URI:
//
//	configevo://<def>[&<def>...][@<group>][/<transport>][#<dir>]
//
// where <def> is "<name>[?][%<transform>]". "?" marks an optional group
// member. Without "@group" the URI names a simple shape and must have
// exactly one definition. "#dir" pins the shape to a single directory.
func ParseSpec(uri string) (*Spec, error) {
	rest, ok := strings.CutPrefix(uri, Scheme)
	if !ok {
		return nil, &URIError{URI: uri, Reason: "missing " + Scheme + " prefix"}
	}

	spec := &Spec{}
	if before, dir, found := strings.Cut(rest, "#"); found {
		if dir == "" {
			return nil, &URIError{URI: uri, Reason: "empty directory after '#'"}
		}
		rest, spec.Dir = before, dir
	}
	if before, transport, found := strings.Cut(rest, "/"); found {
		if !groupPattern.MatchString(transport) {
			return nil, &URIError{URI: uri, Reason: fmt.Sprintf("bad transport %q", transport)}
		}
		rest, spec.Transport = before, transport
	}
	if before, group, found := strings.Cut(rest, "@"); found {
		if !groupPattern.MatchString(group) {
			return nil, &URIError{URI: uri, Reason: fmt.Sprintf("bad group name %q", group)}
		}
		rest, spec.Group = before, group
	}
	if rest == "" {
		return nil, &URIError{URI: uri, Reason: "no configuration names"}
	}

	for _, raw := range strings.Split(rest, "&") {
		def, err := parseDefinition(raw)
		if err != nil {
			return nil, &URIError{URI: uri, Reason: err.Error()}
		}
		spec.Definitions = append(spec.Definitions, def)
	}

	if spec.Group == "" {
		if len(spec.Definitions) != 1 {
			return nil, &URIError{URI: uri, Reason: "several names need a group (@name)"}
		}
		if spec.Definitions[0].Optional {
			return nil, &URIError{URI: uri, Reason: "only group members can be optional"}
		}
	}
	return spec, nil
}

func parseDefinition(raw string) (Definition, error) {
	m := definitionPattern.FindStringSubmatch(raw)
	if m == nil {
		return Definition{}, fmt.Errorf("bad definition %q", raw)
	}
	def := Definition{Name: m[1], Optional: m[2] == "?"}
	if m[3] != "" {
		t, ok := LookupTransform(m[3])
		if !ok {
			return Definition{}, fmt.Errorf("unknown transform %q", m[3])
		}
		def.Transform = t
	} else {
		def.Transform = TransformForFile(m[1])
		if def.Transform == nil {
			return Definition{}, fmt.Errorf("cannot guess transform for %q, name one with %%", m[1])
		}
	}
	return def, nil
}

// Build creates the shape described by the spec.
func (s *Spec) Build() (Shape, error) {
	var transport Transport
	switch {
	case s.Dir != "":
		transport = NewDirTransport(s.Dir)
	case s.Transport != "":
		t, err := NewTransport(s.Transport)
		if err != nil {
			return nil, err
		}
		transport = t
	}

	if s.Group == "" {
		d := s.Definitions[0]
		return NewConfig(d.Name, d.Transform, transport), nil
	}
	members := make([]*Member, len(s.Definitions))
	for i, d := range s.Definitions {
		members[i] = NewMember(d.Name, d.Transform, !d.Optional)
	}
	return NewGroup(s.Group, members, transport), nil
}

// Parse parses uri and builds its shape.
func Parse(uri string) (Shape, error) {
	spec, err := ParseSpec(uri)
	if err != nil {
		return nil, err
	}
	return spec.Build()
}

// ParseMember builds a group member from a "<name>[?][%transform]"
// definition.
func ParseMember(def string) (*Member, error) {
	d, err := parseDefinition(def)
	if err != nil {
		return nil, err
	}
	return NewMember(d.Name, d.Transform, !d.Optional), nil
}

// Format renders s as a URI that Parse turns back into an equivalent shape.
// Transports other than the default are kept by name; a single-directory
// transport becomes "#dir".
func Format(s Shape) string {
	var b strings.Builder
	b.WriteString(Scheme)
	switch v := s.(type) {
	case *Config:
		b.WriteString(formatDefinition(v.name, false, v.transform))
	case *Group:
		for i, m := range v.members {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(FormatMember(m))
		}
		b.WriteString("@" + v.name)
	}

	switch t := s.Transport().(type) {
	case *DirTransport:
		if t.name == "dirs" && len(t.dirs) == 1 {
			b.WriteString("#" + t.dirs[0])
		} else if t.name != "default" {
			b.WriteString("/" + t.name)
		}
	case nil:
	default:
		b.WriteString("/" + t.Name())
	}
	return b.String()
}

// FormatMember renders m as a URI definition.
func FormatMember(m *Member) string {
	return formatDefinition(m.name, !m.mandatory, m.transform)
}

func formatDefinition(name string, optional bool, t Transform) string {
	var b strings.Builder
	b.WriteString(name)
	if optional {
		b.WriteByte('?')
	}
	if guessed := TransformForFile(name); guessed == nil || guessed.Name() != t.Name() {
		b.WriteString("%" + t.Name())
	}
	return b.String()
}
