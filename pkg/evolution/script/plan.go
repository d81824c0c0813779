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
	"path"
	"strings"

	"github.com/AleutianAI/configevo/pkg/evolution/shape"
)

// Plan generates the steps of a new revision that moves configuration from
// the old shape to the new one. Either may be nil: no old shape means this
// is the first revision, no new shape means the shape is unchanged and the
// steps are left for the author to fill in.
//
// Members are matched by name without extension, so "core.json" becoming
// "core.yaml" is a transform change plus a rename rather than a removal
// and an addition.
func Plan(old, new shape.Shape) (up, down []Step) {
	switch {
	case new == nil:
		return nil, nil

	case old == nil:
		return []Step{{Op: OpCreate, URI: shape.Format(new), Data: emptyData(new)}},
			[]Step{{Op: OpRemove}}

	case old.Kind() != new.Kind():
		return []Step{{Op: OpCreate, URI: shape.Format(new), Data: emptyData(new)}},
			[]Step{{Op: OpRestore, URI: shape.Format(old)}, {Op: OpRemove}}

	case new.Kind() == shape.KindGroup:
		return planGroup(old.(*shape.Group), new.(*shape.Group))

	default:
		o, n := old.(*shape.Config), new.(*shape.Config)
		up, down = planDocument("", o.Name(), n.Name(), o.Transform(), n.Transform())
		return up, down
	}
}

func planGroup(old, new *shape.Group) (up, down []Step) {
	oldByStem := make(map[string]*shape.Member)
	for _, m := range old.Members() {
		oldByStem[stem(m.Name())] = m
	}
	newStems := make(map[string]bool)

	// down undoes up in reverse, so each chunk is prepended.
	for _, m := range new.Members() {
		newStems[stem(m.Name())] = true
		prev, existed := oldByStem[stem(m.Name())]
		if !existed {
			up = append(up, Step{Op: OpAddMember, Name: shape.FormatMember(m), Value: map[string]any{}})
			down = append([]Step{{Op: OpRemoveMember, Member: m.Name()}}, down...)
			continue
		}
		u, d := planDocument(prev.Name(), prev.Name(), m.Name(), prev.Transform(), m.Transform())
		up = append(up, u...)
		down = append(d, down...)
	}
	for _, m := range old.Members() {
		if newStems[stem(m.Name())] {
			continue
		}
		up = append(up, Step{Op: OpRemoveMember, Member: m.Name()})
		down = append([]Step{{Op: OpAddMember, Name: shape.FormatMember(m), Value: map[string]any{}}}, down...)
	}

	if old.Name() != new.Name() {
		up = append(up, Step{Op: OpRename, Name: new.Name()})
		down = append([]Step{{Op: OpRename, Name: old.Name()}}, down...)
	}
	return up, down
}

// planDocument handles a transform change and a rename of one document.
// member is the old member name, or "" for a simple config.
func planDocument(member, oldName, newName string, oldT, newT shape.Transform) (up, down []Step) {
	renamed := member
	if member != "" {
		renamed = newName
	}
	transformed := oldT.Name() != newT.Name()

	if transformed {
		up = append(up, Step{Op: OpTransform, Member: member, Transform: newT.Name()})
	}
	if oldName != newName {
		up = append(up, Step{Op: OpRename, Member: member, Name: newName})
		down = append(down, Step{Op: OpRename, Member: renamed, Name: oldName})
	}
	if transformed {
		down = append(down, Step{Op: OpTransform, Member: member, Transform: oldT.Name()})
	}
	return up, down
}

func emptyData(s shape.Shape) map[string]any {
	data := make(map[string]any)
	switch v := s.(type) {
	case *shape.Config:
		data[v.Name()] = map[string]any{}
	case *shape.Group:
		for _, m := range v.Members() {
			if m.Mandatory() {
				data[m.Name()] = map[string]any{}
			}
		}
	}
	return data
}

func stem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}
