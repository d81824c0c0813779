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
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/configevo/pkg/evolution/patch"
	"github.com/AleutianAI/configevo/pkg/evolution/revision"
	"github.com/AleutianAI/configevo/pkg/evolution/shape"
	"github.com/AleutianAI/configevo/pkg/logging"
)

// Step operation names.
const (
	OpCreate       = "create"
	OpRestore      = "restore"
	OpRemove       = "remove"
	OpSet          = "set"
	OpPatch        = "patch"
	OpAddMember    = "add_member"
	OpRemoveMember = "remove_member"
	OpRename       = "rename"
	OpTransform    = "transform"
)

// Step is one declarative instruction of a revision script.
//
// create and restore produce a new shape that replaces the current one for
// the rest of the script. remove always acts on the shape the script was
// given. Every other op edits the replacement shape when there is one, and
// the given shape otherwise.
type Step struct {
	Op string `yaml:"op"`

	// URI names the shape for create and restore.
	URI string `yaml:"uri,omitempty"`

	// Location pins a created shape to a directory. Empty inherits the
	// current shape's location, or the transport default.
	Location string `yaml:"location,omitempty"`

	// Data holds initial documents for create, keyed by file or member name.
	Data map[string]any `yaml:"data,omitempty"`

	// Member selects a group member for set, patch, transform, rename and
	// remove_member. Empty means the simple config.
	Member string `yaml:"member,omitempty"`

	// Name is the new name for rename, or the member definition
	// ("<name>[?][%transform]") for add_member.
	Name string `yaml:"name,omitempty"`

	// Transform is the transform name for transform.
	Transform string `yaml:"transform,omitempty"`

	// Value is the document for set and add_member.
	Value any `yaml:"value,omitempty"`

	Patch []patch.Operation `yaml:"patch,omitempty"`
}

func (s Step) String() string {
	switch {
	case s.URI != "":
		return s.Op + " " + s.URI
	case s.Member != "" && s.Name != "":
		return s.Op + " " + s.Member + " -> " + s.Name
	case s.Member != "":
		return s.Op + " " + s.Member
	case s.Name != "":
		return s.Op + " " + s.Name
	default:
		return s.Op
	}
}

// StepError reports which step of a script failed.
type StepError struct {
	Index int
	Step  Step
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// run is the state of one script execution.
type run struct {
	args   revision.Args
	result shape.Shape
	logger *logging.Logger

	// removals are storage paths deleted only once every step succeeded,
	// so a failing step leaves stored data and markers as they were.
	removals []removal
}

type removal struct {
	loc     shape.Location
	relpath string
}

// queue records relpath for deletion from loc when the script finishes.
func (r *run) queue(loc shape.Location, relpath string) {
	if loc == nil {
		return
	}
	r.removals = append(r.removals, removal{loc: loc, relpath: relpath})
}

// queueShape queues the files of s and its version marker.
func (r *run) queueShape(s shape.Shape) {
	loc := s.Location()
	switch v := s.(type) {
	case *shape.Config:
		r.queue(loc, v.Name())
	case *shape.Group:
		for _, m := range v.Members() {
			r.queue(loc, m.RelPath())
		}
	}
	r.queue(loc, s.MarkerName())
}

// commit deletes the queued paths in the order they were queued.
func (r *run) commit(ctx context.Context) error {
	for _, rm := range r.removals {
		removed, err := rm.loc.Remove(ctx, rm.relpath)
		if err != nil {
			return fmt.Errorf("remove %s: %w", rm.loc.TargetPath(rm.relpath), err)
		}
		if removed {
			r.logger.Debug("removed", "path", rm.loc.TargetPath(rm.relpath))
		}
	}
	r.removals = nil
	return nil
}

// target is the shape edits apply to.
func (r *run) target() shape.Shape {
	if r.result != nil {
		return r.result
	}
	return r.args.Shape()
}

func (r *run) apply(ctx context.Context, s Step) error {
	switch s.Op {
	case OpCreate:
		return r.create(ctx, s)
	case OpRestore:
		return r.restore(ctx, s)
	case OpRemove:
		r.remove()
		return nil
	case OpSet:
		doc, err := r.document(s.Member)
		if err != nil {
			return err
		}
		return setValue(doc, s.Value)
	case OpPatch:
		doc, err := r.document(s.Member)
		if err != nil {
			return err
		}
		data := doc.Data()
		if data == nil {
			data = []byte("{}")
		}
		out, err := patch.Apply(data, s.Patch)
		if err != nil {
			return err
		}
		return doc.SetData(out)
	case OpAddMember:
		return r.addMember(s)
	case OpRemoveMember:
		g, err := r.group()
		if err != nil {
			return err
		}
		m := g.Member(s.Member)
		if m == nil {
			r.logger.Warn("member to remove does not exist", "group", g.Name(), "member", s.Member)
			return nil
		}
		r.queue(g.Location(), m.RelPath())
		g.DetachMember(s.Member)
		return nil
	case OpRename:
		return r.rename(s)
	case OpTransform:
		t, ok := shape.LookupTransform(s.Transform)
		if !ok {
			return fmt.Errorf("unknown transform %q", s.Transform)
		}
		doc, err := r.document(s.Member)
		if err != nil {
			return err
		}
		doc.SetTransform(t)
		return nil
	default:
		return fmt.Errorf("unknown step op %q", s.Op)
	}
}

func (r *run) create(ctx context.Context, s Step) error {
	created, err := shape.Parse(s.URI)
	if err != nil {
		return err
	}
	if err := fillData(created, s.Data); err != nil {
		return err
	}
	created.SetLocation(r.placement(created, s.Location))
	r.result = created
	r.logger.Debug("shape created", "shape", created.String())
	return nil
}

// restore rebuilds an earlier shape from storage. When nothing is stored it
// is placed like a created shape.
func (r *run) restore(ctx context.Context, s Step) error {
	restored, err := shape.Parse(s.URI)
	if err != nil {
		return err
	}
	ok, err := restored.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Warn("no stored data for restored shape", "uri", s.URI)
		if err := fillData(restored, s.Data); err != nil {
			return err
		}
		restored.SetLocation(r.placement(restored, s.Location))
	}
	r.result = restored
	return nil
}

func (r *run) placement(s shape.Shape, dir string) shape.Location {
	if dir != "" {
		return shape.NewDirLocation(dir)
	}
	if cur := r.target(); cur != nil && cur.Location() != nil {
		return cur.Location()
	}
	return s.Transport().Default()
}

func (r *run) remove() {
	if s := r.args.Shape(); s != nil {
		r.queueShape(s)
	}
}

func (r *run) rename(s Step) error {
	if s.Name == "" {
		return fmt.Errorf("rename needs a name")
	}
	if s.Member != "" {
		g, err := r.group()
		if err != nil {
			return err
		}
		m := g.Member(s.Member)
		if m == nil {
			return fmt.Errorf("group %s has no member %s", g.Name(), s.Member)
		}
		r.queue(g.Location(), m.RelPath())
		m.SetName(s.Name)
		return nil
	}

	target := r.target()
	if target == nil {
		return fmt.Errorf("rename: no shape")
	}
	r.queueShape(target)
	switch v := target.(type) {
	case *shape.Config:
		v.SetName(s.Name)
	case *shape.Group:
		v.SetName(s.Name)
	}
	return nil
}

func (r *run) addMember(s Step) error {
	g, err := r.group()
	if err != nil {
		return err
	}
	m, err := shape.ParseMember(s.Name)
	if err != nil {
		return err
	}
	if s.Value != nil {
		if err := setValue(m, s.Value); err != nil {
			return err
		}
	}
	g.AddMember(m)
	return nil
}

func (r *run) group() (*shape.Group, error) {
	g, ok := r.target().(*shape.Group)
	if !ok {
		return nil, fmt.Errorf("step needs a group shape")
	}
	return g, nil
}

// editable is the document half of a Config or Member.
type editable interface {
	Name() string
	Data() []byte
	SetData([]byte) error
	SetTransform(shape.Transform)
}

func (r *run) document(member string) (editable, error) {
	switch v := r.target().(type) {
	case *shape.Config:
		if member != "" && member != v.Name() {
			return nil, fmt.Errorf("config %s has no member %s", v.Name(), member)
		}
		return v, nil
	case *shape.Group:
		if member == "" {
			return nil, fmt.Errorf("group %s: step needs a member", v.Name())
		}
		m := v.Member(member)
		if m == nil {
			return nil, fmt.Errorf("group %s has no member %s", v.Name(), member)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("step needs a shape")
	}
}

func setValue(doc editable, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", doc.Name(), err)
	}
	return doc.SetData(raw)
}

func fillData(s shape.Shape, data map[string]any) error {
	for name, value := range data {
		var doc editable
		switch v := s.(type) {
		case *shape.Config:
			if name == v.Name() {
				doc = v
			}
		case *shape.Group:
			if m := v.Member(name); m != nil {
				doc = m
			}
		}
		if doc == nil {
			return fmt.Errorf("%s has no document %s", s.Name(), name)
		}
		if err := setValue(doc, value); err != nil {
			return err
		}
	}
	return nil
}
