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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/configevo/pkg/evolution/chain"
	"github.com/AleutianAI/configevo/pkg/evolution/marker"
	"github.com/AleutianAI/configevo/pkg/evolution/patch"
	"github.com/AleutianAI/configevo/pkg/evolution/revision"
	"github.com/AleutianAI/configevo/pkg/evolution/shape"
)

func mustParse(t *testing.T, uri string) shape.Shape {
	t.Helper()
	s, err := shape.Parse(uri)
	require.NoError(t, err)
	return s
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// =============================================================================
// Records
// =============================================================================

func TestParseRecord(t *testing.T) {
	data := []byte(`
revision: "1A2B3C4D5E6F"
parent: "0a0b0c0d0e0f"
message: "add port"
date: "2026-10-19 12:30:00"
upgrade:
  - op: patch
    patch:
      - {op: add, path: /port, value: 8080}
downgrade:
  - op: patch
    patch:
      - {op: remove, path: /port}
`)
	rec, err := ParseRecord(data)
	require.NoError(t, err)
	require.Len(t, rec.Upgrade, 1)
	assert.Equal(t, []patch.Operation{{Op: "add", Path: "/port", Value: 8080}}, rec.Upgrade[0].Patch)

	rev, err := rec.Build(nil)
	require.NoError(t, err)
	assert.Equal(t, "1a2b3c4d5e6f", rev.ID)
	assert.Equal(t, "0a0b0c0d0e0f", rev.ParentID)
	assert.Equal(t, "2026-10-19 12:30:00", rev.DateString())
	assert.IsType(t, &Script{}, rev.Handler)
}

func TestParseRecord_Errors(t *testing.T) {
	for name, data := range map[string]string{
		"not yaml":        "revision: [",
		"no id":           "message: x\n",
		"unknown handler": "revision: \"aaaaaaaaaaaa\"\nhandler: python\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRecord([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestRecord_BuildBadDate(t *testing.T) {
	rec := &Record{Revision: "aaaaaaaaaaaa", Date: "yesterday"}
	_, err := rec.Build(nil)
	assert.ErrorContains(t, err, "bad date")
}

type nopHandler struct{}

func (nopHandler) Upgrade(context.Context, revision.Args) (shape.Shape, error)   { return nil, nil }
func (nopHandler) Downgrade(context.Context, revision.Args) (shape.Shape, error) { return nil, nil }

func TestRecord_RegisteredHandler(t *testing.T) {
	Register("ABCDEFABCDEF", nopHandler{})
	t.Cleanup(func() { Unregister("abcdefabcdef") })

	rev, err := (&Record{Revision: "abcdefabcdef", Handler: HandlerRegistered}).Build(nil)
	require.NoError(t, err)
	assert.Equal(t, nopHandler{}, rev.Handler)

	rev, err = (&Record{Revision: "bbbbbbbbbbbb", Handler: HandlerRegistered}).Build(nil)
	require.NoError(t, err)
	assert.Nil(t, rev.Handler)
	_, err = rev.Upgrade(context.Background(), revision.Args{})
	assert.ErrorIs(t, err, revision.ErrNoHandler)
}

// =============================================================================
// Steps
// =============================================================================

func TestScript_CreateFirstShape(t *testing.T) {
	dir := t.TempDir()
	s := &Script{Upgrades: []Step{{
		Op:       OpCreate,
		URI:      "configevo://app.json",
		Location: dir,
		Data:     map[string]any{"app.json": map[string]any{"port": 8080}},
	}}}

	got, err := s.Upgrade(context.Background(), revision.Args{})
	require.NoError(t, err)
	cfg, ok := got.(*shape.Config)
	require.True(t, ok)
	assert.Equal(t, dir, cfg.Location().String())
	assert.JSONEq(t, `{"port":8080}`, string(cfg.Data()))
}

func TestScript_CreateInheritsLocation(t *testing.T) {
	dir := t.TempDir()
	current := mustParse(t, "configevo://app.json#"+dir)
	current.SetLocation(shape.NewDirLocation(dir))

	s := &Script{Upgrades: []Step{{Op: OpCreate, URI: "configevo://core.json@app"}}}
	got, err := s.Upgrade(context.Background(), revision.ArgsFor(current))
	require.NoError(t, err)
	assert.Equal(t, shape.KindGroup, got.Kind())
	assert.Equal(t, dir, got.Location().String())
}

func TestScript_PatchAndSet(t *testing.T) {
	cfg := shape.NewConfig("app.json", nil, nil)
	require.NoError(t, cfg.SetData([]byte(`{"a":1}`)))

	s := &Script{
		Upgrades:   []Step{{Op: OpPatch, Patch: []patch.Operation{{Op: patch.OpAdd, Path: "/b", Value: 2}}}},
		Downgrades: []Step{{Op: OpSet, Value: map[string]any{"a": 1}}},
	}
	got, err := s.Upgrade(context.Background(), revision.ArgsFor(cfg))
	require.NoError(t, err)
	assert.Nil(t, got, "editing steps keep the current shape")
	assert.JSONEq(t, `{"a":1,"b":2}`, string(cfg.Data()))

	_, err = s.Downgrade(context.Background(), revision.ArgsFor(cfg))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(cfg.Data()))
}

func TestScript_GroupMembers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	g := mustParse(t, "configevo://core.json&old.json@app#"+dir).(*shape.Group)
	g.SetLocation(shape.NewDirLocation(dir))
	require.NoError(t, g.Member("core.json").SetData([]byte(`{}`)))
	require.NoError(t, g.Member("old.json").SetData([]byte(`{}`)))
	require.NoError(t, g.Dump(ctx, nil))

	s := &Script{Upgrades: []Step{
		{Op: OpAddMember, Name: "extra.yaml?", Value: map[string]any{"x": true}},
		{Op: OpRemoveMember, Member: "old.json"},
		{Op: OpTransform, Member: "core.json", Transform: "yaml"},
		{Op: OpRename, Member: "core.json", Name: "core.yaml"},
	}}
	_, err := s.Upgrade(ctx, revision.ArgsFor(g))
	require.NoError(t, err)

	names := []string{}
	for _, m := range g.Members() {
		names = append(names, m.Name())
	}
	assert.Equal(t, []string{"core.yaml", "extra.yaml"}, names)
	assert.False(t, g.Member("extra.yaml").Mandatory())
	assert.Equal(t, "yaml", g.Member("core.yaml").Transform().Name())
	assert.NoFileExists(t, filepath.Join(dir, "app", "old.json"))
	assert.NoFileExists(t, filepath.Join(dir, "app", "core.json"))

	require.NoError(t, g.Dump(ctx, nil))
	assert.Equal(t, "{}\n", readFile(t, filepath.Join(dir, "app", "core.yaml")))
	assert.Equal(t, "x: true\n", readFile(t, filepath.Join(dir, "app", "extra.yaml")))
}

func TestScript_RenameConfig(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := mustParse(t, "configevo://old.json#"+dir).(*shape.Config)
	cfg.SetLocation(shape.NewDirLocation(dir))
	require.NoError(t, cfg.SetData([]byte(`{"k":"v"}`)))
	require.NoError(t, cfg.Dump(ctx, nil))
	require.NoError(t, marker.Write(ctx, cfg, "aaaaaaaaaaaa"))

	s := &Script{Upgrades: []Step{{Op: OpRename, Name: "new.json"}}}
	_, err := s.Upgrade(ctx, revision.ArgsFor(cfg))
	require.NoError(t, err)

	assert.Equal(t, "new.json", cfg.Name())
	assert.NoFileExists(t, filepath.Join(dir, "old.json"))
	assert.NoFileExists(t, filepath.Join(dir, "old.json.version"))
	require.NoError(t, cfg.Dump(ctx, nil))
	assert.FileExists(t, filepath.Join(dir, "new.json"))
}

func TestScript_FailedStepKeepsStoredData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := mustParse(t, "configevo://app.json#"+dir).(*shape.Config)
	cfg.SetLocation(shape.NewDirLocation(dir))
	require.NoError(t, cfg.SetData([]byte(`{"a":1}`)))
	require.NoError(t, cfg.Dump(ctx, nil))
	require.NoError(t, marker.Write(ctx, cfg, "aaaaaaaaaaaa"))

	s := &Script{Upgrades: []Step{
		{Op: OpRename, Name: "new.json"},
		{Op: OpPatch, Patch: []patch.Operation{{Op: patch.OpTest, Path: "/a", Value: 2}}},
	}}
	_, err := s.Upgrade(ctx, revision.ArgsFor(cfg))

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Index)
	assert.JSONEq(t, `{"a":1}`, readFile(t, filepath.Join(dir, "app.json")))
	assert.Equal(t, "aaaaaaaaaaaa", readFile(t, filepath.Join(dir, "app.json.version")))
	assert.NoFileExists(t, filepath.Join(dir, "new.json"))
}

func TestScript_FailedStepKeepsGroupMembers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	g := mustParse(t, "configevo://core.json&old.json@app#"+dir).(*shape.Group)
	g.SetLocation(shape.NewDirLocation(dir))
	require.NoError(t, g.Member("core.json").SetData([]byte(`{}`)))
	require.NoError(t, g.Member("old.json").SetData([]byte(`{}`)))
	require.NoError(t, g.Dump(ctx, nil))

	s := &Script{Upgrades: []Step{
		{Op: OpRemoveMember, Member: "old.json"},
		{Op: OpRename, Member: "core.json", Name: "core.yaml"},
		{Op: OpTransform, Member: "core.yaml", Transform: "toml"},
	}}
	_, err := s.Upgrade(ctx, revision.ArgsFor(g))
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(dir, "app", "old.json"))
	assert.FileExists(t, filepath.Join(dir, "app", "core.json"))
}

func TestScript_TypeChangeRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	oldURI := "configevo://app.json#" + dir
	cfg := mustParse(t, oldURI).(*shape.Config)
	cfg.SetLocation(shape.NewDirLocation(dir))
	require.NoError(t, cfg.SetData([]byte(`{"v":1}`)))
	require.NoError(t, cfg.Dump(ctx, nil))

	up, down := Plan(cfg, mustParse(t, "configevo://core.json@app#"+dir))
	s := &Script{Upgrades: up, Downgrades: down}

	created, err := s.Upgrade(ctx, revision.ArgsFor(cfg))
	require.NoError(t, err)
	require.NotNil(t, created)
	require.NoError(t, created.Dump(ctx, nil))
	assert.FileExists(t, filepath.Join(dir, "app", "core.json"))

	restored, err := s.Downgrade(ctx, revision.ArgsFor(created))
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, shape.KindConfig, restored.Kind())
	assert.JSONEq(t, `{"v":1}`, string(restored.(*shape.Config).Data()))
	assert.NoFileExists(t, filepath.Join(dir, "app", "core.json"))
}

func TestScript_StepError(t *testing.T) {
	cfg := shape.NewConfig("app.json", nil, nil)
	s := &Script{Upgrades: []Step{
		{Op: OpSet, Value: 1},
		{Op: OpRemoveMember, Member: "x"},
	}}
	_, err := s.Upgrade(context.Background(), revision.ArgsFor(cfg))

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Index)
	assert.Equal(t, OpRemoveMember, stepErr.Step.Op)
}

func TestScript_StepErrors(t *testing.T) {
	cfg := shape.NewConfig("app.json", nil, nil)
	tests := []struct {
		name string
		args revision.Args
		step Step
	}{
		{"unknown op", revision.ArgsFor(cfg), Step{Op: "explode"}},
		{"set without shape", revision.Args{}, Step{Op: OpSet, Value: 1}},
		{"member of config", revision.ArgsFor(cfg), Step{Op: OpSet, Member: "x.json", Value: 1}},
		{"unknown transform", revision.ArgsFor(cfg), Step{Op: OpTransform, Transform: "toml"}},
		{"bad uri", revision.Args{}, Step{Op: OpCreate, URI: "http://x"}},
		{"data for unknown doc", revision.Args{}, Step{Op: OpCreate, URI: "configevo://a.json", Data: map[string]any{"b.json": 1}}},
		{"rename without name", revision.ArgsFor(cfg), Step{Op: OpRename}},
		{"failing patch", revision.ArgsFor(cfg), Step{Op: OpPatch, Patch: []patch.Operation{{Op: patch.OpRemove, Path: "/nope"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&Script{Upgrades: []Step{tt.step}}).Upgrade(context.Background(), tt.args)
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// Store and renderer
// =============================================================================

func TestDirStore_WithChain(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644))

	store := NewDirStore(dir, nil)
	renderer, err := NewTemplateRenderer("")
	require.NoError(t, err)
	c := chain.New(store, chain.WithSink(store), chain.WithRenderer(renderer))
	require.NoError(t, c.Build(ctx))

	up, down := Plan(nil, mustParse(t, "configevo://app.json"))
	first, err := c.Add(ctx, "first revision", chain.Params{ParamUpgrade: up, ParamDowngrade: down})
	require.NoError(t, err)
	second, err := c.Add(ctx, "second", nil)
	require.NoError(t, err)

	reloaded := chain.New(store)
	require.NoError(t, reloaded.Build(ctx))
	assert.Equal(t, []string{second.ID, first.ID}, []string{reloaded.Links()[0].ID, reloaded.Links()[1].ID})

	rev, ok := reloaded.Get(first.ID)
	require.True(t, ok)
	assert.True(t, rev.Equal(first))
	script, ok := rev.Handler.(*Script)
	require.True(t, ok)
	if diff := cmp.Diff(up, script.Upgrades); diff != "" {
		t.Errorf("upgrade steps changed on disk (-want +got):\n%s", diff)
	}
	assert.Equal(t, []Step{{Op: OpRemove}}, script.Downgrades)
}

func TestDirStore_StoreRefusesOverwrite(t *testing.T) {
	store := NewDirStore(t.TempDir(), nil)
	rev := revision.New("aaaaaaaaaaaa", "m", time.Time{}, "", nil)
	require.NoError(t, store.Store(context.Background(), rev, []byte("x")))
	err := store.Store(context.Background(), rev, []byte("y"))
	assert.ErrorContains(t, err, "already exists")
}

func TestDirStore_MissingDir(t *testing.T) {
	_, err := NewDirStore(filepath.Join(t.TempDir(), "nope"), nil).Names(context.Background())
	assert.Error(t, err)
}

func TestTemplateRenderer_Default(t *testing.T) {
	r, err := NewTemplateRenderer("")
	require.NoError(t, err)
	rev := revision.New("123456789012", "numeric looking id", time.Date(2026, 10, 19, 12, 0, 0, 0, time.Local), "", nil)

	out, err := r.Render(rev, chain.Params{ParamHandler: HandlerRegistered})
	require.NoError(t, err)
	assert.Contains(t, string(out), "# Revises: <genesis>")

	rec, err := ParseRecord(out)
	require.NoError(t, err)
	assert.Equal(t, "123456789012", rec.Revision)
	assert.Equal(t, "", rec.Parent)
	assert.Equal(t, "2026-10-19 12:00:00", rec.Date)
	assert.Equal(t, HandlerRegistered, rec.Handler)
	assert.Empty(t, rec.Upgrade)
}

func TestTemplateRenderer_MultiLineMessage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewDirStore(dir, nil)
	renderer, err := NewTemplateRenderer("")
	require.NoError(t, err)
	c := chain.New(store, chain.WithSink(store), chain.WithRenderer(renderer))
	require.NoError(t, c.Build(ctx))

	rev, err := c.Add(ctx, "first line\nsecond line\n\nafter a blank", nil)
	require.NoError(t, err)

	out := readFile(t, filepath.Join(dir, rev.Filename()))
	assert.True(t, strings.HasPrefix(out, "# first line\n# second line\n#\n# after a blank\n"), out)

	reloaded := chain.New(store)
	require.NoError(t, reloaded.Build(ctx))
	got, ok := reloaded.Get(rev.ID)
	require.True(t, ok)
	assert.Equal(t, "first line\nsecond line\n\nafter a blank", got.Message)
}

func TestComment(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"one", "# one"},
		{"", "#"},
		{"a\r\nb", "# a\n# b"},
		{"trailing \n", "# trailing\n#"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, comment(tt.in), "comment(%q)", tt.in)
	}
}

func TestTemplateRenderer_CustomFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("revision: {{ quote .ID }}\nupgrade:{{ steps .Upgrade }}\n"), 0o644))
	r, err := NewTemplateRenderer(path)
	require.NoError(t, err)

	rev := revision.New("aaaaaaaaaaaa", "m", time.Time{}, "", nil)
	out, err := r.Render(rev, chain.Params{ParamUpgrade: []Step{{Op: OpRemove}}})
	require.NoError(t, err)
	assert.Equal(t, "revision: \"aaaaaaaaaaaa\"\nupgrade:\n  - op: remove\n", string(out))
}

func TestTemplateRenderer_Errors(t *testing.T) {
	_, err := NewTemplateRenderer(filepath.Join(t.TempDir(), "missing.tmpl"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("{{ .Nope"), 0o644))
	_, err = NewTemplateRenderer(path)
	assert.Error(t, err)

	r, err := NewTemplateRenderer("")
	require.NoError(t, err)
	rev := revision.New("aaaaaaaaaaaa", "m", time.Time{}, "", nil)
	_, err = r.Render(rev, chain.Params{ParamUpgrade: "steps"})
	assert.Error(t, err)
	_, err = r.Render(rev, chain.Params{ParamHandler: 3})
	assert.Error(t, err)
}

func TestDefaultTemplate_IsCopy(t *testing.T) {
	a := DefaultTemplate()
	a[0] = 'X'
	assert.NotEqual(t, a[0], DefaultTemplate()[0])
}

// =============================================================================
// Plan
// =============================================================================

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		up, down []Step
	}{
		{
			name: "first simple shape",
			new:  "configevo://app.json",
			up:   []Step{{Op: OpCreate, URI: "configevo://app.json", Data: map[string]any{"app.json": map[string]any{}}}},
			down: []Step{{Op: OpRemove}},
		},
		{
			name: "first group",
			new:  "configevo://core.json&extra.json?@app",
			up: []Step{{Op: OpCreate, URI: "configevo://core.json&extra.json?@app",
				Data: map[string]any{"core.json": map[string]any{}}}},
			down: []Step{{Op: OpRemove}},
		},
		{
			name: "unchanged",
			old:  "configevo://app.json",
			new:  "configevo://app.json",
		},
		{
			name: "simple to group",
			old:  "configevo://app.json",
			new:  "configevo://core.json@app",
			up: []Step{{Op: OpCreate, URI: "configevo://core.json@app",
				Data: map[string]any{"core.json": map[string]any{}}}},
			down: []Step{{Op: OpRestore, URI: "configevo://app.json"}, {Op: OpRemove}},
		},
		{
			name: "group to simple",
			old:  "configevo://core.json@app",
			new:  "configevo://app.json",
			up:   []Step{{Op: OpCreate, URI: "configevo://app.json", Data: map[string]any{"app.json": map[string]any{}}}},
			down: []Step{{Op: OpRestore, URI: "configevo://core.json@app"}, {Op: OpRemove}},
		},
		{
			name: "add and remove members",
			old:  "configevo://core.json&old.json@app",
			new:  "configevo://core.json&new.yaml?@app",
			up: []Step{
				{Op: OpAddMember, Name: "new.yaml?", Value: map[string]any{}},
				{Op: OpRemoveMember, Member: "old.json"},
			},
			down: []Step{
				{Op: OpAddMember, Name: "old.json", Value: map[string]any{}},
				{Op: OpRemoveMember, Member: "new.yaml"},
			},
		},
		{
			name: "group rename",
			old:  "configevo://core.json@app",
			new:  "configevo://core.json@service",
			up:   []Step{{Op: OpRename, Name: "service"}},
			down: []Step{{Op: OpRename, Name: "app"}},
		},
		{
			name: "simple rename",
			old:  "configevo://app.json",
			new:  "configevo://service.json",
			up:   []Step{{Op: OpRename, Name: "service.json"}},
			down: []Step{{Op: OpRename, Name: "app.json"}},
		},
		{
			name: "simple transform change",
			old:  "configevo://app.json",
			new:  "configevo://app.yaml",
			up:   []Step{{Op: OpTransform, Transform: "yaml"}, {Op: OpRename, Name: "app.yaml"}},
			down: []Step{{Op: OpRename, Name: "app.json"}, {Op: OpTransform, Transform: "json"}},
		},
		{
			name: "member transform change",
			old:  "configevo://core.json@app",
			new:  "configevo://core.yaml@app",
			up: []Step{
				{Op: OpTransform, Member: "core.json", Transform: "yaml"},
				{Op: OpRename, Member: "core.json", Name: "core.yaml"},
			},
			down: []Step{
				{Op: OpRename, Member: "core.yaml", Name: "core.json"},
				{Op: OpTransform, Member: "core.json", Transform: "json"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var old, new shape.Shape
			if tt.old != "" {
				old = mustParse(t, tt.old)
			}
			if tt.new != "" {
				new = mustParse(t, tt.new)
			}
			up, down := Plan(old, new)
			if diff := cmp.Diff(tt.up, up); diff != "" {
				t.Errorf("up mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.down, down); diff != "" {
				t.Errorf("down mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStep_String(t *testing.T) {
	assert.Equal(t, "create configevo://a.json", Step{Op: OpCreate, URI: "configevo://a.json"}.String())
	assert.Equal(t, "rename a.json -> b.json", Step{Op: OpRename, Member: "a.json", Name: "b.json"}.String())
	assert.Equal(t, "remove", Step{Op: OpRemove}.String())
	assert.True(t, errors.Is(&StepError{Err: patch.ErrTestFailed}, patch.ErrTestFailed))
}
