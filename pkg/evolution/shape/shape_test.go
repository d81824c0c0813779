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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// =============================================================================
// Config
// =============================================================================

func TestConfig_LoadFirstCandidate(t *testing.T) {
	ctx := context.Background()
	first, second := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(second, "app.json"), `{"port": 8080}`)

	cfg := NewConfig("app.json", nil, NewDirTransport(first, second))
	ok, err := cfg.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, cfg.IsLoaded())
	assert.JSONEq(t, `{"port":8080}`, string(cfg.Data()))
	path, err := cfg.Path()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(second, "app.json"), path)
}

func TestConfig_LoadMissing(t *testing.T) {
	cfg := NewConfig("app.json", nil, NewDirTransport(t.TempDir()))
	ok, err := cfg.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, cfg.IsLoaded())

	_, err = cfg.Path()
	assert.ErrorIs(t, err, ErrNoLocation)
}

func TestConfig_LoadInvalidData(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "app.json"), `{not json`)

	cfg := NewConfig("app.json", nil, NewDirTransport(dir))
	_, err := cfg.Load(context.Background())
	assert.Error(t, err)
}

func TestConfig_DumpYAMLKeepsOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := NewConfig("app.yaml", nil, nil)
	require.NoError(t, cfg.SetData([]byte(`{"zeta":1,"alpha":{"b":"true","a":[1,2]}}`)))
	require.NoError(t, cfg.Dump(ctx, NewDirLocation(dir)))

	raw, err := os.ReadFile(filepath.Join(dir, "app.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "zeta: 1\nalpha:\n  b: \"true\"\n  a:\n    - 1\n    - 2\n", string(raw))

	back := NewConfig("app.yaml", nil, NewDirTransport(dir))
	ok, err := back.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"zeta":1,"alpha":{"b":"true","a":[1,2]}}`, string(back.Data()))
}

func TestConfig_DumpWithoutLocation(t *testing.T) {
	cfg := NewConfig("app.json", nil, nil)
	assert.ErrorIs(t, cfg.Dump(context.Background(), nil), ErrNoLocation)
}

func TestConfig_EncodeDecode(t *testing.T) {
	cfg := NewConfig("app.json", nil, nil)
	require.NoError(t, cfg.Encode(map[string]int{"workers": 4}))

	var out struct{ Workers int }
	require.NoError(t, cfg.Decode(&out))
	assert.Equal(t, 4, out.Workers)

	assert.ErrorIs(t, cfg.SetData([]byte("{")), ErrInvalidData)
}

func TestConfig_RenameAndRemove(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "old.json"), `{}`)

	cfg := NewConfig("old.json", nil, NewDirTransport(dir))
	ok, err := cfg.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := cfg.Remove(ctx)
	require.NoError(t, err)
	assert.True(t, removed)

	cfg.SetName("new.json")
	require.NoError(t, cfg.Dump(ctx, nil))
	assert.NoFileExists(t, filepath.Join(dir, "old.json"))
	assert.FileExists(t, filepath.Join(dir, "new.json"))
	assert.Equal(t, "new.json.version", cfg.MarkerName())
}

// =============================================================================
// Group
// =============================================================================

func newAppGroup(transport Transport) *Group {
	return NewGroup("app", []*Member{
		NewMember("core.yaml", nil, true),
		NewMember("logger.json", nil, true),
		NewMember("extra.json", nil, false),
	}, transport)
}

func TestGroup_LoadPicksBestScoredLocation(t *testing.T) {
	ctx := context.Background()
	partial, complete := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(partial, "app", "core.yaml"), "a: 1\n")
	writeFile(t, filepath.Join(complete, "app", "core.yaml"), "a: 2\n")
	writeFile(t, filepath.Join(complete, "app", "logger.json"), `{"level":"info"}`)

	g := newAppGroup(NewDirTransport(partial, complete))
	ok, err := g.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, complete, g.Location().String())
	assert.JSONEq(t, `{"a":2}`, string(g.Member("core.yaml").Data()))
	assert.True(t, g.Member("logger.json").IsLoaded())
	assert.False(t, g.Member("extra.json").IsLoaded(), "optional member is absent")
}

func TestGroup_LoadMissingMandatory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "app", "core.yaml"), "a: 1\n")

	g := newAppGroup(NewDirTransport(dir))
	ok, err := g.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, g.IsLoaded())
}

func TestGroup_DumpAndMembers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	g := newAppGroup(nil)
	require.NoError(t, g.Member("core.yaml").SetData([]byte(`{"a":1}`)))
	require.NoError(t, g.Member("logger.json").SetData([]byte(`{}`)))
	g.SetLocation(NewDirLocation(dir))
	require.NoError(t, g.Dump(ctx, nil))

	assert.FileExists(t, filepath.Join(dir, "app", "core.yaml"))
	assert.FileExists(t, filepath.Join(dir, "app", "logger.json"))
	assert.NoFileExists(t, filepath.Join(dir, "app", "extra.json"))

	logger := g.Member("logger.json")
	assert.Equal(t, "app/logger.json", logger.RelPath())
	assert.Same(t, logger, g.DetachMember("logger.json"))
	assert.Nil(t, logger.Group())
	assert.FileExists(t, filepath.Join(dir, "app", "logger.json"), "detaching leaves storage alone")
	assert.Len(t, g.Members(), 2)
	assert.Nil(t, g.DetachMember("logger.json"))

	extra := NewMember("db.json", nil, true)
	require.NoError(t, extra.SetData([]byte(`{"dsn":"x"}`)))
	g.AddMember(extra)
	require.NoError(t, extra.Dump(ctx))
	assert.FileExists(t, filepath.Join(dir, "app", "db.json"))
	assert.Equal(t, "app/.version", g.MarkerName())
}

func TestGroup_AddMemberReplacesInPlace(t *testing.T) {
	g := newAppGroup(nil)
	replacement := NewMember("logger.json", YAML, false)
	g.AddMember(replacement)

	members := g.Members()
	require.Len(t, members, 3)
	assert.Same(t, replacement, members[1])
	assert.Same(t, g, replacement.Group())
}

// =============================================================================
// Transports
// =============================================================================

func TestClimberTransport(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	writeFile(t, filepath.Join(root, "a", "app.json"), `{"found":true}`)

	cfg := NewConfig("app.json", nil, NewClimberTransport(deep))
	ok, err := cfg.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "a"), cfg.Location().String())

	missing := NewConfig("nope.json", nil, NewClimberTransport(deep))
	ok, err = missing.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, deep, missing.Transport().Default().String())
}

func TestTransportRegistry(t *testing.T) {
	dir := t.TempDir()
	RegisterTransport("fixture", func() Transport { return NewDirTransport(dir) })

	tr, err := NewTransport("fixture")
	require.NoError(t, err)
	assert.Equal(t, dir, tr.Default().String())
	assert.Contains(t, TransportNames(), "climber")

	_, err = NewTransport("pigeon")
	assert.ErrorContains(t, err, "unknown transport")
}

func TestTransformForFile(t *testing.T) {
	assert.Equal(t, "json", TransformForFile("a.json").Name())
	assert.Equal(t, "yaml", TransformForFile("a.YML").Name())
	assert.Nil(t, TransformForFile("a.toml"))
}
