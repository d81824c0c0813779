// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/configevo/pkg/evolution/journal"
)

func writeProject(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeProject(t, `
script_location: evolution
revision_template_file: evolution/script.yaml.tmpl
shapes:
  tail: configevo://app.json
  1a2b3c4d5e6f: configevo://core.json&extra.json?@app
journal:
  driver: bolt
  dsn: evolution/journal.db
gcs:
  bucket: configs
  prefix: prod
log:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, dir, cfg.Dir())
	assert.Equal(t, filepath.Join(dir, "evolution"), cfg.ScriptDir())
	assert.Equal(t, filepath.Join(dir, "evolution", "versions"), cfg.VersionsDir())
	assert.Equal(t, filepath.Join(dir, "evolution", "script.yaml.tmpl"), cfg.TemplatePath())
	assert.Equal(t, filepath.Join(dir, "evolution", ".evolution.lock"), cfg.LockPath())
	assert.Equal(t, []string{"1a2b3c4d5e6f", "tail"}, cfg.BindingRefs())
	assert.Equal(t, journal.Config{Driver: "bolt", DSN: filepath.Join(dir, "evolution", "journal.db")}, cfg.JournalConfig())
	require.NotNil(t, cfg.GCS)
	assert.Equal(t, "configs", cfg.GCS.Bucket)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), DefaultFile))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"empty", "", "ScriptLocation is required"},
		{"bad yaml", "script_location: [", "parse project file"},
		{"unknown field", "script_location: a\nrevision_template_file: b\nscripts: c\n", "field scripts not found"},
		{"bad shape", "script_location: a\nrevision_template_file: b\nshapes:\n  tail: app.json\n", "not a valid shape URI"},
		{"bad journal", "script_location: a\nrevision_template_file: b\njournal: {driver: mongo}\n", "Journal.Driver must be one of"},
		{"bad level", "script_location: a\nrevision_template_file: b\nlog: {level: loud}\n", "Log.Level must be one of"},
		{"gcs without bucket", "script_location: a\nrevision_template_file: b\ngcs: {prefix: x}\n", "GCS.Bucket is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeProject(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFile)
	cfg := Default("evolution")
	cfg.SetBinding("tail", "configevo://app.json")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ScriptLocation, loaded.ScriptLocation)
	assert.Equal(t, cfg.RevisionTemplateFile, loaded.RevisionTemplateFile)
	assert.Equal(t, map[string]string{"tail": "configevo://app.json"}, loaded.Shapes)
	assert.Equal(t, journal.DriverNone, loaded.Journal.Driver)
	assert.Equal(t, "none", loaded.Telemetry.TraceExporter)
	assert.Nil(t, loaded.GCS)
}

func TestSave_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	err := Save(path, &Config{})
	require.Error(t, err)
	assert.NoFileExists(t, path)
}

func TestPath(t *testing.T) {
	cfg := Default("evolution")
	cfg.dir = "/srv/project"
	assert.Equal(t, "/srv/project/x", cfg.Path("x"))
	assert.Equal(t, "/abs", cfg.Path("/abs"))
	assert.Equal(t, "", cfg.Path(""))

	cfg.Journal = journal.Config{Driver: journal.DriverPostgres, DSN: "postgres://localhost/evo"}
	assert.Equal(t, "postgres://localhost/evo", cfg.JournalConfig().DSN)
}
