// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/configevo/pkg/evolution/config"
	"github.com/AleutianAI/configevo/pkg/evolution/journal"
	"github.com/AleutianAI/configevo/pkg/lock"
	"github.com/AleutianAI/configevo/pkg/telemetry"
)

type cliResult struct {
	stdout string
	stderr string
	code   int
}

type testProject struct {
	t       *testing.T
	root    string
	cfgPath string
	dataDir string
}

func (p *testProject) run(argv ...string) cliResult {
	p.t.Helper()
	var out, errOut bytes.Buffer
	full := append([]string{"--config", p.cfgPath, "--output", "machine"}, argv...)
	code := execute(full, &out, &errOut)
	return cliResult{stdout: out.String(), stderr: errOut.String(), code: code}
}

// revision records a revision and returns its id.
func (p *testProject) revision(argv ...string) string {
	p.t.Helper()
	res := p.run(append([]string{"revision"}, argv...)...)
	require.Equal(p.t, ExitOK, res.code, res.stderr)
	const prefix = "OK: Created revision "
	for _, line := range strings.Split(res.stdout, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix)
		}
	}
	p.t.Fatalf("no revision id in output:\n%s", res.stdout)
	return ""
}

func (p *testProject) writeFile(name, content string) string {
	p.t.Helper()
	path := filepath.Join(p.root, name)
	require.NoError(p.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (p *testProject) field(out, key string) string {
	p.t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if k, v, ok := strings.Cut(line, "\t"); ok && k == key {
			return v
		}
	}
	p.t.Fatalf("no %q field in output:\n%s", key, out)
	return ""
}

func newTestProject(t *testing.T) *testProject {
	t.Helper()
	root := t.TempDir()
	p := &testProject{
		t:       t,
		root:    root,
		cfgPath: filepath.Join(root, config.DefaultFile),
		dataDir: filepath.Join(root, "etc"),
	}
	require.NoError(t, os.MkdirAll(p.dataDir, 0o755))

	res := p.run("init", filepath.Join(root, "evolution"))
	require.Equal(t, ExitOK, res.code, res.stderr)

	cfg, err := config.Load(p.cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "evolution", cfg.ScriptLocation)
	cfg.Journal = journal.Config{Driver: journal.DriverBolt, DSN: "evolution/journal.db"}
	cfg.Log.Level = "warn"
	require.NoError(t, config.Save(p.cfgPath, cfg))
	return p
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestCLI_Lifecycle(t *testing.T) {
	p := newTestProject(t)

	status := p.run("status")
	require.Equal(t, ExitOK, status.code, status.stderr)
	assert.Equal(t, "<base>", p.field(status.stdout, "revision"))
	assert.Equal(t, "0", p.field(status.stdout, "pending"))

	first := p.revision("create app config", "configevo://app.json#"+p.dataDir)
	before := p.writeFile("before.yaml", "{}\n")
	after := p.writeFile("after.yaml", "port: 8080\n")
	second := p.revision("listen on 8080", "--from", before, "--to", after)

	status = p.run("status")
	require.Equal(t, ExitOK, status.code, status.stderr)
	assert.Equal(t, "2", p.field(status.stdout, "pending"))
	assert.Equal(t, second, p.field(status.stdout, "head"))

	up := p.run("upgrade")
	require.Equal(t, ExitOK, up.code, up.stderr)
	assert.Contains(t, up.stdout, "OK: Applied "+first)
	assert.Contains(t, up.stdout, "OK: Applied "+second)

	data, err := os.ReadFile(filepath.Join(p.dataDir, "app.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"port":8080}`, string(data))

	again := p.run("upgrade")
	require.Equal(t, ExitOK, again.code, again.stderr)
	assert.Contains(t, again.stdout, "Nothing to upgrade")

	status = p.run("status")
	assert.Equal(t, second, p.field(status.stdout, "revision"))
	assert.Equal(t, first, p.field(status.stdout, "binding"))
	assert.Equal(t, "0", p.field(status.stdout, "pending"))

	history := p.run("history")
	require.Equal(t, ExitOK, history.code, history.stderr)
	lines := strings.Split(strings.TrimSpace(history.stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, first+"\t"+second+"\tlisten on 8080", lines[0])
	assert.Equal(t, "\t"+first+"\tcreate app config", lines[1])

	down := p.run("downgrade", "base")
	require.Equal(t, ExitOK, down.code, down.stderr)
	assert.Contains(t, down.stdout, "OK: Reverted "+second)
	assert.Contains(t, down.stdout, "OK: Reverted "+first)
	assert.NoFileExists(t, filepath.Join(p.dataDir, "app.json"))

	entries := p.run("journal", "--limit", "3")
	require.Equal(t, ExitOK, entries.code, entries.stderr)
	rows := strings.Split(strings.TrimSpace(entries.stdout), "\n")
	require.Len(t, rows, 3)
	assert.Contains(t, rows[0], first+"\tdowngrade\tapplied")
}

func TestCLI_UpgradeToTarget(t *testing.T) {
	p := newTestProject(t)
	first := p.revision("create", "configevo://app.yaml#"+p.dataDir)
	p.revision("empty follow-up")

	res := p.run("upgrade", "head~1")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "OK: Applied "+first)

	status := p.run("status")
	assert.Equal(t, first, p.field(status.stdout, "revision"))
	assert.Equal(t, "1", p.field(status.stdout, "pending"))
	assert.FileExists(t, filepath.Join(p.dataDir, "app.yaml"))
}

// =============================================================================
// Exit codes
// =============================================================================

func TestCLI_NotInitialized(t *testing.T) {
	p := &testProject{t: t, root: t.TempDir()}
	p.cfgPath = filepath.Join(p.root, config.DefaultFile)

	for _, cmd := range []string{"status", "history", "upgrade", "journal"} {
		t.Run(cmd, func(t *testing.T) {
			res := p.run(cmd)
			assert.Equal(t, ExitPrecondition, res.code)
			assert.Contains(t, res.stderr, "ERROR: ")
			assert.Contains(t, res.stderr, "evolution init")
		})
	}
}

func TestCLI_InitTwice(t *testing.T) {
	p := newTestProject(t)
	res := p.run("init")
	assert.Equal(t, ExitPrecondition, res.code)
}

func TestCLI_UsageErrors(t *testing.T) {
	p := newTestProject(t)
	p.revision("create", "configevo://app.json#"+p.dataDir)
	from := p.writeFile("from.json", `{}`)

	tests := []struct {
		name string
		argv []string
	}{
		{"downgrade without target", []string{"downgrade"}},
		{"unknown flag", []string{"status", "--bogus"}},
		{"too many arguments", []string{"upgrade", "head", "tail"}},
		{"from without to", []string{"revision", "msg", "--from", from}},
		{"member without diff", []string{"revision", "msg", "--member", "core"}},
		{"blank message", []string{"revision", "  "}},
		{"missing diff file", []string{"revision", "msg", "--from", from, "--to", filepath.Join(p.root, "nope.json")}},
		{"unknown target", []string{"upgrade", "ffffffffffff"}},
		{"negative limit", []string{"journal", "--limit", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.run(tt.argv...)
			assert.Equal(t, ExitUsage, res.code, res.stderr)
		})
	}
}

func TestCLI_HandlerFault(t *testing.T) {
	p := newTestProject(t)
	first := p.revision("create", "configevo://app.json#"+p.dataDir)
	from := p.writeFile("from.json", `{"port":1}`)
	to := p.writeFile("to.json", `{"port":2}`)
	bad := p.revision("bump port", "--from", from, "--to", to)

	res := p.run("upgrade")
	assert.Equal(t, ExitHandlerFault, res.code)
	assert.Contains(t, res.stdout, "OK: Applied "+first)
	assert.Contains(t, res.stderr, bad)

	status := p.run("status")
	assert.Equal(t, first, p.field(status.stdout, "revision"))
}

func TestCLI_Locked(t *testing.T) {
	p := newTestProject(t)
	script := filepath.Join(p.root, "evolution")

	m, err := lock.NewManager(lock.Config{Dir: filepath.Join(script, ".locks")})
	require.NoError(t, err)
	defer m.Close()
	_, err = m.Acquire(filepath.Join(script, ".evolution.lock"), "other-run", "test")
	require.NoError(t, err)

	res := p.run("upgrade")
	assert.Equal(t, ExitPrecondition, res.code)

	// Read-only commands do not take the lock, and status names its holder.
	res = p.run("status")
	assert.Equal(t, ExitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, fmt.Sprintf("locked: pid %d, run other-run, test since", os.Getpid()))

	require.NoError(t, m.Release(filepath.Join(script, ".evolution.lock")))
	res = p.run("status")
	assert.Equal(t, ExitOK, res.code, res.stderr)
	assert.NotContains(t, res.stdout, "locked:")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, exitCode(nil))
	assert.Equal(t, ExitFailure, exitCode(assert.AnError))
	assert.Equal(t, ExitHandlerFault, exitCode(NewCommandError("x", ExitHandlerFault, nil)))
	assert.Equal(t, ExitPrecondition, exitCode(&lock.Error{Path: "p", Err: lock.ErrLocked}))
	assert.Equal(t, ExitUsage, exitCode(usageError(assert.AnError)))
	assert.Nil(t, usageError(nil))
}

func TestCommandError_Error(t *testing.T) {
	err := NewCommandError("upgrade", ExitFailure, assert.AnError)
	assert.Equal(t, "upgrade: "+assert.AnError.Error(), err.Error())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "upgrade failed (exit 1)", NewCommandError("upgrade", ExitFailure, nil).Error())
}

func TestTelemetryConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")

	got := telemetryConfig(telemetry.Config{})
	assert.Equal(t, serviceName, got.ServiceName)
	assert.Equal(t, "stdout", got.TraceExporter)

	got = telemetryConfig(telemetry.Config{TraceExporter: "none", ServiceName: "custom"})
	assert.Equal(t, "none", got.TraceExporter)
	assert.Equal(t, "custom", got.ServiceName)
}
