// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func plantInfo(t *testing.T, m *Manager, target string, info Info) string {
	t.Helper()
	abs, _ := filepath.Abs(target)
	info.Path = abs
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	path := m.infoPath(abs)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewManager(t *testing.T) {
	t.Run("creates lock directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "locks")
		newTestManager(t, dir)
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("lock directory not created: %v", err)
		}
	})

	t.Run("requires directory", func(t *testing.T) {
		if _, err := NewManager(Config{}); err == nil {
			t.Error("expected error without a directory")
		}
	})

	t.Run("fails when directory cannot be created", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "file")
		if err := os.WriteFile(blocker, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := NewManager(Config{Dir: filepath.Join(blocker, "locks")}); err == nil {
			t.Error("expected error for unusable lock directory")
		}
	})
}

func TestManager_AcquireRelease(t *testing.T) {
	tmp := t.TempDir()
	m := newTestManager(t, filepath.Join(tmp, "locks"))
	target := filepath.Join(tmp, ".evolution.lock")

	info, err := m.Acquire(target, "run-1", "upgrade")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if info.PID != os.Getpid() || info.RunID != "run-1" || info.Reason != "upgrade" {
		t.Errorf("unexpected info: %+v", info)
	}
	if _, err := os.Stat(target); err != nil {
		t.Errorf("target file not created: %v", err)
	}

	locked, holder, err := m.IsLocked(target)
	if err != nil || !locked || holder.RunID != "run-1" {
		t.Errorf("IsLocked = %v, %+v, %v", locked, holder, err)
	}

	again, err := m.Acquire(target, "run-1", "downgrade")
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	if again.Reason != "downgrade" {
		t.Errorf("reason not updated: %q", again.Reason)
	}

	if err := m.Release(target); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if locked, _, _ := m.IsLocked(target); locked {
		t.Error("lock still reported after release")
	}
	if err := m.Release(target); !errors.Is(err, ErrNotHeld) {
		t.Errorf("second Release error = %v, want ErrNotHeld", err)
	}
}

func TestManager_ConflictSharedDir(t *testing.T) {
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "locks")
	first := newTestManager(t, dir)
	second := newTestManager(t, dir)
	target := filepath.Join(tmp, ".evolution.lock")

	if _, err := first.Acquire(target, "run-1", "upgrade"); err != nil {
		t.Fatal(err)
	}
	_, err := second.Acquire(target, "run-2", "upgrade")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	var lockErr *Error
	if !errors.As(err, &lockErr) || lockErr.Holder == nil || lockErr.Holder.RunID != "run-1" {
		t.Errorf("expected holder run-1, got %+v", lockErr)
	}
	if !strings.Contains(err.Error(), "upgrade") {
		t.Errorf("error should name the holder's reason: %v", err)
	}

	if err := first.Release(target); err != nil {
		t.Fatal(err)
	}
	if _, err := second.Acquire(target, "run-2", "upgrade"); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestManager_ConflictFlock(t *testing.T) {
	tmp := t.TempDir()
	first := newTestManager(t, filepath.Join(tmp, "a"))
	second := newTestManager(t, filepath.Join(tmp, "b"))
	target := filepath.Join(tmp, ".evolution.lock")

	if _, err := first.Acquire(target, "", "x"); err != nil {
		t.Fatal(err)
	}
	_, err := second.Acquire(target, "", "y")
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked from flock, got %v", err)
	}
}

func TestManager_StaleLocks(t *testing.T) {
	tmp := t.TempDir()
	m := newTestManager(t, filepath.Join(tmp, "locks"))
	dead := filepath.Join(tmp, "dead")
	expired := filepath.Join(tmp, "expired")
	live := filepath.Join(tmp, "live")

	plantInfo(t, m, dead, Info{PID: 0})
	plantInfo(t, m, expired, Info{PID: os.Getpid(), ExpiresAt: time.Now().Add(-time.Minute)})
	livePath := plantInfo(t, m, live, Info{PID: os.Getpid(), ExpiresAt: time.Now().Add(time.Hour)})

	if locked, _, _ := m.IsLocked(dead); locked {
		t.Error("lock of dead process reported as held")
	}

	cleaned, err := m.CleanupStale()
	if err != nil {
		t.Fatal(err)
	}
	if cleaned != 2 {
		t.Errorf("cleaned %d locks, want 2", cleaned)
	}
	if _, err := os.Stat(livePath); err != nil {
		t.Errorf("live lock removed: %v", err)
	}
}

func TestManager_AcquireReplacesStaleLock(t *testing.T) {
	tmp := t.TempDir()
	m := newTestManager(t, filepath.Join(tmp, "locks"))
	target := filepath.Join(tmp, ".evolution.lock")
	plantInfo(t, m, target, Info{PID: 0, RunID: "crashed"})

	info, err := m.Acquire(target, "run-2", "upgrade")
	if err != nil {
		t.Fatalf("Acquire over stale lock failed: %v", err)
	}
	if info.RunID != "run-2" {
		t.Errorf("RunID = %q", info.RunID)
	}
}

func TestManager_OnChange(t *testing.T) {
	tmp := t.TempDir()
	m := newTestManager(t, filepath.Join(tmp, "locks"))
	target := filepath.Join(tmp, ".evolution.lock")
	if _, err := m.Acquire(target, "", "test"); err != nil {
		t.Fatal(err)
	}

	events := make(chan ChangeEvent, 4)
	m.OnChange(target, func(e ChangeEvent) { events <- e })

	if err := os.WriteFile(target, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-events:
		if e.Type != ChangeWrite {
			t.Errorf("event type = %v, want write", e.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change event received")
	}
}

func TestChangeType_String(t *testing.T) {
	tests := map[ChangeType]string{
		ChangeWrite:   "write",
		ChangeDelete:  "delete",
		ChangeRename:  "rename",
		ChangeType(0): "unknown",
	}
	for c, want := range tests {
		if got := c.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", c, got, want)
		}
	}
}

func TestIsProcessAlive(t *testing.T) {
	if !IsProcessAlive(os.Getpid()) {
		t.Error("current process reported dead")
	}
	if IsProcessAlive(0) || IsProcessAlive(-1) {
		t.Error("non-positive pid reported alive")
	}
}
