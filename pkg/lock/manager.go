// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock serialises runs against one project with advisory file
// locks.
//
// A Manager locks a target file with flock(2) (LockFileEx on Windows) and
// writes a JSON info file beside it naming the holder, so a second process
// can report who holds the lock and clean up after a crashed holder. Locked
// targets are watched with fsnotify; callbacks fire when another process
// writes, removes or renames them.
package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/configevo/pkg/logging"
)

var (
	// ErrLocked is returned when another process holds the lock.
	ErrLocked = errors.New("lock is held by another process")

	// ErrNotHeld is returned when releasing a lock this manager does not hold.
	ErrNotHeld = errors.New("lock not held")
)

// Info describes a lock holder. It is stored as JSON in the lock directory.
type Info struct {
	Path      string    `json:"path"`
	PID       int       `json:"pid"`
	RunID     string    `json:"run_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the lock outlived its TTL.
func (i *Info) IsExpired() bool {
	return !i.ExpiresAt.IsZero() && time.Now().After(i.ExpiresAt)
}

// stale reports whether the holder is gone or the lock expired.
func (i *Info) stale() bool {
	return i.IsExpired() || !IsProcessAlive(i.PID)
}

// Error reports a lock conflict.
type Error struct {
	Path   string
	Holder *Info
	Err    error
}

func (e *Error) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v (pid %d since %s, %s)",
		e.Path, e.Err, e.Holder.PID, e.Holder.LockedAt.Format(time.RFC3339), e.Holder.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// ChangeType classifies an external change to a locked file.
type ChangeType int

const (
	ChangeWrite ChangeType = iota + 1
	ChangeDelete
	ChangeRename
)

func (c ChangeType) String() string {
	switch c {
	case ChangeWrite:
		return "write"
	case ChangeDelete:
		return "delete"
	case ChangeRename:
		return "rename"
	default:
		return "unknown"
	}
}

// ChangeEvent is passed to callbacks registered with OnChange.
type ChangeEvent struct {
	Path string
	Type ChangeType
}

// Config configures a Manager.
type Config struct {
	// Dir holds the JSON info files. Created if missing.
	Dir string

	// TTL bounds how long a lock counts as held when its holder cannot be
	// checked. Defaults to one hour.
	TTL time.Duration

	// CleanupOnInit removes stale info files when the manager starts.
	CleanupOnInit bool

	Logger *logging.Logger
}

type entry struct {
	file     *os.File
	infoPath string
	info     *Info
}

// Manager acquires and releases file locks.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Manager struct {
	dir    string
	ttl    time.Duration
	locker FileLocker
	logger *logging.Logger

	mu    sync.Mutex
	locks map[string]*entry

	watcher   *fsnotify.Watcher
	watcherMu sync.Mutex
	callbacks map[string][]func(ChangeEvent)
}

// NewManager creates the lock directory and starts the file watcher.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("lock directory is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", cfg.Dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	m := &Manager{
		dir:       cfg.Dir,
		ttl:       cfg.TTL,
		locker:    newFileLocker(),
		logger:    cfg.Logger,
		locks:     make(map[string]*entry),
		watcher:   watcher,
		callbacks: make(map[string][]func(ChangeEvent)),
	}
	go m.watchLoop()

	if cfg.CleanupOnInit {
		cleaned, err := m.CleanupStale()
		if err != nil {
			m.logger.Warn("failed to clean up stale locks", "error", err.Error())
		} else if cleaned > 0 {
			m.logger.Info("cleaned up stale locks", "count", cleaned)
		}
	}
	return m, nil
}

// Acquire locks path, creating the file when it does not exist. Acquiring a
// lock this manager already holds updates the reason.
//
// # Outputs
//
//   - *Info: The new holder record.
//   - error: *Error wrapping ErrLocked when another process holds the lock.
func (m *Manager) Acquire(path, runID, reason string) (*Info, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.locks[absPath]; ok {
		e.info.Reason = reason
		return e.info, nil
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	infoPath := m.infoPath(absPath)
	if holder, err := readInfo(infoPath); err == nil {
		if !holder.stale() {
			return nil, &Error{Path: absPath, Holder: holder, Err: ErrLocked}
		}
		m.logger.Info("removing stale lock", "path", absPath, "old_pid", holder.PID)
		_ = os.Remove(infoPath)
	}

	f, err := os.OpenFile(absPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening file for lock %s: %w", absPath, err)
	}
	if err := m.locker.Lock(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, &Error{Path: absPath, Err: ErrLocked}
		}
		return nil, fmt.Errorf("acquiring lock on %s: %w", absPath, err)
	}

	now := time.Now()
	info := &Info{
		Path:      absPath,
		PID:       os.Getpid(),
		RunID:     runID,
		Reason:    reason,
		LockedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := writeInfo(infoPath, info); err != nil {
		_ = m.locker.Unlock(f)
		f.Close()
		return nil, fmt.Errorf("writing lock info: %w", err)
	}

	m.addWatch(absPath)
	m.locks[absPath] = &entry{file: f, infoPath: infoPath, info: info}
	m.logger.Debug("acquired lock", "path", absPath, "reason", reason,
		"expires_at", info.ExpiresAt.Format(time.RFC3339))
	return info, nil
}

// Release unlocks path. It returns ErrNotHeld when this manager does not
// hold the lock.
func (m *Manager) Release(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving path %s: %w", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[absPath]
	if !ok {
		return ErrNotHeld
	}
	return m.release(absPath, e)
}

// release drops one lock. Callers hold mu.
func (m *Manager) release(absPath string, e *entry) error {
	m.removeWatch(absPath)

	var firstErr error
	if err := m.locker.Unlock(e.file); err != nil {
		firstErr = fmt.Errorf("unlocking %s: %w", absPath, err)
	}
	e.file.Close()
	if err := os.Remove(e.infoPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("failed to remove lock info", "path", e.infoPath, "error", err.Error())
	}
	delete(m.locks, absPath)
	m.logger.Debug("released lock", "path", absPath)
	return firstErr
}

// ReleaseAll releases every lock, continuing past errors. It returns the
// first error.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for path, e := range m.locks {
		if err := m.release(path, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsLocked reports whether any live process holds a lock on path.
func (m *Manager) IsLocked(path string) (bool, *Info, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, nil, fmt.Errorf("resolving path %s: %w", path, err)
	}

	m.mu.Lock()
	if e, ok := m.locks[absPath]; ok {
		m.mu.Unlock()
		return true, e.info, nil
	}
	m.mu.Unlock()

	info, err := readInfo(m.infoPath(absPath))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if info.stale() {
		return false, nil, nil
	}
	return true, info, nil
}

// CleanupStale removes info files left by dead processes or expired
// locks. It returns how many were removed.
func (m *Manager) CleanupStale() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading lock directory: %w", err)
	}

	cleaned := 0
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".lock" {
			continue
		}
		infoPath := filepath.Join(m.dir, de.Name())
		info, err := readInfo(infoPath)
		if err != nil {
			m.logger.Warn("failed to read lock info", "path", infoPath, "error", err.Error())
			continue
		}
		if !info.stale() {
			continue
		}
		m.logger.Info("cleaning up stale lock", "path", info.Path, "pid", info.PID, "expired", info.IsExpired())
		if err := os.Remove(infoPath); err != nil {
			m.logger.Warn("failed to remove stale lock", "path", infoPath, "error", err.Error())
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// OnChange registers cb for external changes to a locked path.
func (m *Manager) OnChange(path string, cb func(ChangeEvent)) {
	absPath, _ := filepath.Abs(path)
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()
	m.callbacks[absPath] = append(m.callbacks[absPath], cb)
}

// Close releases every lock and stops the watcher.
func (m *Manager) Close() error {
	if err := m.ReleaseAll(); err != nil {
		m.logger.Warn("error releasing locks during close", "error", err.Error())
	}
	return m.watcher.Close()
}

// =============================================================================
// Internal helpers
// =============================================================================

// infoPath names the info file after the first 16 hex digits of the
// SHA-256 of the locked path.
func (m *Manager) infoPath(absPath string) string {
	sum := sha256.Sum256([]byte(absPath))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:])[:16]+".lock")
}

func writeInfo(path string, info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing lock info %s: %w", path, err)
	}
	return &info, nil
}

func (m *Manager) addWatch(path string) {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()
	if err := m.watcher.Add(path); err != nil {
		m.logger.Warn("failed to watch file", "path", path, "error", err.Error())
	}
}

func (m *Manager) removeWatch(path string) {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()
	_ = m.watcher.Remove(path)
	delete(m.callbacks, path)
}

func (m *Manager) watchLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("file watcher error", "error", err.Error())
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	var kind ChangeType
	switch {
	case event.Has(fsnotify.Write):
		kind = ChangeWrite
	case event.Has(fsnotify.Remove):
		kind = ChangeDelete
	case event.Has(fsnotify.Rename):
		kind = ChangeRename
	default:
		return
	}

	absPath, _ := filepath.Abs(event.Name)
	m.mu.Lock()
	_, held := m.locks[absPath]
	m.mu.Unlock()
	if !held {
		return
	}

	m.logger.Warn("external modification detected on locked file", "path", absPath, "event", kind.String())

	m.watcherMu.Lock()
	callbacks := slices.Clone(m.callbacks[absPath])
	m.watcherMu.Unlock()
	for _, cb := range callbacks {
		cb(ChangeEvent{Path: absPath, Type: kind})
	}
}
