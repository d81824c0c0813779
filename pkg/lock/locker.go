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
	"os"
)

// FileLocker abstracts platform-specific file locking.
//
// # Description
//
// Unix uses flock(2), Windows uses LockFileEx. Both are non-blocking: a
// lock held elsewhere fails immediately with ErrLocked.
type FileLocker interface {
	// Lock acquires an exclusive lock on f.
	Lock(f *os.File) error

	// Unlock releases the lock on f. Safe to call when not locked.
	Unlock(f *os.File) error
}

// IsProcessAlive reports whether a process with the given PID exists.
// Used for stale lock detection.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return isProcessAlive(pid)
}

func newFileLocker() FileLocker {
	return newPlatformLocker()
}
