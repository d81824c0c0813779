// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// ModeEnv overrides output mode detection.
const ModeEnv = "CONFIGEVO_OUTPUT"

// Mode controls how rich CLI output is.
type Mode string

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModePlain prints the same lines without styling.
	ModePlain Mode = "plain"

	// ModeMachine prints bare, tab-separated records for scripts.
	ModeMachine Mode = "machine"
)

// ParseMode converts a flag or environment value to a Mode. Unknown
// values fall back to plain.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "full", "color":
		return ModeRich
	case "machine", "quiet", "q":
		return ModeMachine
	default:
		return ModePlain
	}
}

// DetectMode picks rich output for terminals and plain output otherwise.
// The CONFIGEVO_OUTPUT environment variable wins over detection.
func DetectMode(w io.Writer) Mode {
	if env := os.Getenv(ModeEnv); env != "" {
		return ParseMode(env)
	}
	if isTerminal(w) {
		return ModeRich
	}
	return ModePlain
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
