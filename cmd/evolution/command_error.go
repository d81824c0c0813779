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
	"errors"
	"fmt"

	"github.com/AleutianAI/configevo/pkg/evolution"
	"github.com/AleutianAI/configevo/pkg/evolution/chain"
	"github.com/AleutianAI/configevo/pkg/evolution/upgrade"
	"github.com/AleutianAI/configevo/pkg/lock"
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitUsage        = 2
	ExitPrecondition = 3
	ExitHandlerFault = 4
)

// CommandError carries the exit code for a failed command.
//
// # Example
//
//	return NewCommandError("revision", ExitUsage, errors.New("--from needs --to"))
type CommandError struct {
	// Command is the subcommand that failed.
	Command string

	// ExitCode is the process exit code.
	ExitCode int

	// Wrapped is the underlying error.
	Wrapped error
}

func (e *CommandError) Error() string {
	if e.Wrapped == nil {
		return fmt.Sprintf("%s failed (exit %d)", e.Command, e.ExitCode)
	}
	if e.Command == "" {
		return e.Wrapped.Error()
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Wrapped)
}

func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// NewCommandError wraps err with an exit code.
func NewCommandError(cmd string, exitCode int, err error) *CommandError {
	return &CommandError{Command: cmd, ExitCode: exitCode, Wrapped: err}
}

// usageError marks err as a command line mistake.
func usageError(err error) error {
	if err == nil {
		return nil
	}
	return NewCommandError("", ExitUsage, err)
}

// exitCode maps an error returned by a command to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	var fault *upgrade.HandlerFault
	if errors.As(err, &fault) {
		return ExitHandlerFault
	}
	switch {
	case errors.Is(err, evolution.ErrNotInitialized),
		errors.Is(err, evolution.ErrAlreadyInitialized),
		errors.Is(err, lock.ErrLocked):
		return ExitPrecondition
	case errors.Is(err, upgrade.ErrNoTarget):
		return ExitUsage
	}
	var resErr *chain.ResolutionError
	if errors.As(err, &resErr) {
		return ExitUsage
	}
	return ExitFailure
}
