// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upgrade

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/configevo/pkg/evolution/journal"
)

var (
	// ErrNoShape is returned when a revision leaves no shape to checkpoint:
	// nothing was current and the handler did not create one.
	ErrNoShape = errors.New("revision produced no configuration shape")

	// ErrNoTarget is returned by Downgrade without a target.
	ErrNoTarget = errors.New("downgrade needs a target revision")
)

// HandlerFault reports a revision handler that failed. Revisions applied
// before it keep their checkpoints; nothing is rolled back.
type HandlerFault struct {
	RevisionID string
	Direction  journal.Direction
	Err        error
}

func (e *HandlerFault) Error() string {
	return fmt.Sprintf("%s of revision %s failed: %v", e.Direction, e.RevisionID, e.Err)
}

func (e *HandlerFault) Unwrap() error { return e.Err }
