// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chain

import (
	"fmt"
	"strings"
)

// ResolutionError reports a reference that does not name a revision of the
// chain.
type ResolutionError struct {
	Ref    string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve revision %q: %s", e.Ref, e.Reason)
}

// StructuralError reports revision records that do not form a single linear
// history.
type StructuralError struct {
	Reason string
	IDs    []string
}

func (e *StructuralError) Error() string {
	if len(e.IDs) == 0 {
		return "broken revision chain: " + e.Reason
	}
	return fmt.Sprintf("broken revision chain: %s (%s)", e.Reason, strings.Join(e.IDs, ", "))
}
