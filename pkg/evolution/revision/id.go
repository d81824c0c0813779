// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package revision

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

var (
	idMin   = big.NewInt(0x100000000000)
	idSpan  = big.NewInt(0xffffffffffff - 0x100000000000 + 1)
	idWidth = fmt.Sprintf("%%0%dx", IDLength)
)

// IDGenerator draws revision ids uniformly from
// [0x100000000000, 0xffffffffffff], so every id has exactly IDLength digits.
type IDGenerator struct {
	// Source supplies randomness. Nil means crypto/rand.
	Source io.Reader
}

// Generate returns an id for which exists reports false. It retries without
// limit; the id space is large enough that collisions are rare.
func (g IDGenerator) Generate(exists func(id string) bool) (string, error) {
	src := g.Source
	if src == nil {
		src = rand.Reader
	}
	for {
		n, err := rand.Int(src, idSpan)
		if err != nil {
			return "", fmt.Errorf("generate revision id: %w", err)
		}
		id := fmt.Sprintf(idWidth, n.Add(n, idMin))
		if exists == nil || !exists(id) {
			return id, nil
		}
	}
}

// GenerateID returns an id not present in existing.
func GenerateID(existing map[string]bool) (string, error) {
	return IDGenerator{}.Generate(func(id string) bool { return existing[id] })
}
