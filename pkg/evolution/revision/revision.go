// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package revision defines a single step of configuration history: an
// immutable record with an id, a parent pointer, and the handler that
// transforms a configuration shape forwards and backwards.
package revision

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/AleutianAI/configevo/pkg/evolution/shape"
)

const (
	// IDLength is the number of hex digits in a revision id.
	IDLength = 12

	// DateLayout formats revision dates in records and listings.
	DateLayout = "2006-01-02 15:04:05"

	maxSlugLength = 48
)

// FilenamePattern matches revision record names and captures the id.
var FilenamePattern = regexp.MustCompile(`^([0-9a-f]{12})_.+\.ya?ml$`)

var (
	// ErrNotLoaded is returned by chain operations that need a built chain.
	ErrNotLoaded = errors.New("revision chain is not loaded")

	// ErrNoHandler is returned when a revision without a handler is applied.
	ErrNoHandler = errors.New("revision has no handler")
)

// Handler transforms a shape for one revision. Either method may return a
// new shape that replaces the current one, or nil to keep the current shape.
// Handlers must not leave partially written data behind on error.
type Handler interface {
	Upgrade(ctx context.Context, args Args) (shape.Shape, error)
	Downgrade(ctx context.Context, args Args) (shape.Shape, error)
}

// Revision is one immutable link of the chain.
type Revision struct {
	ID       string
	Message  string
	Date     time.Time
	ParentID string
	Handler  Handler
}

// New builds a revision. A zero date becomes the current time, truncated to
// the second so the date survives a round trip through DateLayout.
func New(id, message string, date time.Time, parentID string, handler Handler) *Revision {
	if date.IsZero() {
		date = time.Now()
	}
	return &Revision{
		ID:       strings.ToLower(id),
		Message:  message,
		Date:     date.Truncate(time.Second),
		ParentID: strings.ToLower(parentID),
		Handler:  handler,
	}
}

// IsGenesis reports whether the revision starts the chain.
func (r *Revision) IsGenesis() bool {
	return r.ParentID == ""
}

// DateString formats the date with DateLayout.
func (r *Revision) DateString() string {
	return r.Date.Format(DateLayout)
}

// Filename is the record name: "<id>_<slug of message>.yaml".
func (r *Revision) Filename() string {
	return fmt.Sprintf("%s_%s.yaml", r.ID, Slug(r.Message))
}

// Upgrade runs the handler's forward step.
func (r *Revision) Upgrade(ctx context.Context, args Args) (shape.Shape, error) {
	if r.Handler == nil {
		return nil, fmt.Errorf("upgrade %s: %w", r.ID, ErrNoHandler)
	}
	return r.Handler.Upgrade(ctx, args)
}

// Downgrade runs the handler's backward step.
func (r *Revision) Downgrade(ctx context.Context, args Args) (shape.Shape, error) {
	if r.Handler == nil {
		return nil, fmt.Errorf("downgrade %s: %w", r.ID, ErrNoHandler)
	}
	return r.Handler.Downgrade(ctx, args)
}

// Equal compares id, message, parent and date at DateLayout precision.
// Handlers are not compared.
func (r *Revision) Equal(other *Revision) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.ID == other.ID &&
		r.Message == other.Message &&
		r.ParentID == other.ParentID &&
		r.DateString() == other.DateString()
}

func (r *Revision) String() string {
	return fmt.Sprintf("<Revision id: %s, message: %s, date: %s, parent: %s>",
		r.ID, r.Message, r.DateString(), r.ParentID)
}

// Slug turns a message into a lower-case ASCII file name fragment. Accents
// are stripped, every other run of non-alphanumerics becomes one "-". An
// empty result becomes "revision".
func Slug(message string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, message)
	if err != nil {
		folded = message
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}

	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return "revision"
	}
	return slug
}
