// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chain rebuilds the linear revision history from parent pointers
// and resolves references against it.
//
// Links are ordered newest first: index 0 is the head, the last index is
// the tail (genesis). Positions, used for ordering, count the other way:
// the tail is position 0.
//
// References follow the grammar <ref>[<dir><n>] where ref is "head",
// "tail" or a revision id, dir is "~" (n steps older) or "^" (n steps
// newer):
//
//	c.ParseRevision("head~1")   // parent of the head
//	c.ParseRevision("tail^2")   // two revisions after genesis
package chain

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/configevo/pkg/evolution/revision"
	"github.com/AleutianAI/configevo/pkg/logging"
)

// Reference names understood by ParseRevision.
const (
	Head = "head"
	Tail = "tail"
)

var refPattern = regexp.MustCompile(`^(\w+)(?:([~^])(\d+))?$`)

// Params are template values handed to the Renderer by Add.
type Params map[string]any

// Source lists and loads revision records.
type Source interface {
	Names(ctx context.Context) ([]string, error)
	Load(ctx context.Context, name string) (*revision.Revision, error)
}

// Renderer turns a new revision into record bytes.
type Renderer interface {
	Render(rev *revision.Revision, params Params) ([]byte, error)
}

// Sink persists a new revision record under rev.Filename().
type Sink interface {
	Store(ctx context.Context, rev *revision.Revision, data []byte) error
}

// Option configures a Chain.
type Option func(*Chain)

// WithSink sets where Add persists new records.
func WithSink(sink Sink) Option {
	return func(c *Chain) { c.sink = sink }
}

// WithRenderer sets how Add renders new records. Without one Add stores
// empty records.
func WithRenderer(r Renderer) Option {
	return func(c *Chain) { c.renderer = r }
}

// WithIDGenerator replaces the crypto/rand id generator.
func WithIDGenerator(g revision.IDGenerator) Option {
	return func(c *Chain) { c.ids = g }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *logging.Logger) Option {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the time source used for new revision dates.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// Chain is the ordered revision history.
type Chain struct {
	source   Source
	sink     Sink
	renderer Renderer
	ids      revision.IDGenerator
	logger   *logging.Logger
	now      func() time.Time

	mu     sync.RWMutex
	links  []*revision.Revision
	index  map[string]int
	loaded bool
}

// New returns an unbuilt chain over source. Call Build before anything else.
func New(source Source, opts ...Option) *Chain {
	c := &Chain{
		source: source,
		logger: logging.Nop(),
		now:    time.Now,
		index:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Build reloads every record from the source and relinks the history. On
// error the chain is left empty and unloaded.
func (c *Chain) Build(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.links, c.index, c.loaded = nil, make(map[string]int), false

	revs, err := c.loadRecords(ctx)
	if err != nil {
		return err
	}
	links, err := link(revs)
	if err != nil {
		return err
	}

	slices.Reverse(links)
	c.links = links
	for i, rev := range links {
		c.index[rev.ID] = i
	}
	c.loaded = true
	c.logger.Debug("revision chain built", "revisions", len(links), "head", c.head())
	return nil
}

func (c *Chain) loadRecords(ctx context.Context) ([]*revision.Revision, error) {
	names, err := c.source.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list revision records: %w", err)
	}
	var revs []*revision.Revision
	for _, name := range names {
		m := revision.FilenamePattern.FindStringSubmatch(name)
		if m == nil {
			c.logger.Debug("skipping non-revision file", "name", name)
			continue
		}
		rev, err := c.source.Load(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load revision %s: %w", name, err)
		}
		if rev.ID != m[1] {
			return nil, &StructuralError{Reason: "record name does not match its id " + name, IDs: []string{rev.ID}}
		}
		revs = append(revs, rev)
	}
	return revs, nil
}

// link orders revs oldest first by following parent pointers from genesis.
func link(revs []*revision.Revision) ([]*revision.Revision, error) {
	if len(revs) == 0 {
		return nil, nil
	}

	byID := make(map[string]*revision.Revision, len(revs))
	children := make(map[string]*revision.Revision, len(revs))
	var genesis []string
	for _, rev := range revs {
		if _, dup := byID[rev.ID]; dup {
			return nil, &StructuralError{Reason: "duplicate revision id", IDs: []string{rev.ID}}
		}
		byID[rev.ID] = rev
		if rev.IsGenesis() {
			genesis = append(genesis, rev.ID)
			continue
		}
		if other, taken := children[rev.ParentID]; taken {
			return nil, &StructuralError{
				Reason: "revisions share parent " + rev.ParentID,
				IDs:    sortedIDs(other.ID, rev.ID),
			}
		}
		children[rev.ParentID] = rev
	}

	switch len(genesis) {
	case 0:
		return nil, &StructuralError{Reason: "no genesis revision"}
	case 1:
	default:
		slices.Sort(genesis)
		return nil, &StructuralError{Reason: "multiple genesis revisions", IDs: genesis}
	}

	ordered := make([]*revision.Revision, 0, len(revs))
	for rev := byID[genesis[0]]; rev != nil; rev = children[rev.ID] {
		ordered = append(ordered, rev)
		if len(ordered) > len(revs) {
			break
		}
	}
	if len(ordered) != len(revs) {
		reached := make(map[string]bool, len(ordered))
		for _, rev := range ordered {
			reached[rev.ID] = true
		}
		var lost []string
		for id := range byID {
			if !reached[id] {
				lost = append(lost, id)
			}
		}
		slices.Sort(lost)
		return nil, &StructuralError{Reason: "revisions unreachable from genesis", IDs: lost}
	}
	return ordered, nil
}

func sortedIDs(ids ...string) []string {
	slices.Sort(ids)
	return ids
}

// Loaded reports whether Build has succeeded.
func (c *Chain) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Len is the number of revisions.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.links)
}

// Head is the newest revision id, or "" on an empty chain.
func (c *Chain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head()
}

func (c *Chain) head() string {
	if len(c.links) == 0 {
		return ""
	}
	return c.links[0].ID
}

// Tail is the genesis id, or "" on an empty chain.
func (c *Chain) Tail() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.links) == 0 {
		return ""
	}
	return c.links[len(c.links)-1].ID
}

// Links returns the revisions newest first.
func (c *Chain) Links() []*revision.Revision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.links)
}

// Get returns the revision with the given id.
func (c *Chain) Get(id string) (*revision.Revision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[strings.ToLower(id)]
	if !ok {
		return nil, false
	}
	return c.links[i], true
}

// ParseRevision resolves ref to a revision id.
func (c *Chain) ParseRevision(ref string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, err := c.resolve(ref)
	if err != nil {
		return "", err
	}
	return c.links[i].ID, nil
}

// Position resolves ref and returns its distance from the tail.
func (c *Chain) Position(ref string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, err := c.resolve(ref)
	if err != nil {
		return 0, err
	}
	return len(c.links) - 1 - i, nil
}

// resolve returns the index of ref in links. Callers hold mu.
func (c *Chain) resolve(ref string) (int, error) {
	if !c.loaded {
		return 0, fmt.Errorf("resolve %q: %w", ref, revision.ErrNotLoaded)
	}
	m := refPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(ref)))
	if m == nil {
		return 0, &ResolutionError{Ref: ref, Reason: "not a revision reference"}
	}

	var i int
	switch name := m[1]; name {
	case Head, Tail:
		if len(c.links) == 0 {
			return 0, &ResolutionError{Ref: ref, Reason: "the chain is empty"}
		}
		if name == Tail {
			i = len(c.links) - 1
		}
	default:
		idx, ok := c.index[name]
		if !ok {
			return 0, &ResolutionError{Ref: ref, Reason: "unknown revision"}
		}
		i = idx
	}

	if m[2] == "" {
		return i, nil
	}
	steps, err := strconv.Atoi(m[3])
	if err != nil {
		return 0, &ResolutionError{Ref: ref, Reason: "bad step count"}
	}
	if m[2] == "~" {
		i += steps
	} else {
		i -= steps
	}
	if i < 0 || i >= len(c.links) {
		return 0, &ResolutionError{Ref: ref, Reason: "moves past the end of the chain"}
	}
	return i, nil
}

// Walk yields revisions oldest to newest, strictly after oldRef up to and
// including newRef. With includeOld oldRef itself comes first. Nothing is
// yielded when newRef is older than oldRef.
//
// Both references are resolved before Walk returns. The sequence works on
// a snapshot and can be ranged over more than once.
func (c *Chain) Walk(oldRef, newRef string, includeOld bool) (iter.Seq[*revision.Revision], error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	oldIdx, err := c.resolve(oldRef)
	if err != nil {
		return nil, err
	}
	newIdx, err := c.resolve(newRef)
	if err != nil {
		return nil, err
	}
	start := oldIdx - 1
	if includeOld {
		start = oldIdx
	}
	links := slices.Clone(c.links)

	return func(yield func(*revision.Revision) bool) {
		if newIdx > oldIdx {
			return
		}
		for i := start; i >= newIdx; i-- {
			if !yield(links[i]) {
				return
			}
		}
	}, nil
}

// WalkAll yields the whole chain oldest to newest.
func (c *Chain) WalkAll() (iter.Seq[*revision.Revision], error) {
	if c.Len() == 0 && c.Loaded() {
		return func(func(*revision.Revision) bool) {}, nil
	}
	return c.Walk(Tail, Head, true)
}

// WalkBack yields revisions newest to oldest, from newRef down to but
// excluding oldRef. An empty oldRef walks down through genesis. Nothing is
// yielded when oldRef is newer than newRef.
func (c *Chain) WalkBack(newRef, oldRef string) (iter.Seq[*revision.Revision], error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	newIdx, err := c.resolve(newRef)
	if err != nil {
		return nil, err
	}
	stop := len(c.links)
	if oldRef != "" {
		if stop, err = c.resolve(oldRef); err != nil {
			return nil, err
		}
	}
	links := slices.Clone(c.links)

	return func(yield func(*revision.Revision) bool) {
		for i := newIdx; i < stop; i++ {
			if !yield(links[i]) {
				return
			}
		}
	}, nil
}

// Add creates a revision on top of the head, renders and stores it, and
// makes it the new head.
func (c *Chain) Add(ctx context.Context, message string, params Params) (*revision.Revision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		return nil, fmt.Errorf("add revision: %w", revision.ErrNotLoaded)
	}
	if c.sink == nil {
		return nil, fmt.Errorf("add revision: chain has no sink")
	}

	id, err := c.ids.Generate(func(id string) bool {
		_, taken := c.index[id]
		return taken
	})
	if err != nil {
		return nil, err
	}
	rev := revision.New(id, message, c.now(), c.head(), nil)

	var data []byte
	if c.renderer != nil {
		if data, err = c.renderer.Render(rev, params); err != nil {
			return nil, fmt.Errorf("render revision %s: %w", rev.ID, err)
		}
	}
	if err := c.sink.Store(ctx, rev, data); err != nil {
		return nil, fmt.Errorf("store revision %s: %w", rev.Filename(), err)
	}

	c.links = slices.Insert(c.links, 0, rev)
	for i, r := range c.links {
		c.index[r.ID] = i
	}
	c.logger.Info("revision added", "revision", rev.ID, "parent", rev.ParentID, "file", rev.Filename())
	return rev, nil
}
