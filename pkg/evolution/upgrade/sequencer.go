// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package upgrade replays revisions against live configuration.
//
// The Sequencer works out which revision is currently applied by loading
// the configured shapes and reading the version marker of the newest one
// that has one, then walks the chain from there to the target, checkpointing the
// marker after every revision. A failed revision stops the run and leaves
// the earlier checkpoints in place, so the next run resumes where this one
// stopped.
package upgrade

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/configevo/pkg/evolution/chain"
	"github.com/AleutianAI/configevo/pkg/evolution/journal"
	"github.com/AleutianAI/configevo/pkg/evolution/marker"
	"github.com/AleutianAI/configevo/pkg/evolution/revision"
	"github.com/AleutianAI/configevo/pkg/evolution/shape"
	"github.com/AleutianAI/configevo/pkg/logging"
	"github.com/AleutianAI/configevo/pkg/telemetry"
)

// Base is the Downgrade target that undoes every revision, genesis
// included.
const Base = "base"

// History is the part of the revision chain the sequencer needs.
// *chain.Chain implements it.
type History interface {
	Len() int
	ParseRevision(ref string) (string, error)
	Position(ref string) (int, error)
	Walk(oldRef, newRef string, includeOld bool) (iter.Seq[*revision.Revision], error)
	WalkBack(newRef, oldRef string) (iter.Seq[*revision.Revision], error)
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *logging.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithJournal records every applied or failed revision.
func WithJournal(j journal.Journal) Option {
	return func(s *Sequencer) {
		if j != nil {
			s.journal = j
		}
	}
}

// WithProgress calls fn before each revision is applied.
func WithProgress(fn func(dir journal.Direction, rev *revision.Revision)) Option {
	return func(s *Sequencer) { s.progress = fn }
}

// Sequencer applies revisions to configuration shapes.
//
// # Description
//
// Bindings map a revision reference to the shape that is active from that
// revision onward. A project whose configuration moved from app.json to a
// group at revision R binds the old file to the tail and the group to R.
//
// # Thread Safety
//
// A Sequencer is not safe for concurrent use. Callers serialise runs, for
// example with a lock file.
type Sequencer struct {
	history  History
	bindings map[string]shape.Shape
	logger   *logging.Logger
	journal  journal.Journal
	progress func(journal.Direction, *revision.Revision)
}

// New returns a sequencer over history and bindings.
func New(history History, bindings map[string]shape.Shape, opts ...Option) *Sequencer {
	s := &Sequencer{
		history:  history,
		bindings: bindings,
		logger:   logging.Nop(),
		journal:  journal.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result describes a finished run.
type Result struct {
	RunID     string
	Direction journal.Direction

	// From is the revision applied before the run, "" for pre-history.
	From string

	// To is the resolved target, "" when downgrading to Base.
	To string

	// Applied lists the revisions run, in order.
	Applied []string

	// NoOp is set when there was nothing to do.
	NoOp bool
}

// Status is the discovered state of the configuration.
type Status struct {
	// Revision is the applied revision id, "" in pre-history.
	Revision string

	// Binding is the reference of the current shape's binding.
	Binding string

	// Shape is the current shape, nil when nothing is stored.
	Shape shape.Shape

	// PreHistory is set when no revision has been applied yet.
	PreHistory bool
}

type binding struct {
	ref   string
	id    string
	pos   int
	shape shape.Shape
}

// Current discovers the applied revision without changing anything.
func (s *Sequencer) Current(ctx context.Context) (*Status, error) {
	if s.history.Len() == 0 || len(s.bindings) == 0 {
		return &Status{PreHistory: true}, nil
	}
	bindings, err := s.resolveBindings()
	if err != nil {
		return nil, err
	}
	return s.discover(ctx, s.logger, bindings)
}

// Upgrade applies every revision after the current one up to target, which
// defaults to the head.
func (s *Sequencer) Upgrade(ctx context.Context, target string) (*Result, error) {
	if target == "" {
		target = chain.Head
	}
	res, logger := s.newRun(journal.DirectionUpgrade)
	logger.Info("upgrade started", "target", target)

	ctx, span := telemetry.StartSpan(ctx, instrumentationName, "upgrade.Run",
		trace.WithAttributes(attribute.String("upgrade.target", target), attribute.String("upgrade.run_id", res.RunID)))
	defer span.End()
	if id := telemetry.TraceID(ctx); id != "" {
		logger = logger.With("trace_id", id)
	}

	if done := s.nothingToDo(logger, res); done {
		return res, nil
	}

	targetID, err := s.history.ParseRevision(target)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	res.To = targetID

	bindings, err := s.resolveBindings()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	status, err := s.discover(ctx, logger, bindings)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	res.From = status.Revision

	start := status.Revision
	if status.PreHistory {
		start = chain.Tail
	} else if start == targetID {
		logger.Info("already at target revision", "revision", targetID)
		res.NoOp = true
		return res, nil
	}

	revs, err := s.history.Walk(start, targetID, status.PreHistory)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	current := status.Shape
	for rev := range revs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if current, err = s.apply(ctx, logger, res, rev, current); err != nil {
			telemetry.RecordError(span, err)
			return res, err
		}
	}

	if len(res.Applied) == 0 {
		logger.Info("target is not newer than the current revision; use downgrade to go back",
			"current", status.Revision, "target", targetID)
		res.NoOp = true
		return res, nil
	}
	telemetry.SetSpanOK(span)
	logger.Info("upgrade finished", "from", res.From, "to", res.To, "applied", len(res.Applied))
	return res, nil
}

// Downgrade undoes revisions newest first until target is the applied
// revision. Base undoes everything.
func (s *Sequencer) Downgrade(ctx context.Context, target string) (*Result, error) {
	if target == "" {
		return nil, ErrNoTarget
	}
	res, logger := s.newRun(journal.DirectionDowngrade)
	logger.Info("downgrade started", "target", target)

	ctx, span := telemetry.StartSpan(ctx, instrumentationName, "upgrade.Run",
		trace.WithAttributes(attribute.String("upgrade.target", target), attribute.String("upgrade.run_id", res.RunID)))
	defer span.End()
	if id := telemetry.TraceID(ctx); id != "" {
		logger = logger.With("trace_id", id)
	}

	if done := s.nothingToDo(logger, res); done {
		return res, nil
	}

	var targetID string
	if target != Base {
		id, err := s.history.ParseRevision(target)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		targetID = id
	}
	res.To = targetID

	bindings, err := s.resolveBindings()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	status, err := s.discover(ctx, logger, bindings)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	res.From = status.Revision

	if status.PreHistory || status.Revision == targetID {
		logger.Info("already at target revision", "revision", status.Revision)
		res.NoOp = true
		return res, nil
	}

	revs, err := s.history.WalkBack(status.Revision, targetID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	current := status.Shape
	for rev := range revs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if current, err = s.apply(ctx, logger, res, rev, current); err != nil {
			telemetry.RecordError(span, err)
			return res, err
		}
	}

	if len(res.Applied) == 0 {
		logger.Info("target is not older than the current revision; use upgrade to go forward",
			"current", status.Revision, "target", targetID)
		res.NoOp = true
		return res, nil
	}
	telemetry.SetSpanOK(span)
	logger.Info("downgrade finished", "from", res.From, "to", res.To, "undone", len(res.Applied))
	return res, nil
}

func (s *Sequencer) newRun(dir journal.Direction) (*Result, *logging.Logger) {
	runID := uuid.NewString()
	return &Result{RunID: runID, Direction: dir}, s.logger.With("operation", string(dir), "run_id", runID)
}

func (s *Sequencer) nothingToDo(logger *logging.Logger, res *Result) bool {
	switch {
	case s.history.Len() == 0:
		logger.Info("the revision chain is empty, nothing to do")
	case len(s.bindings) == 0:
		logger.Info("no configuration shapes are bound, nothing to do")
	default:
		return false
	}
	res.NoOp = true
	return true
}

// resolveBindings resolves binding references and orders them oldest
// first. Two references to the same revision are an error.
func (s *Sequencer) resolveBindings() ([]binding, error) {
	refs := make([]string, 0, len(s.bindings))
	for ref := range s.bindings {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	seen := make(map[string]string, len(refs))
	out := make([]binding, 0, len(refs))
	for _, ref := range refs {
		id, err := s.history.ParseRevision(ref)
		if err != nil {
			return nil, fmt.Errorf("shape binding %q: %w", ref, err)
		}
		if other, dup := seen[id]; dup {
			return nil, fmt.Errorf("shape bindings %q and %q both resolve to revision %s", other, ref, id)
		}
		seen[id] = ref
		pos, err := s.history.Position(id)
		if err != nil {
			return nil, fmt.Errorf("shape binding %q: %w", ref, err)
		}
		out = append(out, binding{ref: ref, id: id, pos: pos, shape: s.bindings[ref]})
	}
	slices.SortFunc(out, func(a, b binding) int { return a.pos - b.pos })
	return out, nil
}

// discover finds the current shape and the revision applied to it.
//
// Every binding is loaded; the newest one that has stored data and a
// version marker is provisionally current. Its marker names the applied
// revision, and the newest binding at or before that revision becomes
// current. Stored data with no marker on any shape counts as pre-history.
func (s *Sequencer) discover(ctx context.Context, logger *logging.Logger, bindings []binding) (*Status, error) {
	var loaded []*binding
	for i := range bindings {
		b := &bindings[i]
		ok, err := b.shape.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load shape %s: %w", b.shape.Name(), err)
		}
		logger.Debug("shape probed", "binding", b.ref, "shape", b.shape.String(), "found", ok)
		if ok {
			loaded = append(loaded, b)
		}
	}
	if len(loaded) == 0 {
		logger.Debug("no stored configuration found, starting from pre-history")
		return &Status{PreHistory: true}, nil
	}

	// Data stored for a newer binding without a marker, such as a file
	// written by hand, does not hide an older shape that carries one.
	var cur *binding
	var id string
	for i := len(loaded) - 1; i >= 0; i-- {
		b := loaded[i]
		got, ok, err := marker.Read(ctx, b.shape)
		if err != nil {
			return nil, err
		}
		if ok {
			cur, id = b, got
			break
		}
		logger.Debug("stored shape has no version marker", "binding", b.ref, "shape", b.shape.String())
	}
	if cur == nil {
		newest := loaded[len(loaded)-1]
		logger.Warn("configuration has no version marker, treating it as pre-history", "shape", newest.shape.String())
		return &Status{PreHistory: true, Shape: newest.shape, Binding: newest.ref}, nil
	}

	pos, err := s.history.Position(id)
	if err != nil {
		return nil, fmt.Errorf("version marker of %s: %w", cur.shape.Name(), err)
	}
	for i := len(bindings) - 1; i >= 0; i-- {
		b := &bindings[i]
		if b.pos > pos {
			continue
		}
		if b != cur && !b.shape.IsLoaded() {
			logger.Warn("shape bound at the applied revision is not stored, keeping the marked shape",
				"binding", b.ref, "kept", cur.ref)
			break
		}
		cur = b
		break
	}

	logger.Debug("current revision discovered", "revision", id, "binding", cur.ref)
	return &Status{Revision: id, Shape: cur.shape, Binding: cur.ref}, nil
}

// apply runs one revision in the result's direction and checkpoints it.
func (s *Sequencer) apply(ctx context.Context, logger *logging.Logger, res *Result, rev *revision.Revision, current shape.Shape) (shape.Shape, error) {
	dir := res.Direction
	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, instrumentationName, "upgrade.Apply",
		trace.WithAttributes(attribute.String("revision.id", rev.ID), attribute.String("upgrade.direction", string(dir))))
	defer span.End()

	if s.progress != nil {
		s.progress(dir, rev)
	}
	args := revision.ArgsFor(current)
	logger.Debug("applying revision", "revision", rev.ID, "direction", string(dir), "message", rev.Message, "shape", describe(current))

	var next shape.Shape
	var err error
	if dir == journal.DirectionUpgrade {
		next, err = rev.Upgrade(ctx, args)
	} else {
		next, err = rev.Downgrade(ctx, args)
	}
	if err == nil && next == nil && current == nil {
		err = ErrNoShape
	}
	if err != nil {
		fault := &HandlerFault{RevisionID: rev.ID, Direction: dir, Err: err}
		logger.Error("revision handler failed",
			"revision", rev.ID, "direction", string(dir), "message", rev.Message,
			"shape", describe(current), "error", err.Error())
		s.finish(ctx, logger, span, res, rev, current, started, fault)
		return current, fault
	}

	prev := current
	if next != nil {
		current = next
	}
	if err := s.checkpoint(ctx, dir, rev, prev, current); err != nil {
		logger.Error("checkpoint failed", "revision", rev.ID, "error", err.Error())
		s.finish(ctx, logger, span, res, rev, current, started, err)
		return current, err
	}

	res.Applied = append(res.Applied, rev.ID)
	logger.Info("revision applied", "revision", rev.ID, "direction", string(dir), "shape", describe(current))
	s.finish(ctx, logger, span, res, rev, current, started, nil)
	return current, nil
}

// checkpoint persists the shape and its marker. An upgrade records the
// revision itself; a downgrade records the parent, and undoing genesis
// returns the target to pre-history without writing the shape.
func (s *Sequencer) checkpoint(ctx context.Context, dir journal.Direction, rev *revision.Revision, prev, current shape.Shape) error {
	if dir == journal.DirectionUpgrade {
		if err := current.Dump(ctx, nil); err != nil {
			return fmt.Errorf("write shape after %s: %w", rev.ID, err)
		}
		return marker.Write(ctx, current, rev.ID)
	}

	if prev != nil && prev != current {
		if err := marker.Remove(ctx, prev); err != nil {
			return err
		}
	}
	if rev.IsGenesis() {
		return marker.Remove(ctx, current)
	}
	if err := current.Dump(ctx, nil); err != nil {
		return fmt.Errorf("write shape after undoing %s: %w", rev.ID, err)
	}
	return marker.Write(ctx, current, rev.ParentID)
}

func (s *Sequencer) finish(ctx context.Context, logger *logging.Logger, span trace.Span, res *Result, rev *revision.Revision, current shape.Shape, started time.Time, err error) {
	entry := journal.Entry{
		RunID:      res.RunID,
		RevisionID: rev.ID,
		Direction:  res.Direction,
		Status:     journal.StatusApplied,
	}
	if current != nil {
		if p, perr := current.Path(); perr == nil {
			entry.Target = p
		}
	}
	if err != nil {
		entry.Status = journal.StatusFaulted
		entry.Error = err.Error()
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}
	if jerr := s.journal.Record(ctx, entry); jerr != nil {
		logger.Warn("journal write failed", "revision", rev.ID, "error", jerr.Error())
	}
	recordStep(ctx, res.Direction, time.Since(started), err != nil)
}

func describe(s shape.Shape) string {
	if s == nil {
		return "<none>"
	}
	return s.String()
}
