// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evolution ties a project file to its revision chain, its bound
// configuration shapes and its journal.
//
// A Project is what the evolution CLI drives:
//
//	p, err := evolution.Open(ctx, "evolution.yaml", evolution.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	res, err := p.Upgrade(ctx, "head")
package evolution

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/AleutianAI/configevo/pkg/evolution/chain"
	"github.com/AleutianAI/configevo/pkg/evolution/config"
	"github.com/AleutianAI/configevo/pkg/evolution/journal"
	"github.com/AleutianAI/configevo/pkg/evolution/patch"
	"github.com/AleutianAI/configevo/pkg/evolution/revision"
	"github.com/AleutianAI/configevo/pkg/evolution/script"
	"github.com/AleutianAI/configevo/pkg/evolution/shape"
	"github.com/AleutianAI/configevo/pkg/evolution/shape/gcs"
	"github.com/AleutianAI/configevo/pkg/evolution/upgrade"
	"github.com/AleutianAI/configevo/pkg/logging"
)

var (
	// ErrNotInitialized is returned by Open when the project file is missing.
	ErrNotInitialized = errors.New("project is not initialised; run \"evolution init\"")

	// ErrAlreadyInitialized is returned by Init when the project file exists.
	ErrAlreadyInitialized = errors.New("project is already initialised")
)

// Init creates a project: the project file at cfgPath, scriptDir/versions
// and the default revision template. scriptDir is written to the project
// file as given.
func Init(scriptDir, cfgPath string) (*config.Config, error) {
	if _, err := os.Stat(cfgPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, cfgPath)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg := config.Default(scriptDir)
	if err := config.Save(cfgPath, cfg); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.VersionsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create versions directory: %w", err)
	}
	tmpl := cfg.TemplatePath()
	if _, err := os.Stat(tmpl); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(tmpl, script.DefaultTemplate(), 0o644); err != nil {
			return nil, fmt.Errorf("write revision template: %w", err)
		}
	}
	return cfg, nil
}

// Option configures Open.
type Option func(*options)

type options struct {
	logger  *logging.Logger
	journal journal.Journal
	ids     *revision.IDGenerator
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithJournal replaces the journal named in the project file.
func WithJournal(j journal.Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithIDGenerator sets how new revision ids are drawn.
func WithIDGenerator(g revision.IDGenerator) Option {
	return func(o *options) { o.ids = &g }
}

// Project is an opened evolution project.
type Project struct {
	cfg     *config.Config
	cfgPath string
	store   *script.DirStore
	chain   *chain.Chain
	journal journal.Journal
	gcs     *gcs.Client
	logger  *logging.Logger
}

// Open loads the project file, builds the revision chain and opens the
// journal.
func Open(ctx context.Context, cfgPath string, opts ...Option) (*Project, error) {
	o := options{logger: logging.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load(cfgPath)
	if errors.Is(err, config.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrNotInitialized, err)
	}
	if err != nil {
		return nil, err
	}

	p := &Project{cfg: cfg, cfgPath: cfgPath, logger: o.logger}
	if cfg.GCS != nil {
		client, err := gcs.NewClient(ctx, gcs.Config{
			Bucket:          cfg.GCS.Bucket,
			Prefix:          cfg.GCS.Prefix,
			CredentialsFile: cfg.Path(cfg.GCS.CredentialsFile),
		})
		if err != nil {
			return nil, err
		}
		client.Register()
		p.gcs = client
	}

	renderer, err := script.NewTemplateRenderer(cfg.TemplatePath())
	if err != nil {
		p.Close()
		return nil, err
	}
	p.store = script.NewDirStore(cfg.VersionsDir(), o.logger)
	chainOpts := []chain.Option{
		chain.WithSink(p.store),
		chain.WithRenderer(renderer),
		chain.WithLogger(o.logger),
	}
	if o.ids != nil {
		chainOpts = append(chainOpts, chain.WithIDGenerator(*o.ids))
	}
	p.chain = chain.New(p.store, chainOpts...)
	if err := p.chain.Build(ctx); err != nil {
		p.Close()
		return nil, err
	}

	if o.journal != nil {
		p.journal = o.journal
	} else if p.journal, err = journal.Open(ctx, cfg.JournalConfig(), o.logger); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Config returns the loaded project file.
func (p *Project) Config() *config.Config { return p.cfg }

// Chain returns the revision chain.
func (p *Project) Chain() *chain.Chain { return p.chain }

// Bindings parses every bound shape URI. Shapes carry load state, so each
// call returns fresh handles.
func (p *Project) Bindings() (map[string]shape.Shape, error) {
	out := make(map[string]shape.Shape, len(p.cfg.Shapes))
	for ref, uri := range p.cfg.Shapes {
		s, err := shape.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("shape binding %q: %w", ref, err)
		}
		out[ref] = s
	}
	return out, nil
}

func (p *Project) sequencer(opts ...upgrade.Option) (*upgrade.Sequencer, error) {
	bindings, err := p.Bindings()
	if err != nil {
		return nil, err
	}
	opts = append([]upgrade.Option{upgrade.WithLogger(p.logger), upgrade.WithJournal(p.journal)}, opts...)
	return upgrade.New(p.chain, bindings, opts...), nil
}

// Upgrade applies revisions up to target ("" means head). opts add to the
// sequencer the project builds, for example upgrade.WithProgress.
func (p *Project) Upgrade(ctx context.Context, target string, opts ...upgrade.Option) (*upgrade.Result, error) {
	seq, err := p.sequencer(opts...)
	if err != nil {
		return nil, err
	}
	return seq.Upgrade(ctx, target)
}

// Downgrade undoes revisions down to target, or all of them for
// upgrade.Base.
func (p *Project) Downgrade(ctx context.Context, target string, opts ...upgrade.Option) (*upgrade.Result, error) {
	seq, err := p.sequencer(opts...)
	if err != nil {
		return nil, err
	}
	return seq.Downgrade(ctx, target)
}

// Status reports the applied revision and current shape.
func (p *Project) Status(ctx context.Context) (*upgrade.Status, error) {
	seq, err := p.sequencer()
	if err != nil {
		return nil, err
	}
	return seq.Current(ctx)
}

// History returns the chain newest first.
func (p *Project) History() []*revision.Revision {
	return p.chain.Links()
}

// Journal returns up to limit journal entries, newest first.
func (p *Project) Journal(ctx context.Context, limit int) ([]journal.Entry, error) {
	return p.journal.Entries(ctx, journal.Filter{Limit: limit})
}

// Diff describes a data change to record in a new revision: the patch that
// turns From into To, applied to Member (empty for a simple shape).
type Diff struct {
	From   []byte
	To     []byte
	Member string
}

// Revision records a new revision on top of the head.
//
// # Description
//
// With a uri the revision moves the configuration to that shape: steps are
// planned from the newest bound shape and the project file binds uri to
// the new revision. With a diff the revision also patches the data. With
// neither the record is written with empty step lists for hand editing.
func (p *Project) Revision(ctx context.Context, message, uri string, diff *Diff) (*revision.Revision, error) {
	old, err := p.latestShape()
	if err != nil {
		return nil, err
	}

	var up, down []script.Step
	var next shape.Shape
	if uri != "" {
		if next, err = shape.Parse(uri); err != nil {
			return nil, err
		}
		if old == nil || shape.Format(old) != shape.Format(next) {
			up, down = script.Plan(old, next)
		}
	}
	if diff != nil {
		fwd, err := patch.Diff(diff.From, diff.To)
		if err != nil {
			return nil, fmt.Errorf("diff forward: %w", err)
		}
		back, err := patch.Diff(diff.To, diff.From)
		if err != nil {
			return nil, fmt.Errorf("diff backward: %w", err)
		}
		if len(fwd) > 0 {
			up = append(up, script.Step{Op: script.OpPatch, Member: diff.Member, Patch: fwd})
			down = slices.Insert(down, 0, script.Step{Op: script.OpPatch, Member: diff.Member, Patch: back})
		}
	}

	rev, err := p.chain.Add(ctx, message, chain.Params{
		script.ParamUpgrade:   up,
		script.ParamDowngrade: down,
	})
	if err != nil {
		return nil, err
	}

	if next != nil && (old == nil || shape.Format(old) != shape.Format(next)) {
		p.cfg.SetBinding(rev.ID, shape.Format(next))
		if err := config.Save(p.cfgPath, p.cfg); err != nil {
			return nil, p.unwindRevision(ctx, rev, fmt.Errorf("bind shape to %s: %w", rev.ID, err))
		}
		p.logger.Info("shape bound", "revision", rev.ID, "uri", shape.Format(next))
	}

	// Reload so the new link carries the handler built from its record.
	if err := p.chain.Build(ctx); err != nil {
		return rev, err
	}
	if built, ok := p.chain.Get(rev.ID); ok {
		rev = built
	}
	return rev, nil
}

// unwindRevision takes back a revision whose shape binding could not be
// saved, so the chain never holds a record the project file does not bind.
func (p *Project) unwindRevision(ctx context.Context, rev *revision.Revision, cause error) error {
	delete(p.cfg.Shapes, rev.ID)
	if err := p.store.Discard(ctx, rev); err != nil {
		p.logger.Error("revision record left without its shape binding",
			"revision", rev.ID, "file", filepath.Join(p.store.Dir(), rev.Filename()), "error", err)
		return fmt.Errorf("%w; remove %s by hand before retrying", cause, filepath.Join(p.store.Dir(), rev.Filename()))
	}
	if err := p.chain.Build(ctx); err != nil {
		return errors.Join(cause, err)
	}
	p.logger.Warn("revision discarded", "revision", rev.ID, "error", cause)
	return cause
}

// latestShape parses the binding with the newest revision, or returns nil
// when nothing is bound.
func (p *Project) latestShape() (shape.Shape, error) {
	best, bestPos := "", -1
	for _, ref := range p.cfg.BindingRefs() {
		pos, err := p.chain.Position(ref)
		if err != nil {
			return nil, fmt.Errorf("shape binding %q: %w", ref, err)
		}
		if pos > bestPos {
			best, bestPos = ref, pos
		}
	}
	if bestPos < 0 {
		return nil, nil
	}
	return shape.Parse(p.cfg.Shapes[best])
}

// Close releases the journal and the storage client.
func (p *Project) Close() error {
	var errs []error
	if p.journal != nil {
		errs = append(errs, p.journal.Close())
	}
	if p.gcs != nil {
		errs = append(errs, p.gcs.Close())
	}
	return errors.Join(errs...)
}
