// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package script stores revisions as declarative YAML records and runs them.
//
// A record names its revision, parent and message, and lists the steps that
// move a configuration shape forwards (upgrade) and backwards (downgrade):
//
//	revision: "1a2b3c4d5e6f"
//	parent: ""
//	message: "first"
//	date: "2026-10-19 12:00:00"
//	upgrade:
//	  - op: create
//	    uri: configevo://app.json
//	    data: {app.json: {port: 8080}}
//	downgrade:
//	  - op: remove
//
// Records that need more than steps can say "handler: registered" and have
// their handler supplied from Go with Register.
package script

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/configevo/pkg/evolution/revision"
	"github.com/AleutianAI/configevo/pkg/evolution/shape"
	"github.com/AleutianAI/configevo/pkg/logging"
)

// HandlerRegistered marks a record whose handler comes from Register.
const HandlerRegistered = "registered"

// Record is the on-disk form of a revision.
type Record struct {
	Revision  string `yaml:"revision"`
	Parent    string `yaml:"parent"`
	Message   string `yaml:"message"`
	Date      string `yaml:"date"`
	Handler   string `yaml:"handler,omitempty"`
	Upgrade   []Step `yaml:"upgrade"`
	Downgrade []Step `yaml:"downgrade"`
}

// ParseRecord decodes a YAML record.
func ParseRecord(data []byte) (*Record, error) {
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode revision record: %w", err)
	}
	if rec.Revision == "" {
		return nil, fmt.Errorf("revision record has no revision id")
	}
	if rec.Handler != "" && rec.Handler != HandlerRegistered {
		return nil, fmt.Errorf("revision %s: unknown handler %q", rec.Revision, rec.Handler)
	}
	return &rec, nil
}

// Build turns the record into a revision. Registered handlers are looked
// up now; a missing one leaves the revision without a handler, which fails
// only when the revision is applied.
func (r *Record) Build(logger *logging.Logger) (*revision.Revision, error) {
	var date time.Time
	if r.Date != "" {
		d, err := time.ParseInLocation(revision.DateLayout, r.Date, time.Local)
		if err != nil {
			return nil, fmt.Errorf("revision %s: bad date %q: %w", r.Revision, r.Date, err)
		}
		date = d
	}

	var h revision.Handler = &Script{Upgrades: r.Upgrade, Downgrades: r.Downgrade, Logger: logger}
	if r.Handler == HandlerRegistered {
		h = nil
		if registered, ok := Lookup(r.Revision); ok {
			h = registered
		}
	}
	return revision.New(r.Revision, r.Message, date, r.Parent, h), nil
}

// Script is a revision.Handler that runs declarative steps.
type Script struct {
	Upgrades   []Step
	Downgrades []Step
	Logger     *logging.Logger
}

func (s *Script) Upgrade(ctx context.Context, args revision.Args) (shape.Shape, error) {
	return s.run(ctx, s.Upgrades, args)
}

func (s *Script) Downgrade(ctx context.Context, args revision.Args) (shape.Shape, error) {
	return s.run(ctx, s.Downgrades, args)
}

// run executes steps in order. It returns the shape created or restored by
// the steps, or nil when the given shape stays current. Files and markers
// the steps remove are deleted only after the last step succeeded.
func (s *Script) run(ctx context.Context, steps []Step, args revision.Args) (shape.Shape, error) {
	logger := s.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	r := &run{args: args, logger: logger}
	for i, step := range steps {
		if err := r.apply(ctx, step); err != nil {
			return nil, &StepError{Index: i, Step: step, Err: err}
		}
		logger.Debug("step applied", "index", i, "step", step.String())
	}
	if err := r.commit(ctx); err != nil {
		return nil, err
	}
	return r.result, nil
}

// =============================================================================
// Registry
// =============================================================================

var registry = struct {
	sync.RWMutex
	handlers map[string]revision.Handler
}{handlers: make(map[string]revision.Handler)}

// Register supplies the handler for the revision with the given id. It must
// run before the chain is built.
func Register(id string, h revision.Handler) {
	registry.Lock()
	defer registry.Unlock()
	registry.handlers[strings.ToLower(id)] = h
}

// Lookup returns the handler registered for id.
func Lookup(id string) (revision.Handler, bool) {
	registry.RLock()
	defer registry.RUnlock()
	h, ok := registry.handlers[strings.ToLower(id)]
	return h, ok
}

// Unregister removes the handler registered for id.
func Unregister(id string) {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.handlers, strings.ToLower(id))
}
