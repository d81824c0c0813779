// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal records every revision the sequencer applies or fails to
// apply. The journal is an audit trail only; the version marker stays the
// source of truth for resuming a run.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/configevo/pkg/logging"
)

// Direction tells whether a revision was applied forwards or backwards.
type Direction string

const (
	DirectionUpgrade   Direction = "upgrade"
	DirectionDowngrade Direction = "downgrade"
)

// Status is the outcome of one step.
type Status string

const (
	StatusApplied Status = "applied"
	StatusFaulted Status = "faulted"
)

// Entry is one journal record.
type Entry struct {
	RunID      string    `json:"run_id"`
	RevisionID string    `json:"revision_id"`
	Direction  Direction `json:"direction"`
	Target     string    `json:"target,omitempty"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Filter narrows Entries. Zero fields match everything; Limit <= 0 means
// no limit.
type Filter struct {
	RunID      string
	RevisionID string
	Limit      int
}

// Match reports whether e passes the filter's field constraints.
func (f Filter) Match(e Entry) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if f.RevisionID != "" && f.RevisionID != e.RevisionID {
		return false
	}
	return true
}

// full reports whether n entries already satisfy the limit.
func (f Filter) full(n int) bool {
	return f.Limit > 0 && n >= f.Limit
}

// Journal stores entries. Entries returns newest first.
type Journal interface {
	Record(ctx context.Context, entry Entry) error
	Entries(ctx context.Context, filter Filter) ([]Entry, error)
	Close() error
}

// Drivers accepted by Open.
const (
	DriverNone     = "none"
	DriverBadger   = "badger"
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown journal driver")

// Config selects and locates a journal backend.
type Config struct {
	// Driver is one of none, badger, bolt, sqlite, postgres. Empty means none.
	Driver string `yaml:"driver" validate:"omitempty,oneof=none badger bolt sqlite postgres"`

	// DSN is a directory (badger), a file (bolt, sqlite), or a connection
	// string (postgres).
	DSN string `yaml:"dsn"`
}

// Open creates the journal described by cfg.
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (Journal, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	switch cfg.Driver {
	case "", DriverNone:
		return Nop{}, nil
	case DriverBadger, DriverBolt, DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("journal driver %s: dsn is required", cfg.Driver)
	}
	switch cfg.Driver {
	case DriverBadger:
		return OpenBadger(BadgerConfig{Path: cfg.DSN, SyncWrites: true, Logger: logger})
	case DriverBolt:
		return OpenBolt(cfg.DSN)
	default:
		return OpenSQL(ctx, cfg.Driver, cfg.DSN)
	}
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error              { return nil }
func (Nop) Entries(context.Context, Filter) ([]Entry, error) { return nil, nil }
func (Nop) Close() error                                     { return nil }

var _ Journal = Nop{}
