// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/configevo/pkg/logging"
)

// BadgerConfig configures the badger-backed journal.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory keeps everything in memory. Used in tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives badger's internal log output. Nil silences it.
	Logger *logging.Logger
}

var badgerPrefix = []byte("journal/")

// badgerLogger adapts logging.Logger to badger.Logger.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

// BadgerJournal stores entries in a badger key space under "journal/".
// Keys embed the record time so forward iteration is chronological.
type BadgerJournal struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger journal.
func OpenBadger(cfg BadgerConfig) (*BadgerJournal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent journal")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger journal: %w", err)
	}
	return &BadgerJournal{db: db}, nil
}

func badgerKey(e Entry) []byte {
	key := fmt.Sprintf("%020d/%s/%s", e.RecordedAt.UnixNano(), e.RunID, e.RevisionID)
	return append(append([]byte{}, badgerPrefix...), key...)
}

// Record stores entry.
func (j *BadgerJournal) Record(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry = stamp(entry)
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(entry), value)
	})
}

// Entries returns matching entries, newest first.
func (j *BadgerJournal) Entries(ctx context.Context, filter Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = badgerPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, badgerPrefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(badgerPrefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("decode journal entry %s: %w", it.Item().Key(), err)
			}
			if !filter.Match(e) {
				continue
			}
			out = append(out, e)
			if filter.full(len(out)) {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database.
func (j *BadgerJournal) Close() error {
	return j.db.Close()
}

var _ Journal = (*BadgerJournal)(nil)
