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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var boltBucket = []byte("journal")

// BoltJournal stores entries in a single bbolt bucket keyed by the bucket
// sequence, so key order is insertion order.
type BoltJournal struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) a bbolt journal file at path.
func OpenBolt(path string) (*BoltJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal bucket: %w", err)
	}
	return &BoltJournal{db: db}, nil
}

// Record stores entry.
func (j *BoltJournal) Record(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(stamp(entry))
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], value)
	})
}

// Entries returns matching entries, newest first.
func (j *BoltJournal) Entries(ctx context.Context, filter Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Entry
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode journal entry %d: %w", binary.BigEndian.Uint64(k), err)
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

// Close closes the database file.
func (j *BoltJournal) Close() error {
	return j.db.Close()
}

var _ Journal = (*BoltJournal)(nil)
