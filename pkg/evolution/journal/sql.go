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
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS evolution_journal (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT    NOT NULL,
	revision_id TEXT    NOT NULL,
	direction   TEXT    NOT NULL,
	target      TEXT    NOT NULL DEFAULT '',
	status      TEXT    NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	recorded_at BIGINT  NOT NULL
)`

const postgresSchema = `CREATE TABLE IF NOT EXISTS evolution_journal (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT   NOT NULL,
	revision_id TEXT   NOT NULL,
	direction   TEXT   NOT NULL,
	target      TEXT   NOT NULL DEFAULT '',
	status      TEXT   NOT NULL,
	error       TEXT   NOT NULL DEFAULT '',
	recorded_at BIGINT NOT NULL
)`

// SQLJournal stores entries in the evolution_journal table of a sqlite or
// postgres database.
type SQLJournal struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens the database and creates the journal table if needed.
// driver is DriverSQLite or DriverPostgres. For sqlite, dsn is a file path.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLJournal, error) {
	var (
		sqlDriver string
		schema    string
	)
	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0750); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		sqlDriver = "sqlite3"
		schema = sqliteSchema
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dsn)
	case DriverPostgres:
		sqlDriver = "postgres"
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s journal: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal table: %w", err)
	}
	return &SQLJournal{db: db, driver: driver}, nil
}

// rebind rewrites $N placeholders to ? for sqlite.
func (j *SQLJournal) rebind(query string) string {
	if j.driver != DriverSQLite {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Record stores entry.
func (j *SQLJournal) Record(ctx context.Context, entry Entry) error {
	entry = stamp(entry)
	_, err := j.db.ExecContext(ctx, j.rebind(
		`INSERT INTO evolution_journal (run_id, revision_id, direction, target, status, error, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		entry.RunID, entry.RevisionID, string(entry.Direction), entry.Target,
		string(entry.Status), entry.Error, entry.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Entries returns matching entries, newest first.
func (j *SQLJournal) Entries(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `SELECT run_id, revision_id, direction, target, status, error, recorded_at
		FROM evolution_journal`
	var (
		where []string
		args  []any
	)
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		where = append(where, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if filter.RevisionID != "" {
		args = append(args, filter.RevisionID)
		where = append(where, fmt.Sprintf("revision_id = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := j.db.QueryContext(ctx, j.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			direction, status string
			recordedAt        int64
		)
		if err := rows.Scan(&e.RunID, &e.RevisionID, &direction, &e.Target, &status, &e.Error, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Direction = Direction(direction)
		e.Status = Status(status)
		e.RecordedAt = time.Unix(0, recordedAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (j *SQLJournal) Close() error {
	return j.db.Close()
}

var _ Journal = (*SQLJournal)(nil)
