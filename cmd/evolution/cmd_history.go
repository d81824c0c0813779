// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/configevo/pkg/evolution/shape"
)

func (a *app) historyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List revisions, newest first",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, false, func(ctx context.Context, s *session) error {
				links := s.project.History()
				p := a.printer()
				if len(links) == 0 {
					p.Info("No revisions yet")
					return nil
				}

				current := ""
				if st, err := s.project.Status(ctx); err != nil {
					s.logger.Warn("cannot determine current revision", "error", err)
				} else {
					current = st.Revision
				}

				for i, rev := range links {
					var tags []string
					if i == 0 {
						tags = append(tags, "head")
					}
					if rev.ID == current {
						tags = append(tags, "current")
					}
					p.HistoryLine(rev.ParentID, rev.ID, rev.Message, tags...)
				}
				return nil
			})
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the applied revision and the pending ones",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, false, func(ctx context.Context, s *session) error {
				st, err := s.project.Status(ctx)
				if err != nil {
					return err
				}
				chain := s.project.Chain()

				pending := chain.Len()
				if !st.PreHistory {
					pos, err := chain.Position(st.Revision)
					if err != nil {
						return err
					}
					pending = chain.Len() - 1 - pos
				}

				p := a.printer()
				p.Field("revision", orPreHistory(st.Revision))
				p.Field("head", orPreHistory(chain.Head()))
				if st.Shape != nil {
					p.Field("shape", shape.Format(st.Shape))
				} else {
					p.Field("shape", "<none>")
				}
				if st.Binding != "" {
					p.Field("binding", st.Binding)
				}
				p.Field("pending", strconv.Itoa(pending))
				a.reportLock(s)
				return nil
			})
		},
	}
}

// reportLock shows who holds the project lock, if anyone. Failing to read
// the lock is logged and otherwise ignored.
func (a *app) reportLock(s *session) {
	cfg := s.project.Config()
	locks, err := newLockManager(cfg, s.logger, false)
	if err != nil {
		s.logger.Warn("cannot inspect project lock", "error", err)
		return
	}
	defer locks.Close()

	held, info, err := locks.IsLocked(cfg.LockPath())
	if err != nil {
		s.logger.Warn("cannot inspect project lock", "error", err)
		return
	}
	if !held {
		return
	}
	a.printer().Box("locked", fmt.Sprintf("pid %d, run %s, %s since %s",
		info.PID, info.RunID, info.Reason, info.LockedAt.Format(time.RFC3339)))
}

func (a *app) journalCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recorded upgrade and downgrade steps, newest first",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return usageError(errors.New("--limit must not be negative"))
			}
			return a.withSession(cmd, false, func(ctx context.Context, s *session) error {
				entries, err := s.project.Journal(ctx, limit)
				if err != nil {
					return err
				}
				p := a.printer()
				if len(entries) == 0 {
					p.Info("Journal is empty")
					return nil
				}
				for _, e := range entries {
					cols := []string{
						e.RecordedAt.UTC().Format(time.RFC3339),
						e.RevisionID,
						string(e.Direction),
						string(e.Status),
						e.RunID,
					}
					if e.Error != "" {
						cols = append(cols, fmt.Sprintf("error=%s", e.Error))
					}
					p.Row(cols...)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to show (0 for all)")
	return cmd
}
