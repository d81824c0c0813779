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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/configevo/pkg/evolution/journal"
	"github.com/AleutianAI/configevo/pkg/evolution/revision"
	"github.com/AleutianAI/configevo/pkg/evolution/upgrade"
	"github.com/AleutianAI/configevo/pkg/ux"
)

func (a *app) upgradeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade [target]",
		Short: "Apply revisions up to target (default: head)",
		Long: `Apply revisions up to target. Targets are revision ids, unique id
prefixes, "head", "tail" or relative references such as "head^2".`,
		Args: args(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			var target string
			if len(argv) == 1 {
				target = argv[0]
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *session) error {
				spin := a.printer().Spinner("Upgrading")
				spin.Start()
				res, err := s.project.Upgrade(ctx, target, upgrade.WithProgress(progress(spin)))
				spin.Stop()
				a.report(res)
				return err
			})
		},
	}
}

func (a *app) downgradeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "downgrade <target>",
		Short: "Undo revisions newer than target",
		Long: `Undo revisions newer than target. "base" undoes every revision,
removing the stored configuration and its version marker.`,
		Args: args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			return a.withSession(cmd, true, func(ctx context.Context, s *session) error {
				spin := a.printer().Spinner("Downgrading to " + argv[0])
				spin.Start()
				res, err := s.project.Downgrade(ctx, argv[0], upgrade.WithProgress(progress(spin)))
				spin.Stop()
				a.report(res)
				return err
			})
		},
	}
}

// progress names the revision being applied on the spinner line.
func progress(spin *ux.Spinner) func(journal.Direction, *revision.Revision) {
	return func(dir journal.Direction, rev *revision.Revision) {
		verb := "Applying"
		if dir == journal.DirectionDowngrade {
			verb = "Reverting"
		}
		spin.Update(fmt.Sprintf("%s %s %s", verb, rev.ID, rev.Message))
	}
}

// report prints the revisions a run applied, including a partial run that
// stopped at a fault.
func (a *app) report(res *upgrade.Result) {
	if res == nil {
		return
	}
	p := a.printer()
	if res.NoOp {
		p.Info(fmt.Sprintf("Nothing to %s", res.Direction))
		return
	}
	verb := "Applied"
	if res.Direction == journal.DirectionDowngrade {
		verb = "Reverted"
	}
	for _, id := range res.Applied {
		p.Success(fmt.Sprintf("%s %s", verb, id))
	}
	if len(res.Applied) > 0 {
		p.Field("from", orPreHistory(res.From))
		p.Field("to", orPreHistory(res.To))
	}
}

func orPreHistory(id string) string {
	if strings.TrimSpace(id) == "" {
		return "<base>"
	}
	return id
}
