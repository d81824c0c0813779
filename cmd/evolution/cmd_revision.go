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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/configevo/pkg/evolution"
	"github.com/AleutianAI/configevo/pkg/evolution/shape"
)

func (a *app) revisionCommand() *cobra.Command {
	var from, to, member string

	cmd := &cobra.Command{
		Use:   "revision <message> [uri]",
		Short: "Record a new revision on top of the head",
		Long: `Record a new revision on top of the head.

With a shape URI the revision moves the configuration to that shape and
binds the URI to the new revision. With --from and --to the revision also
carries the JSON patch between the two files, applied to --member for a
group shape.`,
		Example: `  evolution revision "create settings" 'configevo://settings.yaml#/etc/app'
  evolution revision "raise pool size" --from old.yaml --to new.yaml`,
		Args: args(cobra.RangeArgs(1, 2)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			message := strings.TrimSpace(argv[0])
			if message == "" {
				return usageError(errors.New("revision message must not be empty"))
			}
			var uri string
			if len(argv) == 2 {
				uri = argv[1]
			}
			if (from == "") != (to == "") {
				return usageError(errors.New("--from and --to must be given together"))
			}
			if member != "" && from == "" {
				return usageError(errors.New("--member needs --from and --to"))
			}

			var diff *evolution.Diff
			if from != "" {
				d, err := loadDiff(from, to)
				if err != nil {
					return err
				}
				d.Member = member
				diff = d
			}

			return a.withSession(cmd, true, func(ctx context.Context, s *session) error {
				rev, err := s.project.Revision(ctx, message, uri, diff)
				if err != nil {
					return err
				}
				p := a.printer()
				p.Success(fmt.Sprintf("Created revision %s", rev.ID))
				p.Field("message", rev.Message)
				if rev.ParentID != "" {
					p.Field("parent", rev.ParentID)
				}
				if uri != "" {
					p.Field("shape", uri)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "file with the data before the change")
	cmd.Flags().StringVar(&to, "to", "", "file with the data after the change")
	cmd.Flags().StringVar(&member, "member", "", "group member the patch applies to")
	return cmd
}

// loadDiff reads both files and decodes them to JSON by extension.
func loadDiff(from, to string) (*evolution.Diff, error) {
	before, err := decodeFile(from)
	if err != nil {
		return nil, err
	}
	after, err := decodeFile(to)
	if err != nil {
		return nil, err
	}
	return &evolution.Diff{From: before, To: after}, nil
}

func decodeFile(path string) ([]byte, error) {
	raw, err := readFile(path)
	if err != nil {
		return nil, err
	}
	t := shape.TransformForFile(path)
	if t == nil {
		t = shape.JSON
	}
	doc, err := t.Decode(raw)
	if err != nil {
		return nil, usageError(fmt.Errorf("decode %s as %s: %w", path, t.Name(), err))
	}
	return doc, nil
}
