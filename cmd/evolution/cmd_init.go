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
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/configevo/pkg/evolution"
)

const defaultScriptDir = "evolution"

func (a *app) initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a project file and script directory",
		Args:  args(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			dir := defaultScriptDir
			if len(argv) == 1 {
				dir = argv[0]
			}
			location, err := scriptLocation(a.cfgPath, dir)
			if err != nil {
				return err
			}

			cfg, err := evolution.Init(location, a.cfgPath)
			if err != nil {
				return err
			}

			p := a.printer()
			p.Success("Initialized evolution project")
			p.Field("project file", a.cfgPath)
			p.Field("versions", cfg.VersionsDir())
			p.Field("template", cfg.TemplatePath())
			return nil
		},
	}
}

// scriptLocation expresses dir, given relative to the working directory,
// relative to the directory of the project file.
func scriptLocation(cfgPath, dir string) (string, error) {
	absCfg, err := filepath.Abs(cfgPath)
	if err != nil {
		return "", err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(filepath.Dir(absCfg), absDir)
	if err != nil {
		return absDir, nil
	}
	return filepath.ToSlash(rel), nil
}
