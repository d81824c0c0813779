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
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/configevo/pkg/evolution"
	"github.com/AleutianAI/configevo/pkg/evolution/config"
	"github.com/AleutianAI/configevo/pkg/lock"
	"github.com/AleutianAI/configevo/pkg/logging"
	"github.com/AleutianAI/configevo/pkg/telemetry"
	"github.com/AleutianAI/configevo/pkg/ux"
)

const serviceName = "evolution"

// app holds the global flags and the output sinks shared by every
// subcommand.
type app struct {
	cfgPath  string
	verbose  bool
	jsonLogs bool
	output   string

	stdout io.Writer
	stderr io.Writer
	out    *ux.Printer
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

// printer returns the output printer, creating it from the --output flag
// on first use.
func (a *app) printer() *ux.Printer {
	if a.out == nil {
		mode := ux.DetectMode(a.stdout)
		if a.output != "" {
			mode = ux.ParseMode(a.output)
		}
		a.out = ux.NewPrinter(a.stdout, a.stderr, mode)
	}
	return a.out
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "evolution",
		Short: "Track and apply revisions of configuration files",
		Long: `evolution keeps an ordered chain of revisions for a configuration
file or directory. Each revision knows how to move the stored configuration
forward and back, and a version marker next to the configuration records
which revision it is at.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgPath, "config", "c", config.DefaultFile, "project file")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")
	flags.BoolVar(&a.jsonLogs, "json-logs", false, "write logs as JSON")
	flags.StringVar(&a.output, "output", "", "output mode: rich, plain or machine (default: detect)")

	root.AddCommand(
		a.initCommand(),
		a.revisionCommand(),
		a.upgradeCommand(),
		a.downgradeCommand(),
		a.historyCommand(),
		a.statusCommand(),
		a.journalCommand(),
	)
	return root
}

// args wraps a cobra argument check so its failures exit as usage errors.
func args(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		return usageError(check(cmd, a))
	}
}

// =============================================================================
// Session
// =============================================================================

// session is an opened project plus the process-wide services that go
// with it.
type session struct {
	project  *evolution.Project
	logger   *logging.Logger
	locks    *lock.Manager
	shutdown func(context.Context) error
	runID    string
}

// newLogger builds the process logger from the flags and the project file.
func (a *app) newLogger(cfg *config.Config) (*logging.Logger, error) {
	level := logging.LevelInfo
	var dir string
	jsonLogs := a.jsonLogs
	if cfg != nil {
		parsed, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
		if cfg.Log.Dir != "" {
			dir = cfg.Path(cfg.Log.Dir)
		}
		jsonLogs = jsonLogs || cfg.Log.JSON
	}
	if a.verbose {
		level = logging.LevelDebug
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  dir,
		Service: serviceName,
		JSON:    jsonLogs,
		Output:  a.stderr,
	}), nil
}

// open loads the project. With exclusive set the project lock is taken for
// the life of the session.
func (a *app) open(ctx context.Context, command string, exclusive bool) (*session, error) {
	cfg, err := config.Load(a.cfgPath)
	if errors.Is(err, config.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s (run \"evolution init\" first)", evolution.ErrNotInitialized, a.cfgPath)
	}
	if err != nil {
		return nil, err
	}

	logger, err := a.newLogger(cfg)
	if err != nil {
		return nil, usageError(err)
	}
	s := &session{logger: logger, runID: uuid.NewString()}

	tcfg := telemetryConfig(cfg.Telemetry)
	tcfg.MetricsFile = cfg.Path(tcfg.MetricsFile)
	if s.shutdown, err = telemetry.Init(ctx, tcfg); err != nil {
		s.close(ctx)
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if exclusive {
		if s.locks, err = newLockManager(cfg, logger, true); err != nil {
			s.close(ctx)
			return nil, err
		}
		s.locks.OnChange(cfg.LockPath(), func(ev lock.ChangeEvent) {
			logger.Warn("project lock changed while held", "path", ev.Path, "change", ev.Type.String())
		})
		if _, err := s.locks.Acquire(cfg.LockPath(), s.runID, command); err != nil {
			s.close(ctx)
			return nil, err
		}
	}

	if s.project, err = evolution.Open(ctx, a.cfgPath, evolution.WithLogger(logger)); err != nil {
		s.close(ctx)
		return nil, err
	}
	return s, nil
}

// newLockManager manages the locks kept under the script directory. Only a
// session that takes the project lock should clean up stale ones.
func newLockManager(cfg *config.Config, logger *logging.Logger, cleanup bool) (*lock.Manager, error) {
	return lock.NewManager(lock.Config{
		Dir:           filepath.Join(cfg.ScriptDir(), ".locks"),
		CleanupOnInit: cleanup,
		Logger:        logger,
	})
}

// telemetryConfig fills fields the project file leaves empty from the
// OTEL_* environment defaults.
func telemetryConfig(c telemetry.Config) telemetry.Config {
	def := telemetry.DefaultConfig()
	if c.ServiceName == "" {
		c.ServiceName = serviceName
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = def.ServiceVersion
	}
	if c.Environment == "" {
		c.Environment = def.Environment
	}
	if c.TraceExporter == "" {
		c.TraceExporter = def.TraceExporter
	}
	if c.MetricExporter == "" {
		c.MetricExporter = def.MetricExporter
	}
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = def.OTLPEndpoint
		c.OTLPInsecure = def.OTLPInsecure
	}
	return c
}

func (s *session) close(ctx context.Context) {
	if s.project != nil {
		if err := s.project.Close(); err != nil {
			s.logger.Warn("close project", "error", err)
		}
	}
	if s.locks != nil {
		if err := s.locks.Close(); err != nil {
			s.logger.Warn("release project lock", "error", err)
		}
	}
	if s.shutdown != nil {
		if err := s.shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown", "error", err)
		}
	}
	_ = s.logger.Close()
}

// withSession opens the project, runs fn and closes everything again.
func (a *app) withSession(cmd *cobra.Command, exclusive bool, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := a.open(ctx, cmd.Name(), exclusive)
	if err != nil {
		return err
	}
	defer s.close(context.WithoutCancel(ctx))
	return fn(ctx, s)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, usageError(err)
	}
	return data, nil
}
