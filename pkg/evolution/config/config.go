// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config reads and writes evolution.yaml, the project file that
// says where revision records live and which configuration shapes they
// act on.
//
//	script_location: evolution
//	revision_template_file: evolution/script.yaml.tmpl
//	shapes:
//	  tail: configevo://app.json
//	  1a2b3c4d5e6f: configevo://core.json&extra.json?@app
//	journal: {driver: bolt, dsn: evolution/journal.db}
//	log: {level: info}
//
// Relative paths are resolved against the directory of the project file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/configevo/pkg/evolution/journal"
	"github.com/AleutianAI/configevo/pkg/evolution/shape"
	"github.com/AleutianAI/configevo/pkg/telemetry"
)

// DefaultFile is the project file name looked up by the CLI.
const DefaultFile = "evolution.yaml"

// ErrNotFound is returned by Load when the project file does not exist.
var ErrNotFound = errors.New("project file not found")

// Config is the content of evolution.yaml.
type Config struct {
	// ScriptLocation holds the versions/ directory and the lock file.
	ScriptLocation string `yaml:"script_location" validate:"required"`

	// RevisionTemplateFile renders new revision records.
	RevisionTemplateFile string `yaml:"revision_template_file" validate:"required"`

	// Shapes binds a revision reference to the shape URI active from that
	// revision onward.
	Shapes map[string]string `yaml:"shapes,omitempty" validate:"dive,keys,required,endkeys,shapeuri"`

	Journal   journal.Config   `yaml:"journal,omitempty"`
	GCS       *GCSConfig       `yaml:"gcs,omitempty" validate:"omitempty"`
	Telemetry telemetry.Config `yaml:"telemetry,omitempty"`
	Log       LogConfig        `yaml:"log"`

	dir string
}

// GCSConfig enables the "gcs" shape transport.
type GCSConfig struct {
	Bucket          string `yaml:"bucket" validate:"required"`
	Prefix          string `yaml:"prefix,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// LogConfig controls CLI logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("shapeuri", func(fl validator.FieldLevel) bool {
		_, err := shape.ParseSpec(fl.Field().String())
		return err == nil
	})
	return v
}

// Default returns the configuration written by "evolution init".
func Default(scriptLocation string) *Config {
	return &Config{
		ScriptLocation:       scriptLocation,
		RevisionTemplateFile: filepath.Join(scriptLocation, "script.yaml.tmpl"),
		Journal:              journal.Config{Driver: journal.DriverNone},
		Telemetry:            telemetry.Config{TraceExporter: "none", MetricExporter: "none"},
		Log:                  LogConfig{Level: "info"},
	}
}

// Load reads and validates the project file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse project file %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.dir = filepath.Dir(abs)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Save validates cfg and writes it to path.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode project file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create project directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write project file: %w", err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		cfg.dir = filepath.Dir(abs)
	}
	return nil
}

// Validate checks required fields, enum values and shape URIs.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "shapeuri":
		return fmt.Sprintf("%s is not a valid shape URI: %q", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %q", field, fe.Tag())
	}
}

// Dir is the directory relative paths are resolved against.
func (c *Config) Dir() string {
	if c.dir == "" {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
	}
	return c.dir
}

// Path resolves p against Dir. Absolute paths are returned unchanged.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir(), p)
}

// ScriptDir is the resolved script location.
func (c *Config) ScriptDir() string { return c.Path(c.ScriptLocation) }

// VersionsDir holds the revision records.
func (c *Config) VersionsDir() string { return filepath.Join(c.ScriptDir(), "versions") }

// TemplatePath is the resolved revision template.
func (c *Config) TemplatePath() string { return c.Path(c.RevisionTemplateFile) }

// LockPath is the file locked during runs.
func (c *Config) LockPath() string { return filepath.Join(c.ScriptDir(), ".evolution.lock") }

// SetBinding binds ref to uri, replacing any earlier binding of ref.
func (c *Config) SetBinding(ref, uri string) {
	if c.Shapes == nil {
		c.Shapes = make(map[string]string)
	}
	c.Shapes[ref] = uri
}

// BindingRefs lists binding references in sorted order.
func (c *Config) BindingRefs() []string {
	refs := make([]string, 0, len(c.Shapes))
	for ref := range c.Shapes {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// JournalConfig returns the journal settings with a relative DSN resolved.
// Postgres DSNs are connection strings and pass through unchanged.
func (c *Config) JournalConfig() journal.Config {
	jc := c.Journal
	if jc.Driver != journal.DriverPostgres {
		jc.DSN = c.Path(jc.DSN)
	}
	return jc
}
