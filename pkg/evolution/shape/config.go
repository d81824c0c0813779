// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package shape

import (
	"context"
	"fmt"
)

// Config is a simple shape: a single file.
type Config struct {
	document
	transport Transport
	location  Location
}

// NewConfig creates a Config. A nil transform is guessed from the file
// extension (JSON when unknown); a nil transport is DefaultTransport.
func NewConfig(name string, transform Transform, transport Transport) *Config {
	if transport == nil {
		transport = DefaultTransport()
	}
	return &Config{document: newDocument(name, transform), transport: transport}
}

func (c *Config) Kind() Kind               { return KindConfig }
func (c *Config) Transport() Transport     { return c.transport }
func (c *Config) Location() Location       { return c.location }
func (c *Config) SetLocation(loc Location) { c.location = loc }
func (c *Config) IsLoaded() bool           { return c.loaded }
func (c *Config) MarkerName() string       { return c.name + ".version" }

func (c *Config) Path() (string, error) {
	if c.location == nil {
		return "", fmt.Errorf("%s: %w", c.name, ErrNoLocation)
	}
	return c.location.TargetPath(c.name), nil
}

// Load reads the file from the first candidate location that has it.
func (c *Config) Load(ctx context.Context) (bool, error) {
	candidates, err := c.transport.Candidates(ctx, c.name)
	if err != nil {
		return false, fmt.Errorf("list locations for %s: %w", c.name, err)
	}
	for _, loc := range candidates {
		ok, err := loc.Check(ctx, c.name)
		if err != nil {
			return false, fmt.Errorf("check %s: %w", loc.TargetPath(c.name), err)
		}
		if !ok {
			continue
		}
		raw, err := loc.Read(ctx, c.name)
		if err != nil {
			return false, fmt.Errorf("read %s: %w", loc.TargetPath(c.name), err)
		}
		if err := c.deserialize(raw); err != nil {
			return false, err
		}
		c.location = loc
		return true, nil
	}
	return false, nil
}

func (c *Config) Dump(ctx context.Context, loc Location) error {
	if loc == nil {
		loc = c.location
	}
	if loc == nil {
		return fmt.Errorf("dump %s: %w", c.name, ErrNoLocation)
	}
	raw, err := c.serialize()
	if err != nil {
		return err
	}
	if err := loc.Write(ctx, c.name, raw); err != nil {
		return fmt.Errorf("write %s: %w", loc.TargetPath(c.name), err)
	}
	return nil
}

// Remove deletes the file from the shape's location.
func (c *Config) Remove(ctx context.Context) (bool, error) {
	if c.location == nil {
		return false, nil
	}
	return c.location.Remove(ctx, c.name)
}

func (c *Config) String() string {
	loc := "<nowhere>"
	if c.location != nil {
		loc = c.location.String()
	}
	return fmt.Sprintf("config %s (%s) at %s", c.name, c.transform.Name(), loc)
}
