// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package script

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/configevo/pkg/evolution/chain"
	"github.com/AleutianAI/configevo/pkg/evolution/revision"
)

// Params keys read by TemplateRenderer.
const (
	ParamUpgrade   = "upgrade"
	ParamDowngrade = "downgrade"
	ParamHandler   = "handler"
)

//go:embed templates/revision.yaml.tmpl
var defaultTemplate []byte

// DefaultTemplate returns the built-in record template.
func DefaultTemplate() []byte {
	return bytes.Clone(defaultTemplate)
}

// TemplateData is what record templates are executed with.
type TemplateData struct {
	ID        string
	ParentID  string
	Message   string
	Date      string
	Handler   string
	Upgrade   []Step
	Downgrade []Step
}

// TemplateRenderer renders new revision records from a text/template.
//
// Two functions are available to templates: quote, which renders a string
// as a double-quoted YAML scalar, and steps, which renders a step list as
// a YAML block (or " []" when empty).
type TemplateRenderer struct {
	tmpl *template.Template
}

// NewTemplateRenderer parses the template at path, or the built-in
// template when path is empty.
func NewTemplateRenderer(path string) (*TemplateRenderer, error) {
	text := defaultTemplate
	name := "revision.yaml.tmpl"
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read revision template: %w", err)
		}
		text, name = data, path
	}
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"comment": comment,
		"quote":   quote,
		"steps":   renderSteps,
	}).Parse(string(text))
	if err != nil {
		return nil, fmt.Errorf("parse revision template %s: %w", name, err)
	}
	return &TemplateRenderer{tmpl: tmpl}, nil
}

// Render implements chain.Renderer.
func (r *TemplateRenderer) Render(rev *revision.Revision, params chain.Params) ([]byte, error) {
	data := TemplateData{
		ID:       rev.ID,
		ParentID: rev.ParentID,
		Message:  rev.Message,
		Date:     rev.DateString(),
	}
	var err error
	if data.Upgrade, err = stepsParam(params, ParamUpgrade); err != nil {
		return nil, err
	}
	if data.Downgrade, err = stepsParam(params, ParamDowngrade); err != nil {
		return nil, err
	}
	if v, ok := params[ParamHandler]; ok {
		h, isString := v.(string)
		if !isString {
			return nil, fmt.Errorf("param %s: want string, got %T", ParamHandler, v)
		}
		data.Handler = h
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render revision %s: %w", rev.ID, err)
	}
	return buf.Bytes(), nil
}

func stepsParam(params chain.Params, key string) ([]Step, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	steps, ok := v.([]Step)
	if !ok {
		return nil, fmt.Errorf("param %s: want []Step, got %T", key, v)
	}
	return steps, nil
}

// comment turns s into YAML comment lines, one per line of s.
func comment(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight("# "+line, " \r")
	}
	return strings.Join(lines, "\n")
}

func quote(s string) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func renderSteps(steps []Step) (string, error) {
	if len(steps) == 0 {
		return " []", nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(steps); err != nil {
		return "", fmt.Errorf("encode steps: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}

	var out strings.Builder
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		out.WriteString("\n  ")
		out.WriteString(line)
	}
	return out.String(), nil
}
