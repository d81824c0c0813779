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
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Transform converts between the in-memory JSON document and file bytes.
type Transform interface {
	// Name is the registry name, used after "%" in URIs.
	Name() string

	// Encode renders a JSON document in the transform's format.
	Encode(doc []byte) ([]byte, error)

	// Decode parses file bytes into a JSON document.
	Decode(raw []byte) ([]byte, error)
}

var (
	// JSON stores data as indented JSON.
	JSON Transform = jsonTransform{}

	// YAML stores data as block-style YAML. Key order is preserved.
	YAML Transform = yamlTransform{}
)

var transforms = struct {
	sync.RWMutex
	byName map[string]Transform
	byExt  map[string]Transform
}{
	byName: map[string]Transform{"json": JSON, "yaml": YAML},
	byExt:  map[string]Transform{"json": JSON, "yaml": YAML, "yml": YAML},
}

// RegisterTransform makes t available by name in URIs and, for each of
// exts, as the guessed transform for files with that extension.
func RegisterTransform(t Transform, exts ...string) {
	transforms.Lock()
	defer transforms.Unlock()
	transforms.byName[t.Name()] = t
	for _, ext := range exts {
		transforms.byExt[strings.TrimPrefix(ext, ".")] = t
	}
}

// LookupTransform returns the transform registered under name.
func LookupTransform(name string) (Transform, bool) {
	transforms.RLock()
	defer transforms.RUnlock()
	t, ok := transforms.byName[name]
	return t, ok
}

// TransformForFile guesses a transform from the file extension, or returns
// nil when the extension is unknown.
func TransformForFile(name string) Transform {
	ext := strings.TrimPrefix(path.Ext(name), ".")
	transforms.RLock()
	defer transforms.RUnlock()
	return transforms.byExt[strings.ToLower(ext)]
}

// =============================================================================
// JSON
// =============================================================================

type jsonTransform struct{}

func (jsonTransform) Name() string { return "json" }

func (jsonTransform) Encode(doc []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (jsonTransform) Decode(raw []byte) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(raw) {
		return nil, ErrInvalidData
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// =============================================================================
// YAML
// =============================================================================

type yamlTransform struct{}

func (yamlTransform) Name() string { return "yaml" }

// Encode parses the JSON document as YAML (JSON is a YAML subset), which
// keeps key order, then drops the flow styles so the output is block YAML.
func (yamlTransform) Encode(doc []byte) ([]byte, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(doc, &node); err != nil {
		return nil, err
	}
	clearStyle(&node)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (yamlTransform) Decode(raw []byte) ([]byte, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeJSON(&buf, &node); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func clearStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		clearStyle(c)
	}
}

// writeJSON renders a YAML node tree as JSON, keeping mapping order.
func writeJSON(buf *bytes.Buffer, n *yaml.Node) error {
	switch n.Kind {
	case 0:
		buf.WriteString("null")
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return writeJSON(buf, n.Content[0])
	case yaml.AliasNode:
		return writeJSON(buf, n.Alias)
	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(n.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			key := n.Content[i]
			if key.Kind == yaml.AliasNode {
				key = key.Alias
			}
			k, err := json.Marshal(key.Value)
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			if err := writeJSON(buf, n.Content[i+1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, c := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, c); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return err
		}
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		buf.Write(out)
	default:
		return fmt.Errorf("unsupported yaml node kind %d", n.Kind)
	}
	return nil
}
