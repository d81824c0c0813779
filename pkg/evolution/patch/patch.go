// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch applies and computes RFC 6902 JSON patches over raw JSON
// documents.
//
// Documents stay as bytes throughout: reads go through gjson and object
// writes through sjson, so untouched parts of a document keep their key
// order.
package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/wI2L/jsondiff"
)

// Operation names.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

var (
	// ErrPathNotFound is returned when an operation targets a missing value.
	ErrPathNotFound = errors.New("path not found")

	// ErrTestFailed is returned when a test operation does not match.
	ErrTestFailed = errors.New("test operation failed")
)

// Operation is one RFC 6902 step.
type Operation struct {
	Op    string `json:"op" yaml:"op"`
	Path  string `json:"path" yaml:"path"`
	From  string `json:"from,omitempty" yaml:"from,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

func (o Operation) String() string {
	if o.From != "" {
		return fmt.Sprintf("%s %s -> %s", o.Op, o.From, o.Path)
	}
	return fmt.Sprintf("%s %s", o.Op, o.Path)
}

// OpError reports which operation of a patch failed.
type OpError struct {
	Index int
	Op    Operation
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("patch operation %d (%s): %v", e.Index, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Apply runs ops against doc in order and returns the patched document.
// doc is not modified. The first failing operation aborts the patch.
func Apply(doc []byte, ops []Operation) ([]byte, error) {
	if !json.Valid(doc) {
		return nil, errors.New("patch target is not valid JSON")
	}
	out := bytes.Clone(doc)
	for i, op := range ops {
		next, err := applyOne(out, op)
		if err != nil {
			return nil, &OpError{Index: i, Op: op, Err: err}
		}
		out = next
	}
	return out, nil
}

func applyOne(doc []byte, op Operation) ([]byte, error) {
	path, err := parsePointer(op.Path)
	if err != nil {
		return nil, err
	}

	switch op.Op {
	case OpAdd:
		value, err := json.Marshal(op.Value)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		return add(doc, path, value)

	case OpRemove:
		return remove(doc, path)

	case OpReplace:
		value, err := json.Marshal(op.Value)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		return replace(doc, path, value)

	case OpMove, OpCopy:
		from, err := parsePointer(op.From)
		if err != nil {
			return nil, err
		}
		value, err := get(doc, from)
		if err != nil {
			return nil, err
		}
		if op.Op == OpMove {
			if len(path) > len(from) && isPrefix(from, path) {
				return nil, fmt.Errorf("cannot move %s into its own child %s", op.From, op.Path)
			}
			if doc, err = remove(doc, from); err != nil {
				return nil, err
			}
		}
		return add(doc, path, value)

	case OpTest:
		value, err := get(doc, path)
		if err != nil {
			return nil, err
		}
		want, err := json.Marshal(op.Value)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		if !sameJSON(value, want) {
			return nil, fmt.Errorf("%w: %s is %s", ErrTestFailed, op.Path, value)
		}
		return doc, nil

	default:
		return nil, fmt.Errorf("unknown operation %q", op.Op)
	}
}

// Diff returns the operations that turn from into to.
func Diff(from, to []byte) ([]Operation, error) {
	p, err := jsondiff.CompareJSON(from, to)
	if err != nil {
		return nil, fmt.Errorf("compare documents: %w", err)
	}
	if len(p) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	var ops []Operation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	return ops, nil
}

// =============================================================================
// Pointer handling
// =============================================================================

// parsePointer splits an RFC 6901 pointer into unescaped tokens. The root
// pointer "" yields no tokens.
func parsePointer(ptr string) ([]string, error) {
	if ptr == "" {
		return nil, nil
	}
	if !strings.HasPrefix(ptr, "/") {
		return nil, fmt.Errorf("pointer %q must start with /", ptr)
	}
	tokens := strings.Split(ptr[1:], "/")
	for i, tok := range tokens {
		if tok == "" {
			return nil, fmt.Errorf("pointer %q has an empty key", ptr)
		}
		tokens[i] = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
	}
	return tokens, nil
}

func isPrefix(prefix, path []string) bool {
	for i := range prefix {
		if prefix[i] != path[i] {
			return false
		}
	}
	return true
}

// lookup walks tokens through doc and returns the gjson result at each
// level, root first.
func lookup(doc []byte, tokens []string) []gjson.Result {
	levels := make([]gjson.Result, 0, len(tokens)+1)
	cur := gjson.ParseBytes(doc)
	levels = append(levels, cur)
	for _, tok := range tokens {
		if !cur.Exists() {
			break
		}
		switch {
		case cur.IsArray():
			idx, err := strconv.Atoi(tok)
			arr := cur.Array()
			if err != nil || idx < 0 || idx >= len(arr) {
				cur = gjson.Result{}
			} else {
				cur = arr[idx]
			}
		case cur.IsObject():
			cur = cur.Get(escapeKey(tok))
		default:
			cur = gjson.Result{}
		}
		levels = append(levels, cur)
	}
	return levels
}

// escapeKey escapes tok as one gjson/sjson path component. A leading ":"
// would otherwise read as sjson's string-key marker.
func escapeKey(tok string) string {
	esc := gjson.Escape(tok)
	if strings.HasPrefix(esc, ":") {
		esc = `\` + esc
	}
	return esc
}

// setPath builds the sjson path for tokens. Numeric keys of objects are
// forced to string keys.
func setPath(levels []gjson.Result, tokens []string) string {
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		if _, err := strconv.Atoi(tok); err == nil && levels[i].IsObject() {
			parts[i] = ":" + tok
			continue
		}
		parts[i] = escapeKey(tok)
	}
	return strings.Join(parts, ".")
}

func get(doc []byte, tokens []string) ([]byte, error) {
	levels := lookup(doc, tokens)
	if len(levels) != len(tokens)+1 || !levels[len(tokens)].Exists() {
		return nil, fmt.Errorf("%w: /%s", ErrPathNotFound, strings.Join(tokens, "/"))
	}
	return []byte(levels[len(tokens)].Raw), nil
}

func add(doc []byte, tokens []string, value []byte) ([]byte, error) {
	if len(tokens) == 0 {
		return value, nil
	}
	levels := lookup(doc, tokens[:len(tokens)-1])
	parent := levels[len(levels)-1]
	if len(levels) != len(tokens) || !parent.Exists() {
		return nil, fmt.Errorf("%w: parent of /%s", ErrPathNotFound, strings.Join(tokens, "/"))
	}

	last := tokens[len(tokens)-1]
	switch {
	case parent.IsArray():
		items, err := arrayItems(parent)
		if err != nil {
			return nil, err
		}
		idx := len(items)
		if last != "-" {
			if idx, err = strconv.Atoi(last); err != nil || idx < 0 || idx > len(items) {
				return nil, fmt.Errorf("array index %q out of range", last)
			}
		}
		items = slices.Insert(items, idx, json.RawMessage(value))
		return replaceArray(doc, levels, tokens[:len(tokens)-1], items)

	case parent.IsObject():
		return sjson.SetRawBytes(doc, setPath(levels, tokens), value)

	default:
		return nil, fmt.Errorf("cannot add into %s value", parent.Type)
	}
}

func remove(doc []byte, tokens []string) ([]byte, error) {
	if len(tokens) == 0 {
		return nil, errors.New("cannot remove the document root")
	}
	if _, err := get(doc, tokens); err != nil {
		return nil, err
	}
	levels := lookup(doc, tokens[:len(tokens)-1])
	parent := levels[len(levels)-1]

	if parent.IsArray() {
		items, err := arrayItems(parent)
		if err != nil {
			return nil, err
		}
		idx, _ := strconv.Atoi(tokens[len(tokens)-1])
		items = slices.Delete(items, idx, idx+1)
		return replaceArray(doc, levels, tokens[:len(tokens)-1], items)
	}
	return sjson.DeleteBytes(doc, setPath(levels, tokens))
}

// replace overwrites an existing value in place, keeping its position.
func replace(doc []byte, tokens []string, value []byte) ([]byte, error) {
	if _, err := get(doc, tokens); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return value, nil
	}
	levels := lookup(doc, tokens[:len(tokens)-1])
	parent := levels[len(levels)-1]

	if parent.IsArray() {
		items, err := arrayItems(parent)
		if err != nil {
			return nil, err
		}
		idx, _ := strconv.Atoi(tokens[len(tokens)-1])
		items[idx] = value
		return replaceArray(doc, levels, tokens[:len(tokens)-1], items)
	}
	return sjson.SetRawBytes(doc, setPath(levels, tokens), value)
}

func arrayItems(arr gjson.Result) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(arr.Raw), &items); err != nil {
		return nil, fmt.Errorf("decode array: %w", err)
	}
	return items, nil
}

func replaceArray(doc []byte, levels []gjson.Result, tokens []string, items []json.RawMessage) ([]byte, error) {
	if items == nil {
		items = []json.RawMessage{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode array: %w", err)
	}
	if len(tokens) == 0 {
		return raw, nil
	}
	return sjson.SetRawBytes(doc, setPath(levels, tokens), raw)
}

func sameJSON(a, b []byte) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
