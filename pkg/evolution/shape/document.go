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
)

// document is the file half of a Config or group Member: a name, a
// transform and JSON data.
type document struct {
	name      string
	transform Transform
	data      []byte
	loaded    bool
}

func newDocument(name string, transform Transform) document {
	if transform == nil {
		transform = TransformForFile(name)
	}
	if transform == nil {
		transform = JSON
	}
	return document{name: name, transform: transform}
}

// Name returns the file name, extension included.
func (d *document) Name() string { return d.name }

// SetName renames the file. The next Dump writes under the new name; the
// old file is left alone.
func (d *document) SetName(name string) { d.name = name }

// Transform returns the on-disk encoding.
func (d *document) Transform() Transform { return d.transform }

// SetTransform changes the on-disk encoding used by the next Dump.
func (d *document) SetTransform(t Transform) {
	if t != nil {
		d.transform = t
	}
}

// Data returns a copy of the JSON document, or nil when nothing is set.
func (d *document) Data() []byte {
	if d.data == nil {
		return nil
	}
	return append([]byte(nil), d.data...)
}

// SetData replaces the JSON document.
func (d *document) SetData(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("%s: %w", d.name, ErrInvalidData)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}
	d.data = buf.Bytes()
	d.loaded = true
	return nil
}

// Decode unmarshals the JSON document into v.
func (d *document) Decode(v any) error {
	if d.data == nil {
		return fmt.Errorf("%s: no data", d.name)
	}
	return json.Unmarshal(d.data, v)
}

// Encode marshals v and stores it as the JSON document.
func (d *document) Encode(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}
	return d.SetData(raw)
}

func (d *document) serialize() ([]byte, error) {
	data := d.data
	if data == nil {
		data = []byte("null")
	}
	out, err := d.transform.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s as %s: %w", d.name, d.transform.Name(), err)
	}
	return out, nil
}

func (d *document) deserialize(raw []byte) error {
	data, err := d.transform.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode %s as %s: %w", d.name, d.transform.Name(), err)
	}
	return d.SetData(data)
}
