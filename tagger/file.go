/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package tagger implements the Local Index: an in-memory intelligence
// index synchronized from a document store with minute-granularity
// polling, applying matching operations to finalizing sessions.
package tagger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gravwell/capture/session"
)

// Kind is the document's declared type, selecting which per-kind index
// its elements populate.
type Kind byte

const (
	KindIP     Kind = 'i'
	KindHost   Kind = 'h'
	KindMD5    Kind = 'm'
	KindEmail  Kind = 'e'
	KindURI    Kind = 'u'
	KindUnknown Kind = 0
)

func parseKind(s string) Kind {
	if len(s) != 1 {
		return KindUnknown
	}
	switch Kind(s[0]) {
	case KindIP, KindHost, KindMD5, KindEmail, KindURI:
		return Kind(s[0])
	}
	return KindUnknown
}

// Binding is one (element, operations) pair parsed from a data line.
type Binding struct {
	Element string
	Ops     []session.Operation
}

// File is one Local Index document: the in-memory representation of
// the store's {id, md5, type, tags, fields, data} attributes.
type File struct {
	ID       string
	MD5      string
	Type     Kind
	Tags     []string
	Bindings []Binding
}

// rawDocument mirrors the document store's JSON-like body. Every field
// is tolerant: missing or malformed keys degrade gracefully rather than
// failing the whole parse, matching tagger.c's per-key extraction.
type rawDocument struct {
	MD5    string `json:"md5"`
	Type   string `json:"type"`
	Tags   string `json:"tags"`
	Fields string `json:"fields"`
	Data   string `json:"data"`
}

// ParseFile parses one document body into a File, pre-registering any
// field expressions named in "fields" (including numeric short
// aliases) and building the typed Operation list for every data line.
//
// Parse failures are non-fatal to the caller: an error here means the
// caller logs it and continues -- Store.LoadBody installs nothing and
// leaves any previously loaded version of the id in place -- never
// panic, never abort the refresh loop.
func ParseFile(id string, body []byte, reg *session.FieldRegistry) (*File, error) {
	var raw rawDocument
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("malformed document %s: %w", id, err)
	}

	f := &File{ID: id, MD5: raw.MD5}
	f.Type = parseKind(raw.Type)
	if f.Type == KindUnknown {
		return nil, fmt.Errorf("document %s: unknown type %q", id, raw.Type)
	}

	if raw.Tags != "" {
		f.Tags = splitNonEmpty(raw.Tags, ",")
	}

	registerFieldsLine(raw.Fields, reg)

	for _, line := range splitDataLines(raw.Data) {
		b, err := parseDataLine(line, reg)
		if err != nil {
			// Empty element: skip this line, keep parsing the rest of
			// the file.
			continue
		}
		f.Bindings = append(f.Bindings, b)
	}
	return f, nil
}

// registerFieldsLine pre-registers every expression named in a
// "fields" attribute, binding any numeric short alias (0..19) prefix
// form "N:expr" to the resulting handle the way fieldShortHand[] does
// in the source plugin.
func registerFieldsLine(s string, reg *session.FieldRegistry) {
	for _, expr := range splitNonEmpty(s, ",") {
		alias := -1
		name := expr
		if idx := strings.IndexByte(expr, ':'); idx > 0 {
			if n, err := strconv.Atoi(expr[:idx]); err == nil {
				alias = n
				name = expr[idx+1:]
			}
		}
		h := reg.DefineField(name, session.FieldStringArray)
		if alias >= 0 {
			_ = reg.BindShortAlias(alias, h)
		}
	}
}

// parseDataLine splits "ELEMENT;field=value;field=value..." into a
// Binding, resolving each field token as either a numeric short alias
// or a textual expression name.
func parseDataLine(line string, reg *session.FieldRegistry) (Binding, error) {
	parts := strings.Split(line, ";")
	if len(parts) == 0 || parts[0] == "" {
		return Binding{}, fmt.Errorf("empty data line")
	}
	b := Binding{Element: parts[0]}
	for _, kv := range parts[1:] {
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]

		if key == "tags" {
			for _, t := range splitNonEmpty(val, ",") {
				b.Ops = append(b.Ops, session.NewTagOp(reg.TagHandle(), t))
			}
			continue
		}

		h, ok := resolveFieldKey(key, reg)
		if !ok {
			continue // unknown expression name: skip this operation; nothing is logged
		}
		op, err := session.BuildOperation(reg, h, val)
		if err != nil {
			continue
		}
		b.Ops = append(b.Ops, op)
	}
	return b, nil
}

func resolveFieldKey(key string, reg *session.FieldRegistry) (session.FieldHandle, bool) {
	if n, err := strconv.Atoi(key); err == nil {
		return reg.ByShortAlias(n)
	}
	return reg.ByExpression(key)
}

func splitDataLines(s string) []string {
	s = strings.ReplaceAll(s, ",", "\n")
	return splitNonEmpty(s, "\n")
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
