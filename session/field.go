/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package session describes the typed field slots that the enrichment
// cores apply operations against, and the Session interface both cores
// mutate when a match is found.
package session

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownField  = errors.New("unknown field expression")
	ErrInvalidHandle = errors.New("invalid field handle")
)

// FieldType describes how a FieldHandle's payload should be interpreted
// when an Operation is applied to it.
type FieldType uint8

const (
	FieldInt FieldType = iota
	FieldIntArray
	FieldIPArray
	FieldString
	FieldStringArray
	FieldHash
	// FieldTag is the distinguished handle type: its payload is a tag
	// name rather than a field value, and ApplyOperation adds a tag
	// instead of setting a field.
	FieldTag
)

func (t FieldType) String() string {
	switch t {
	case FieldInt:
		return "int"
	case FieldIntArray:
		return "int[]"
	case FieldIPArray:
		return "ip[]"
	case FieldString:
		return "string"
	case FieldStringArray:
		return "string[]"
	case FieldHash:
		return "hash"
	case FieldTag:
		return "tag"
	}
	return "unknown"
}

// FieldHandle is an opaque integer identifying a typed session attribute
// slot, negotiated once by name through a FieldRegistry.
type FieldHandle uint32

// InvalidHandle is returned by lookups that fail to resolve a field.
const InvalidHandle FieldHandle = 0

const maxShortAlias = 20

// FieldRegistry negotiates and holds the mapping between human-readable
// field expressions (e.g. "http.uri", "dns.host") and FieldHandle
// values, plus the short numeric aliases (0..19) a Local Index File may
// declare in its "fields" line.
//
// Tag operations go through the same handle space: TagHandle is the
// single distinguished handle whose FieldType is FieldTag. NegotiateTag
// hands out tag ids from a counter of its own, separate from FieldHandle
// values.
type FieldRegistry struct {
	byExpr     map[string]FieldHandle
	types      map[FieldHandle]FieldType
	names      map[FieldHandle]string
	shortAlias map[int]FieldHandle
	next       FieldHandle

	tagHandle FieldHandle
	tags      map[string]uint32
	nextTag   uint32
}

// NewFieldRegistry builds an empty registry with the distinguished tag
// handle pre-registered under the name "tags".
func NewFieldRegistry() *FieldRegistry {
	r := &FieldRegistry{
		byExpr:     make(map[string]FieldHandle),
		types:      make(map[FieldHandle]FieldType),
		names:      make(map[FieldHandle]string),
		shortAlias: make(map[int]FieldHandle),
		next:       1,
		tags:       make(map[string]uint32),
	}
	r.tagHandle = r.DefineField("tags", FieldTag)
	return r
}

// TagHandle returns the distinguished handle representing tag insertion.
func (r *FieldRegistry) TagHandle() FieldHandle { return r.tagHandle }

// DefineField registers expr with the given type if not already present
// and returns its handle. Re-defining an existing expr with a different
// type is a no-op that returns the original handle -- the first
// declaration wins, mirroring how field types are fixed by the session
// schema rather than by document content.
func (r *FieldRegistry) DefineField(expr string, t FieldType) FieldHandle {
	if h, ok := r.byExpr[expr]; ok {
		return h
	}
	h := r.next
	r.next++
	r.byExpr[expr] = h
	r.types[h] = t
	r.names[h] = expr
	return h
}

// BindShortAlias maps a numeric short alias (0..19, as declared by a
// Local Index File's "fields" line) to an already-registered field
// handle. Aliases outside [0,20) are rejected.
func (r *FieldRegistry) BindShortAlias(alias int, h FieldHandle) error {
	if alias < 0 || alias >= maxShortAlias {
		return fmt.Errorf("short alias %d out of range [0,%d)", alias, maxShortAlias)
	}
	r.shortAlias[alias] = h
	return nil
}

// ByExpression resolves a textual expression name to its handle.
func (r *FieldRegistry) ByExpression(expr string) (FieldHandle, bool) {
	h, ok := r.byExpr[expr]
	return h, ok
}

// ByShortAlias resolves a previously-bound numeric short alias.
func (r *FieldRegistry) ByShortAlias(alias int) (FieldHandle, bool) {
	h, ok := r.shortAlias[alias]
	return h, ok
}

// Type returns the declared FieldType for a handle.
func (r *FieldRegistry) Type(h FieldHandle) (FieldType, bool) {
	t, ok := r.types[h]
	return t, ok
}

// Name returns the expression a handle was registered under.
func (r *FieldRegistry) Name(h FieldHandle) string {
	return r.names[h]
}

// NegotiateTag registers (if needed) and returns a stable numeric id for
// a tag name, mirroring ingest/processors.Tagger's NegotiateTag.
func (r *FieldRegistry) NegotiateTag(name string) uint32 {
	if id, ok := r.tags[name]; ok {
		return id
	}
	id := r.nextTag
	r.nextTag++
	r.tags[name] = id
	return id
}

// KnownTags returns the set of tag names registered so far.
func (r *FieldRegistry) KnownTags() []string {
	out := make([]string, 0, len(r.tags))
	for name := range r.tags {
		out = append(out, name)
	}
	return out
}
