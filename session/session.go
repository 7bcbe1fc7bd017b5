/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package session

import "sync/atomic"

// Session is the capture pipeline's reconstructed bidirectional
// conversation, as seen by the Enrichment Core. Packet parsing and
// protocol field extraction are external collaborators; Session only
// exposes what the Local Index and Remote Cache need to read
// identifiers from and apply operations to.
type Session interface {
	// Addr1 and Addr2 are the two peer addresses (host order, IPv4).
	Addr1() uint32
	Addr2() uint32
	// XFF returns the set of X-Forwarded-For addresses observed.
	XFF() []uint32
	// HTTPHost and DNSHost return the hostnames observed for each protocol.
	HTTPHost() []string
	DNSHost() []string
	// HTTPURI returns observed HTTP request paths.
	HTTPURI() []string
	// MD5s returns content digests observed across HTTP and email bodies.
	MD5s() []string
	// Emails returns src/dst email addresses observed.
	Emails() []string

	// AddTag attaches a tag name to the session.
	AddTag(name string)
	// ApplyOperation applies a single decided Operation to the session.
	ApplyOperation(reg *FieldRegistry, op Operation)

	// IncrOutstanding/DecrOutstanding track in-flight wise requests
	// referencing this session; the pipeline must not finalize or free
	// a session while its outstanding counter is nonzero.
	IncrOutstanding()
	DecrOutstanding()
	Outstanding() int32
}

// BaseSession is a minimal, concurrency-unaware Session implementation
// suitable for tests and for a capture loop that already serializes all
// mutation onto a single thread, the way the capture-thread-singular
// invariant intends.
type BaseSession struct {
	addr1, addr2 uint32
	xff          []uint32
	httpHost     []string
	dnsHost      []string
	httpURI      []string
	md5s         []string
	emails       []string

	Tags   []string
	Fields map[FieldHandle][]Operation

	outstanding int32
}

// NewBaseSession builds a session around the two peer addresses.
func NewBaseSession(addr1, addr2 uint32) *BaseSession {
	return &BaseSession{
		addr1:  addr1,
		addr2:  addr2,
		Fields: make(map[FieldHandle][]Operation),
	}
}

func (s *BaseSession) Addr1() uint32          { return s.addr1 }
func (s *BaseSession) Addr2() uint32          { return s.addr2 }
func (s *BaseSession) XFF() []uint32          { return s.xff }
func (s *BaseSession) HTTPHost() []string     { return s.httpHost }
func (s *BaseSession) DNSHost() []string      { return s.dnsHost }
func (s *BaseSession) HTTPURI() []string      { return s.httpURI }
func (s *BaseSession) MD5s() []string         { return s.md5s }
func (s *BaseSession) Emails() []string       { return s.emails }

func (s *BaseSession) AddXFF(v uint32)          { s.xff = append(s.xff, v) }
func (s *BaseSession) AddHTTPHost(v string)     { s.httpHost = append(s.httpHost, v) }
func (s *BaseSession) AddDNSHost(v string)      { s.dnsHost = append(s.dnsHost, v) }
func (s *BaseSession) AddHTTPURI(v string)      { s.httpURI = append(s.httpURI, v) }
func (s *BaseSession) AddMD5(v string)          { s.md5s = append(s.md5s, v) }
func (s *BaseSession) AddEmail(v string)        { s.emails = append(s.emails, v) }

func (s *BaseSession) AddTag(name string) {
	for _, t := range s.Tags {
		if t == name {
			return
		}
	}
	s.Tags = append(s.Tags, name)
}

func (s *BaseSession) ApplyOperation(reg *FieldRegistry, op Operation) {
	if op.Kind == OpTag {
		s.AddTag(op.Str)
		return
	}
	s.Fields[op.Field] = append(s.Fields[op.Field], op)
}

func (s *BaseSession) IncrOutstanding() { atomic.AddInt32(&s.outstanding, 1) }
func (s *BaseSession) DecrOutstanding() { atomic.AddInt32(&s.outstanding, -1) }
func (s *BaseSession) Outstanding() int32 {
	return atomic.LoadInt32(&s.outstanding)
}
