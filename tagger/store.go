/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tagger

import (
	"net"
	"sync"

	"github.com/gravwell/capture/session"
)

// Store owns the Local Index's containers (allFiles plus the five
// per-kind containers) and applies the lookup policy on session
// finalize. It is safe for concurrent use: the refresh loop runs on
// its own goroutine issuing fetches, while session lookups happen on
// the capture goroutine -- unlike the single-threaded original, a
// small mutex serializes mutation of allFiles/Index against lookups.
type Store struct {
	mu       sync.RWMutex
	reg      *session.FieldRegistry
	idx      *Index
	allFiles map[string]*File
}

// NewStore builds an empty Store bound to a field registry. reg is
// shared with the rest of the enrichment pipeline so field handles
// negotiated here line up with wise's and the session's own.
func NewStore(reg *session.FieldRegistry) *Store {
	return &Store{
		reg:      reg,
		idx:      NewIndex(),
		allFiles: make(map[string]*File),
	}
}

// Listing is one {id, md5} pair returned by the document store's list
// query.
type Listing struct {
	ID  string
	MD5 string
}

// NeedsFetch reports which listed ids are new or have a changed md5,
// per steps 2-3 of the synchronization protocol.
func (s *Store) NeedsFetch(listing []Listing) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, l := range listing {
		f, ok := s.allFiles[l.ID]
		if !ok || f.MD5 != l.MD5 {
			out = append(out, l.ID)
		}
	}
	return out
}

// LoadBody parses a freshly-fetched document body and installs it,
// first unloading any prior version of the same id (step 5 of the
// synchronization protocol). A parse failure is returned to the caller
// for logging; nothing is installed and any previously loaded version
// stays in place, so the md5 still differs and a later poll retries.
func (s *Store) LoadBody(id string, body []byte) error {
	f, err := ParseFile(id, body, s.reg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.allFiles[id]; ok {
		s.unloadLocked(old)
	}
	s.loadLocked(f)
	s.allFiles[id] = f
	return nil
}

// Remove drops a File and every match record it owns. Per the
// documented limitation, the refresh loop never calls this
// proactively for listing disappearance -- it exists for explicit
// administrative removal and for tests exercising back-pointer
// integrity (Testable Property 5).
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.allFiles[id]
	if !ok {
		return
	}
	s.unloadLocked(f)
	delete(s.allFiles, id)
}

func (s *Store) loadLocked(f *File) {
	for _, b := range f.Bindings {
		rec := &MatchRecord{File: f, Ops: b.Ops}
		switch f.Type {
		case KindIP:
			_ = s.idx.InsertIP(b.Element, rec)
		case KindHost:
			s.idx.InsertDomain(b.Element, rec)
		case KindMD5:
			s.idx.InsertMD5(b.Element, rec)
		case KindEmail:
			s.idx.InsertEmail(b.Element, rec)
		case KindURI:
			s.idx.InsertURI(b.Element, rec)
		}
	}
}

func (s *Store) unloadLocked(f *File) {
	for _, b := range f.Bindings {
		switch f.Type {
		case KindIP:
			s.idx.RemoveIP(b.Element, f)
		case KindHost:
			s.idx.RemoveDomain(b.Element, f)
		case KindMD5:
			s.idx.RemoveMD5(b.Element, f)
		case KindEmail:
			s.idx.RemoveEmail(b.Element, f)
		case KindURI:
			s.idx.RemoveURI(b.Element, f)
		}
	}
}

// AllFiles returns the ids currently loaded, for integrity tests.
func (s *Store) AllFiles() map[string]*File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*File, len(s.allFiles))
	for k, v := range s.allFiles {
		out[k] = v
	}
	return out
}

// Lookup applies the Local Index lookup policy to sess: IP (including
// XFF) against the trie, hostnames (HTTP + DNS) against the domain
// index with suffix fallback, MD5/email/URI by exact match. Every
// match's File tags are added and every operation applied.
func (s *Store) Lookup(sess session.Session) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	apply := func(recs []*MatchRecord) {
		for _, r := range recs {
			for _, t := range r.File.Tags {
				sess.AddTag(t)
			}
			for _, op := range r.Ops {
				sess.ApplyOperation(s.reg, op)
			}
		}
	}

	lookupIP := func(v uint32) {
		ip := net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
		apply(s.idx.FindAllIP(ip))
	}

	lookupIP(sess.Addr1())
	lookupIP(sess.Addr2())
	for _, x := range sess.XFF() {
		lookupIP(x)
	}

	for _, h := range sess.HTTPHost() {
		apply(s.idx.FindHostname(h))
	}
	for _, h := range sess.DNSHost() {
		apply(s.idx.FindHostname(h))
	}
	for _, v := range sess.MD5s() {
		apply(s.idx.FindMD5(v))
	}
	for _, v := range sess.Emails() {
		apply(s.idx.FindEmail(v))
	}
	for _, v := range sess.HTTPURI() {
		apply(s.idx.FindURI(v))
	}
}
