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
	"strings"

	"github.com/asergeyev/nradix"

	"github.com/gravwell/capture/session"
)

// MatchRecord is an (operations, file) pair stored in an index; it
// owns a back-pointer to its source File so an unload can be driven
// purely from the File side without scanning every index.
type MatchRecord struct {
	File *File
	Ops  []session.Operation
}

// ipEntry is one CIDR registered in the IP index. The nradix.Tree is
// queried first on every lookup: FindCIDR walks the patricia trie in
// O(log n) to return the longest (most specific) matching prefix,
// which is the common case and the one the trie is built for. A host
// can additionally be covered by broader prefixes at the same time
// (a /24 and a /8 both matching one address), and nradix's public API
// has no way to enumerate those once the longest match is found, so
// entries are also kept in a flat map that FindAllIP falls back to for
// anything broader than what the trie already returned.
type ipEntry struct {
	network *net.IPNet
	records []*MatchRecord
}

// Index holds the five per-kind containers described for the Local
// Index: one radix/patricia trie over CIDR prefixes for IP, and hash
// maps keyed by canonical string for Domain, MD5, Email and URI.
type Index struct {
	ipTree    *nradix.Tree
	ipEntries map[string]*ipEntry // keyed by CIDR string

	domain map[string][]*MatchRecord
	md5    map[string][]*MatchRecord
	email  map[string][]*MatchRecord
	uri    map[string][]*MatchRecord
}

// NewIndex builds an empty Index.
func NewIndex() *Index {
	return &Index{
		ipTree:    nradix.NewTree(32),
		ipEntries: make(map[string]*ipEntry),
		domain:    make(map[string][]*MatchRecord),
		md5:       make(map[string][]*MatchRecord),
		email:     make(map[string][]*MatchRecord),
		uri:       make(map[string][]*MatchRecord),
	}
}

// InsertIP adds a match record under a CIDR (e.g. "10.0.0.0/24"),
// reusing the existing trie node if one is already registered for it.
func (idx *Index) InsertIP(cidr string, rec *MatchRecord) error {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		// allow bare addresses too, treated as /32
		if ip := net.ParseIP(cidr); ip != nil {
			cidr = cidr + "/32"
			_, ipnet, err = net.ParseCIDR(cidr)
		}
		if err != nil {
			return err
		}
	}
	e, ok := idx.ipEntries[ipnet.String()]
	if !ok {
		e = &ipEntry{network: ipnet}
		idx.ipEntries[ipnet.String()] = e
		if terr := idx.ipTree.AddCIDR(ipnet.String(), e); terr != nil {
			delete(idx.ipEntries, ipnet.String())
			return terr
		}
	}
	e.records = append(e.records, rec)
	return nil
}

// RemoveIP deletes every match record belonging to file from the CIDR
// entry. Once the entry's record list is empty the CIDR is gone for
// good, so it is dropped from both ipEntries and the trie -- leaving
// it in the tree would let unloaded files' CIDRs accumulate forever
// and keep answering FindCIDR with dead nodes.
func (idx *Index) RemoveIP(cidr string, file *File) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		if ip := net.ParseIP(cidr); ip != nil {
			_, ipnet, err = net.ParseCIDR(cidr + "/32")
		}
		if err != nil {
			return
		}
	}
	key := ipnet.String()
	e, ok := idx.ipEntries[key]
	if !ok {
		return
	}
	e.records = removeByFile(e.records, file)
	if len(e.records) == 0 {
		delete(idx.ipEntries, key)
		_ = idx.ipTree.DeleteWithMask(key)
	}
}

// FindAllIP returns every match record whose CIDR contains ip, shortest
// and longest prefixes alike -- "longest-prefix-or-all-matches". The
// trie answers the longest-prefix case directly; the flat map is only
// consulted for any additional, broader prefixes the trie's FindCIDR
// call can't surface once it has returned the most specific one.
func (idx *Index) FindAllIP(ip net.IP) []*MatchRecord {
	var out []*MatchRecord
	var longest string

	if v, err := idx.ipTree.FindCIDR(ip.String()); err == nil && v != nil {
		if e, ok := v.(*ipEntry); ok && len(e.records) > 0 {
			out = append(out, e.records...)
			longest = e.network.String()
		}
	}

	for cidr, e := range idx.ipEntries {
		if cidr == longest || len(e.records) == 0 {
			continue
		}
		if e.network.Contains(ip) {
			out = append(out, e.records...)
		}
	}
	return out
}

func insertString(m map[string][]*MatchRecord, key string, rec *MatchRecord) {
	m[key] = append(m[key], rec)
}

func removeString(m map[string][]*MatchRecord, key string, file *File) {
	lst, ok := m[key]
	if !ok {
		return
	}
	lst = removeByFile(lst, file)
	if len(lst) == 0 {
		delete(m, key)
	} else {
		m[key] = lst
	}
}

func removeByFile(lst []*MatchRecord, file *File) []*MatchRecord {
	out := lst[:0]
	for _, r := range lst {
		if r.File != file {
			out = append(out, r)
		}
	}
	return out
}

func (idx *Index) InsertDomain(name string, rec *MatchRecord) { insertString(idx.domain, name, rec) }
func (idx *Index) RemoveDomain(name string, file *File)       { removeString(idx.domain, name, file) }
func (idx *Index) InsertMD5(v string, rec *MatchRecord)       { insertString(idx.md5, v, rec) }
func (idx *Index) RemoveMD5(v string, file *File)             { removeString(idx.md5, v, file) }
func (idx *Index) InsertEmail(v string, rec *MatchRecord)     { insertString(idx.email, v, rec) }
func (idx *Index) RemoveEmail(v string, file *File)           { removeString(idx.email, v, file) }
func (idx *Index) InsertURI(v string, rec *MatchRecord)       { insertString(idx.uri, v, rec) }
func (idx *Index) RemoveURI(v string, file *File)             { removeString(idx.uri, v, file) }

// FindHostname implements the hostname lookup policy: exact match,
// then (if the name contains a dot) the substring after the first dot.
func (idx *Index) FindHostname(host string) []*MatchRecord {
	var out []*MatchRecord
	if recs, ok := idx.domain[host]; ok {
		out = append(out, recs...)
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		suffix := host[i+1:]
		if suffix != "" && suffix != host {
			if recs, ok := idx.domain[suffix]; ok {
				out = append(out, recs...)
			}
		}
	}
	return out
}

func (idx *Index) FindMD5(v string) []*MatchRecord   { return idx.md5[v] }
func (idx *Index) FindEmail(v string) []*MatchRecord { return idx.email[v] }
func (idx *Index) FindURI(v string) []*MatchRecord   { return idx.uri[v] }
