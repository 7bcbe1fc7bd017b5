/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wise

import (
	"container/list"
	"strconv"
	"sync"
	"time"

	gwlog "github.com/gravwell/capture/ingest/log"
	"github.com/gravwell/capture/session"
)

// flushThreshold is the soft per-batch threshold that triggers an
// early send instead of waiting for the 1s tick.
const flushThreshold = 128

// flushInterval is the periodic flush tick.
const flushInterval = time.Second

type kindState struct {
	items map[string]*Item
	lru   *list.List // of *Item, most-recently-cached at front
}

func newKindState() *kindState {
	return &kindState{items: make(map[string]*Item), lru: list.New()}
}

// Cache is the Remote Cache Batcher: four independent per-kind states,
// a pending outbound batch, and the field schema negotiated from
// /fields.
type Cache struct {
	mu  sync.Mutex
	reg *session.FieldRegistry

	maxCache  int
	cacheSecs time.Duration

	kinds [4]*kindState

	toSend   []*Item
	toSendRe []RequestEntry

	fieldsTS   uint32
	fieldNames []string // remote_field_id -> local expression name
	fieldAt    []session.FieldHandle

	client *Client
	log    *gwlog.Logger

	stats Stats
}

// Stats are the counters the source plugin's wise_print_stats prints,
// kept here as process-wide totals across all four kinds (not split
// per kind); a supplemental accessor for operational logging.
type Stats struct {
	Lookups    uint64
	CacheHits  uint64
	Requests   uint64
	Failures   uint64
	InProgress uint64
}

// Config bounds the cache per the configuration keys table.
type Config struct {
	MaxCache  int
	CacheSecs int
}

// NewCache builds a Cache bound to a field registry, HTTP client, and
// bounds.
func NewCache(reg *session.FieldRegistry, client *Client, cfg Config, lg *gwlog.Logger) *Cache {
	c := &Cache{
		reg:       reg,
		maxCache:  cfg.MaxCache,
		cacheSecs: time.Duration(cfg.CacheSecs) * time.Second,
		client:    client,
		log:       lg,
	}
	for i := range c.kinds {
		c.kinds[i] = newKindState()
	}
	return c
}

// Lookup implements the per-key state machine described in §4.2:
// miss/pending-hit/cached-fresh-hit/cached-expired-hit. A hit does no
// network I/O. A miss enqueues a request entry for the next flush; when
// that entry brings the batch to flushThreshold, enqueue sends the
// batch and Lookup blocks until the response has been handled.
func (c *Cache) Lookup(sess session.Session, kind Kind, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Lookups++

	ks := c.kinds[kind]
	it, ok := ks.items[key]
	if ok {
		switch it.state {
		case StatePending:
			if it.appendPending(sess) {
				sess.IncrOutstanding()
			}
			return
		case StateCached:
			if !it.expired(c.cacheSecs, time.Now()) {
				c.stats.CacheHits++
				c.applyOps(sess, it.ops)
				return
			}
			// expired: detach from LRU, free ops, fall through to miss handling
			ks.lru.Remove(it.lru)
			it.lru = nil
			it.ops = nil
			it.state = StatePending
		}
	} else {
		it = newItem(kind, key)
		ks.items[key] = it
	}

	// Miss (or expired-reset-to-pending): enqueue for the next batch.
	if it.appendPending(sess) {
		sess.IncrOutstanding()
	}
	c.enqueue(it, kind, key)
}

func (c *Cache) applyOps(sess session.Session, ops []session.Operation) {
	for _, op := range ops {
		sess.ApplyOperation(c.reg, op)
	}
}

// enqueue must be called with c.mu held. It adds a request entry for
// it unless one is already outstanding for this key (a second miss
// during the same window should not emit a second wire entry).
func (c *Cache) enqueue(it *Item, kind Kind, key string) {
	for _, pending := range c.toSend {
		if pending == it {
			return // already queued this round
		}
	}
	c.toSend = append(c.toSend, it)
	c.toSendRe = append(c.toSendRe, RequestEntry{Kind: kind, Key: []byte(key)})
	if len(c.toSend) >= flushThreshold {
		c.flushLocked()
	}
}

// Run drives the 1s flush ticker until stop is closed.
func (c *Cache) Run(stop <-chan struct{}) {
	t := time.NewTicker(flushInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			c.flushLocked()
			c.mu.Unlock()
		}
	}
}

// flushLocked sends the queued batch and blocks (synchronously, from
// the ticker's goroutine, or from a Lookup caller's goroutine when the
// batch reaches flushThreshold) for the response. Callers must hold c.mu;
// it is temporarily released around the network call so lookups are
// not blocked by an in-flight request.
func (c *Cache) flushLocked() {
	if len(c.toSend) == 0 {
		return
	}
	batch := c.toSend
	entries := c.toSendRe
	c.toSend = nil
	c.toSendRe = nil
	c.stats.Requests++
	c.stats.InProgress += uint64(len(batch))

	c.mu.Unlock()
	resp, err := c.client.Get(entries)
	c.mu.Lock()

	c.stats.InProgress -= uint64(len(batch))
	if err != nil {
		c.failBatch(batch)
		c.stats.Failures++
		c.logError("wise request failed", err)
		return
	}
	if resp.Version != 0 || len(resp.Entries) != len(batch) {
		c.failBatch(batch)
		c.stats.Failures++
		c.logError("wise response malformed", ErrFraming)
		return
	}
	if resp.FieldsTS != c.fieldsTS {
		c.mu.Unlock()
		c.refreshFields()
		c.mu.Lock()
	}
	now := time.Now()
	for i, it := range batch {
		ops := c.decodeOps(resp.Entries[i].Ops)
		it.ops = ops
		it.loadTime = now
		it.state = StateCached

		ks := c.kinds[it.Kind]
		it.lru = ks.lru.PushFront(it)
		c.evictIfNeeded(ks)

		for _, sess := range it.pendingSessions {
			c.applyOps(sess, ops)
			sess.DecrOutstanding()
		}
		it.pendingSessions = nil
	}
}

// failBatch releases every item in a failed batch: no negative
// caching, items become eligible for retry on their next miss.
func (c *Cache) failBatch(batch []*Item) {
	for _, it := range batch {
		ks := c.kinds[it.Kind]
		delete(ks.items, it.Key)
		for _, sess := range it.pendingSessions {
			sess.DecrOutstanding()
		}
		it.pendingSessions = nil
	}
}

func (c *Cache) evictIfNeeded(ks *kindState) {
	for c.maxCache > 0 && ks.lru.Len() > c.maxCache {
		tail := ks.lru.Back()
		if tail == nil {
			return
		}
		it := tail.Value.(*Item)
		ks.lru.Remove(tail)
		delete(ks.items, it.Key)
	}
}

// decodeOps turns a response's raw operation block into typed
// session.Operation values using the negotiated field schema.
func (c *Cache) decodeOps(raw []ResponseOp) []session.Operation {
	ops := make([]session.Operation, 0, len(raw))
	for _, r := range raw {
		if int(r.RemoteFieldID) >= len(c.fieldAt) {
			continue
		}
		h := c.fieldAt[r.RemoteFieldID]
		val := string(r.Value)
		op, err := session.BuildOperation(c.reg, h, val)
		if err != nil {
			continue
		}
		ops = append(ops, op)
	}
	return ops
}

// refreshFields fetches and installs a new schema. If the fetch fails,
// fieldsTS is reset to zero so the next response triggers another
// refetch; every fetched name is registered as a FieldString.
func (c *Cache) refreshFields() {
	schema, err := c.client.Fields()
	if err != nil {
		c.logError("wise schema fetch failed", err)
		c.mu.Lock()
		c.fieldsTS = 0
		c.mu.Unlock()
		return
	}
	at := make([]session.FieldHandle, len(schema.Names))
	for i, name := range schema.Names {
		at[i] = c.reg.DefineField(name, session.FieldString)
	}
	c.mu.Lock()
	c.fieldsTS = schema.FieldsTS
	c.fieldNames = schema.Names
	c.fieldAt = at
	c.mu.Unlock()
}

func (c *Cache) logError(msg string, err error) {
	if c.log == nil {
		return
	}
	c.log.Errorf("%s: %v", msg, err)
}

// StatsSnapshot returns a copy of the current per-process counters.
func (c *Cache) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ValidateDomain implements the domain validation rule in §4.2: must
// contain a dot, characters restricted to [-_A-Za-z0-9.] before an
// optional trailing :port, with a dotted-quad final token redirected
// to IP lookup. Returns the cleaned key and whether it should be
// looked up as an IP instead of a domain.
func ValidateDomain(raw string) (key string, asIP bool, ok bool) {
	s := raw
	for _, prefix := range []string{"http://", "https://"} {
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			s = s[len(prefix):]
			break
		}
	}
	if len(s) > 0 && s[0] == '<' {
		return "", false, false
	}
	if idx := lastIndexByte(s, ':'); idx >= 0 {
		if _, err := strconv.Atoi(s[idx+1:]); err == nil {
			s = s[:idx]
		}
	}
	if lastIndexByte(s, '.') < 0 {
		return "", false, false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !validDomainChar(ch) {
			return "", false, false
		}
	}
	if len(s) > 0 && isDigit(s[len(s)-1]) {
		if _, err := session.ParseIPv4(s); err == nil {
			return s, true, true
		}
	}
	return s, false, true
}

func validDomainChar(ch byte) bool {
	switch {
	case ch == '-' || ch == '_' || ch == '.':
		return true
	case ch >= 'A' && ch <= 'Z':
		return true
	case ch >= 'a' && ch <= 'z':
		return true
	case ch >= '0' && ch <= '9':
		return true
	}
	return false
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
