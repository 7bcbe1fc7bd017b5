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
	"time"

	"github.com/gravwell/capture/session"
)

// State is an Item's place in its lifecycle.
type State uint8

const (
	StatePending State = iota
	StateCached
)

// sessionsSize bounds pending_sessions; per the documented limitation,
// sessions beyond this cap silently never receive ops for this
// identifier on this round.
const sessionsSize = 20

// Item is one WiseItem: {kind, key, state, ops, load_time,
// pending_sessions[]}. Cached items additionally carry an LRU element
// so eviction can pop the tail in O(1); Pending items are not on the
// LRU.
type Item struct {
	Kind Kind
	Key  string

	state    State
	ops      []session.Operation
	loadTime time.Time

	pendingSessions []session.Session

	lru *list.Element // set only while Cached
}

func newItem(kind Kind, key string) *Item {
	return &Item{Kind: kind, Key: key, state: StatePending}
}

// appendPending appends a session to pending_sessions, bounded by
// sessionsSize. Returns false if the cap was already reached (the
// session silently receives nothing for this identifier this round).
func (it *Item) appendPending(sess session.Session) bool {
	if len(it.pendingSessions) >= sessionsSize {
		return false
	}
	it.pendingSessions = append(it.pendingSessions, sess)
	return true
}

// expired reports whether a Cached item has aged past cacheSecs.
func (it *Item) expired(cacheSecs time.Duration, now time.Time) bool {
	return now.Sub(it.loadTime) >= cacheSecs
}
