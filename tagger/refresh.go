/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tagger

import (
	"sync"
	"time"

	gwlog "github.com/gravwell/capture/ingest/log"
)

// refreshInterval is the 60s list-query poll described in the
// synchronization protocol.
const refreshInterval = 60 * time.Second

// Refresher drives the synchronization protocol: a synchronous first
// poll so the index is warm before the first session, then an
// asynchronous 60s ticker thereafter. The poller is idempotent -- a
// slow poll simply delays the next one, it never overlaps itself.
type Refresher struct {
	store *Store
	ds    *DocStore
	log   *gwlog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRefresher binds a Store to a DocStore and logger.
func NewRefresher(store *Store, ds *DocStore, lg *gwlog.Logger) *Refresher {
	return &Refresher{store: store, ds: ds, log: lg, stop: make(chan struct{})}
}

// Start performs the synchronous first poll, then launches the
// background 60s ticker. Callers must call Stop to release the
// ticker goroutine.
func (r *Refresher) Start() error {
	if err := r.poll(); err != nil {
		r.logError("initial tagger refresh failed", err)
		// non-fatal: the index starts empty and will warm up on the
		// next tick, matching the source's tolerance for a failed
		// startup fetch.
	}
	r.wg.Add(1)
	go r.loop()
	return nil
}

// Stop halts the background ticker and waits for it to exit.
func (r *Refresher) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Refresher) loop() {
	defer r.wg.Done()
	t := time.NewTicker(refreshInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			if err := r.poll(); err != nil {
				r.logError("tagger refresh failed", err)
			}
		}
	}
}

func (r *Refresher) poll() error {
	listing, err := r.ds.List()
	if err != nil {
		return err
	}
	for _, id := range r.store.NeedsFetch(listing) {
		body, err := r.ds.Fetch(id)
		if err != nil {
			r.logError("tagger fetch failed for "+id, err)
			continue
		}
		if err := r.store.LoadBody(id, body); err != nil {
			r.logError("tagger parse failed for "+id, err)
			continue
		}
	}
	return nil
}

func (r *Refresher) logError(msg string, err error) {
	if r.log == nil {
		return
	}
	r.log.Errorf("%s: %v", msg, err)
}
