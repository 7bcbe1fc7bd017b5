/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wise

import (
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gwlog "github.com/gravwell/capture/ingest/log"
	"github.com/gravwell/capture/session"
)

// fakeServer answers /fields with a one-field schema ("net") and /get
// with one "hit" op per requested entry, counting requests received so
// tests can assert at-most-one-request semantics.
type fakeServer struct {
	requests int32
	srv      *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/fields", func(w http.ResponseWriter, r *http.Request) {
		hdr := make([]byte, 9)
		binary.BigEndian.PutUint32(hdr[0:4], 1)
		hdr[8] = 1
		w.Write(hdr)
		lb := make([]byte, 2)
		binary.BigEndian.PutUint16(lb, 4)
		w.Write(lb)
		w.Write([]byte("net\x00"))
	})
	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fs.requests, 1)
		body, _ := io.ReadAll(r.Body)
		entries, err := DecodeRequest(body)
		require.NoError(t, err)

		hdr := make([]byte, 8)
		binary.BigEndian.PutUint32(hdr[0:4], 1)
		w.Write(hdr)
		for range entries {
			w.Write([]byte{1, 0, 3}) // num_ops=1, remote_field_id=0, value_len=3
			w.Write([]byte("hit"))
		}
	})
	fs.srv = httptest.NewServer(mux)
	return fs
}

func (fs *fakeServer) client() *Client {
	u, _ := url.Parse(fs.srv.URL)
	port, _ := strconv.Atoi(u.Port())
	return NewClient(u.Hostname(), port, 10)
}

func newTestCache(t *testing.T, fs *fakeServer) (*Cache, *session.FieldRegistry) {
	reg := session.NewFieldRegistry()
	c := NewCache(reg, fs.client(), Config{MaxCache: 100, CacheSecs: 600}, gwlog.NewDiscardLogger())
	c.refreshFields()
	return c, reg
}

func TestCacheMissThenFlushAppliesOps(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.srv.Close()
	c, reg := newTestCache(t, fs)

	s := session.NewBaseSession(1, 2)
	c.Lookup(s, KindMD5, "d41d8cd98f00b204e9800998ecf8427e")
	require.Equal(t, int32(1), s.Outstanding())

	c.mu.Lock()
	c.flushLocked()
	c.mu.Unlock()

	require.Equal(t, int32(0), s.Outstanding())
	netH, ok := reg.ByExpression("net")
	require.True(t, ok)
	require.Len(t, s.Fields[netH], 1)
	require.Equal(t, "hit", s.Fields[netH][0].Str)
}

// E3 / Property 8: concurrent misses on the same key in one window
// produce exactly one request entry and both sessions receive ops.
func TestCacheAtMostOneRequestPerKey(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.srv.Close()
	c, reg := newTestCache(t, fs)

	s1 := session.NewBaseSession(1, 2)
	s2 := session.NewBaseSession(3, 4)

	c.Lookup(s1, KindMD5, "d41d8cd98f00b204e9800998ecf8427e")
	c.Lookup(s2, KindMD5, "d41d8cd98f00b204e9800998ecf8427e")

	c.mu.Lock()
	require.Len(t, c.toSend, 1) // one item queued, not two
	c.flushLocked()
	c.mu.Unlock()

	require.Equal(t, int32(0), s1.Outstanding())
	require.Equal(t, int32(0), s2.Outstanding())
	require.Equal(t, int32(1), atomic.LoadInt32(&fs.requests))
	netH, ok := reg.ByExpression("net")
	require.True(t, ok)
	require.Len(t, s1.Fields[netH], 1)
	require.Len(t, s2.Fields[netH], 1)
}

func TestCacheTTLExpiry(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.srv.Close()
	c, _ := newTestCache(t, fs)
	c.cacheSecs = 50 * time.Millisecond

	s := session.NewBaseSession(1, 2)
	c.Lookup(s, KindIP, "10.0.0.5")
	c.mu.Lock()
	c.flushLocked()
	c.mu.Unlock()
	require.Equal(t, int32(1), atomic.LoadInt32(&fs.requests))

	// fresh: immediate hit, no new request
	s2 := session.NewBaseSession(5, 6)
	c.Lookup(s2, KindIP, "10.0.0.5")
	require.Equal(t, int32(1), atomic.LoadInt32(&fs.requests))

	time.Sleep(80 * time.Millisecond)

	// expired: becomes a miss again, re-enqueued
	s3 := session.NewBaseSession(7, 8)
	c.Lookup(s3, KindIP, "10.0.0.5")
	c.mu.Lock()
	c.flushLocked()
	c.mu.Unlock()
	require.Equal(t, int32(2), atomic.LoadInt32(&fs.requests))
}

func TestCacheTransportFailureReleasesItems(t *testing.T) {
	reg := session.NewFieldRegistry()
	c := NewCache(reg, NewClient("127.0.0.1", 1, 1), Config{MaxCache: 10, CacheSecs: 600}, gwlog.NewDiscardLogger())

	s := session.NewBaseSession(1, 2)
	c.Lookup(s, KindIP, "10.0.0.5")
	require.Equal(t, int32(1), s.Outstanding())

	c.mu.Lock()
	c.flushLocked()
	c.mu.Unlock()

	require.Equal(t, int32(0), s.Outstanding())
	c.mu.Lock()
	_, ok := c.kinds[KindIP].items["10.0.0.5"]
	c.mu.Unlock()
	require.False(t, ok, "failed items must not remain cached")
}

func TestValidateDomain(t *testing.T) {
	key, asIP, ok := ValidateDomain("http://example.com")
	require.True(t, ok)
	require.False(t, asIP)
	require.Equal(t, "example.com", key)

	key, asIP, ok = ValidateDomain("10.0.0.5:8080")
	require.True(t, ok)
	require.True(t, asIP)
	require.Equal(t, "10.0.0.5", key)

	_, _, ok = ValidateDomain("<unknown>")
	require.False(t, ok)

	_, _, ok = ValidateDomain("nodotatall")
	require.False(t, ok)
}

func TestSessionsSizeCap(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.srv.Close()
	c, _ := newTestCache(t, fs)

	var sessions []*session.BaseSession
	for i := 0; i < sessionsSize+5; i++ {
		sessions = append(sessions, session.NewBaseSession(uint32(i), 0))
	}
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.BaseSession) {
			defer wg.Done()
			c.Lookup(s, KindDomain, "example.com")
		}(s)
	}
	wg.Wait()

	c.mu.Lock()
	it := c.kinds[KindDomain].items["example.com"]
	require.LessOrEqual(t, len(it.pendingSessions), sessionsSize)
	c.mu.Unlock()
}
