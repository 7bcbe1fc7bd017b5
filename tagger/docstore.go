/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tagger

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/flate"
)

// DocStore is the minimal HTTP client for the document store described
// in the external interfaces: a list query returning {id, md5} pairs
// and a per-document fetch, both tolerant of a flate-compressed body
// (the store may compress large listings).
type DocStore struct {
	BaseURL string
	HTTP    *http.Client
}

// NewDocStore builds a client against baseURL (e.g. "http://127.0.0.1:9200").
func NewDocStore(baseURL string) *DocStore {
	return &DocStore{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type searchHit struct {
	ID     string `json:"_id"`
	Fields struct {
		MD5 []string `json:"md5"`
	} `json:"fields"`
}

type searchResponse struct {
	Hits struct {
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

// List issues GET /tagger/_search?fields=md5&size=999 and returns the
// {id, md5} pairs for every document in the namespace.
func (d *DocStore) List() ([]Listing, error) {
	body, err := d.get(d.BaseURL + "/tagger/_search?fields=md5&size=999")
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed search response: %w", err)
	}
	out := make([]Listing, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		md5 := ""
		if len(h.Fields.MD5) > 0 {
			md5 = h.Fields.MD5[0]
		}
		out = append(out, Listing{ID: h.ID, MD5: md5})
	}
	return out, nil
}

// Fetch issues GET /tagger/file/{id}/_source and returns the raw body
// for ParseFile.
func (d *DocStore) Fetch(id string) ([]byte, error) {
	return d.get(d.BaseURL + "/tagger/file/" + id + "/_source")
}

func (d *DocStore) get(url string) ([]byte, error) {
	resp, err := d.HTTP.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("document store returned %s", resp.Status)
	}

	var rdr io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "deflate" {
		fr := flate.NewReader(resp.Body)
		defer fr.Close()
		rdr = fr
	}
	return io.ReadAll(rdr)
}
