/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wise

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the HTTP transport to the intelligence service, hosting
// GET /fields and POST /get as binary-framed endpoints.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient builds a client bound to host:port, with MaxConns applied
// as the transport's MaxIdleConnsPerHost per configuration key
// wise_max_conns.
func NewClient(host string, port int, maxConns int) *Client {
	tr := &http.Transport{MaxIdleConnsPerHost: maxConns, MaxConnsPerHost: maxConns}
	return &Client{
		BaseURL: fmt.Sprintf("http://%s:%d", host, port),
		HTTP:    &http.Client{Transport: tr, Timeout: 10 * time.Second},
	}
}

// Fields fetches and decodes the binary schema frame.
func (c *Client) Fields() (FieldSchema, error) {
	resp, err := c.HTTP.Get(c.BaseURL + "/fields")
	if err != nil {
		return FieldSchema{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FieldSchema{}, fmt.Errorf("wise /fields returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FieldSchema{}, err
	}
	return DecodeFieldSchema(body)
}

// Get POSTs the binary request frame built from entries and decodes
// the response, given the caller already knows how many entries it
// sent (the wire format carries no entry count).
func (c *Client) Get(entries []RequestEntry) (Response, error) {
	body, err := EncodeRequest(entries)
	if err != nil {
		return Response{}, err
	}
	resp, err := c.HTTP.Post(c.BaseURL+"/get", "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("wise /get returned %s", resp.Status)
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(respBody, len(entries))
}
