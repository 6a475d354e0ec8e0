// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package api is the typed client of the PinguAPI control plane.
// The bot is a pure HTTP client: all shared state lives on the server side.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

const requestTimeout = time.Minute

const authHeader = "X-Api-Key"

// Read retries. Writes are never retried here: the task layer decides
// whether a failed write should requeue the whole task.
const (
	readAttempts  = 3
	readRetryWait = 500 * time.Millisecond
)

type Client struct {
	baseURL string
	key     string
	http    *http.Client
	clock   clock.Clock
}

func NewClient(host, key string) *Client {
	return &Client{
		baseURL: strings.TrimRight(host, "/"),
		key:     key,
		http:    &http.Client{Timeout: requestTimeout},
		clock:   clock.WallClock,
	}
}

// NewClientWithClock is used by tests to control retry timing.
func NewClientWithClock(host, key string, clk clock.Clock) *Client {
	client := NewClient(host, key)
	client.clock = clk
	return client
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api request failed with status %d: %s", e.Status, e.Body)
}

var ErrNotFound = errors.New("object not found")

// transient reports whether a request is worth retrying.
func transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	// Network-level failures.
	return !errors.Is(err, ErrNotFound) && err != nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set(authHeader, c.key)
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// decodeResponse maps the HTTP status to an error and decodes the body.
func decodeResponse[Resp any](resp *http.Response) (*Resp, error) {
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	ret := new(Resp)
	if err := json.NewDecoder(resp.Body).Decode(ret); err != nil {
		if errors.Is(err, io.EOF) {
			// An empty body is fine for fire-and-forget endpoints.
			return ret, nil
		}
		return nil, fmt.Errorf("failed to decode the response: %w", err)
	}
	return ret, nil
}

func postJSON[Req, Resp any](ctx context.Context, c *Client, path string, req *Req) (*Resp, error) {
	httpReq, err := postJSONRequest(ctx, c.baseURL+path, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	return decodeResponse[Resp](resp)
}

func postJSONRequest[Req any](ctx context.Context, url string, req *Req) (*http.Request, error) {
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize the request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	return http.NewRequestWithContext(ctx, http.MethodPost, url, body)
}

// getJSON retries transient failures; the control plane restarts freely.
func getJSON[Resp any](ctx context.Context, c *Client, path string, query url.Values) (*Resp, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	var ret *Resp
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
			if err != nil {
				return err
			}
			resp, err := c.do(httpReq)
			if err != nil {
				return err
			}
			ret, err = decodeResponse[Resp](resp)
			return err
		},
		IsFatalError: func(err error) bool { return !transient(err) },
		Attempts:     readAttempts,
		Delay:        readRetryWait,
		BackoffFunc:  retry.DoubleDelay,
		Clock:        c.clock,
		Stop:         ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
			return nil, retry.LastError(err)
		}
		return nil, err
	}
	return ret, nil
}

// getStream returns the raw body. On error, the body is read off for the
// error message.
func (c *Client) getStream(ctx context.Context, path string, query url.Values) (io.ReadCloser, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("request failed with status %d, body read error: %w", resp.StatusCode, err)
	}
	return nil, &APIError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}
