// Copyright 2025 James Ross

// Package dispatch implements the HTTP dispatcher (spec C1): a single
// outbound call with a per-attempt timeout, returning a status+body
// pair or a transport failure. Grounded on sammcj-bifrost's
// fasthttp-based provider clients (core/providers/openai.go).
package dispatch

import (
	"context"
	"fmt"

	"github.com/batchforge/batchforge/internal/files"
	"github.com/valyala/fasthttp"
)

// Result is the outcome of one dispatch attempt.
type Result struct {
	Status uint16
	Body   string
}

// Dispatcher is the contract daemon consumes; Client and the mock
// test double both satisfy it.
type Dispatcher interface {
	Send(ctx context.Context, tpl files.RequestTemplate, timeoutMs int64) (Result, error)
}

// Client is the production Dispatcher backed by a shared fasthttp.Client.
type Client struct {
	hc *fasthttp.Client
}

// New returns a Client with a connection pool shared across dispatch
// calls, matching the teacher's single-shared-client-per-provider
// pattern.
func New() *Client {
	return &Client{
		hc: &fasthttp.Client{
			MaxConnsPerHost: 512,
		},
	}
}

// Send performs <endpoint><path> with method, applying timeoutMs as a
// fresh per-attempt deadline (spec §4.3). It sets Authorization:
// Bearer <api_key> iff api_key is non-empty, and Content-Type:
// application/json with the body for non-GET/HEAD methods with a
// non-empty body.
func (c *Client) Send(ctx context.Context, tpl files.RequestTemplate, timeoutMs int64) (Result, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(tpl.EndpointID + tpl.Path)
	req.Header.SetMethod(tpl.Method)
	if tpl.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+tpl.APIKey)
	}
	method := tpl.Method
	if method != fasthttp.MethodGet && method != fasthttp.MethodHead && tpl.Body != "" {
		req.Header.SetContentType("application/json")
		req.SetBodyString(tpl.Body)
	}

	timeout := timeoutDuration(timeoutMs)
	if err := c.hc.DoTimeout(req, resp, timeout); err != nil {
		return Result{}, fmt.Errorf("dispatch: %w", err)
	}

	return Result{
		Status: uint16(resp.StatusCode()),
		Body:   string(resp.Body()),
	}, nil
}
