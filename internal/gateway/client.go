// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/rpc/v2/json2"
)

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
)

// Option configures a JSON-RPC request to the gateway.
type Option func(*requestOptions)

type requestOptions struct {
	headers     http.Header
	queryParams url.Values
	log         *slog.Logger
	httpClient  *http.Client
}

func newRequestOptions(opts []Option) *requestOptions {
	o := &requestOptions{
		headers:     http.Header{},
		queryParams: url.Values{},
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithHeader adds a request header.
func WithHeader(key, value string) Option {
	return func(o *requestOptions) { o.headers.Add(key, value) }
}

// WithQueryParam adds a query parameter to the endpoint URL.
func WithQueryParam(key, value string) Option {
	return func(o *requestOptions) { o.queryParams.Add(key, value) }
}

// WithRequestLogger sets the logger used for retry diagnostics.
func WithRequestLogger(log *slog.Logger) Option {
	return func(o *requestOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// WithHTTPClient replaces the per-attempt HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *requestOptions) { o.httpClient = c }
}

// newHTTPClient creates a fresh HTTP client with connection reuse disabled.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body so unread data
// does not break the connection.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError reports transient connection failures.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}

// SendJSONRequest posts one JSON-RPC 2.0 call to uri and decodes the result
// into reply. Transient connection failures are retried with exponential
// backoff; a JSON-RPC error is returned as *json2.Error.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params interface{},
	reply interface{},
	options ...Option,
) error {
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	ops := newRequestOptions(options)
	target := *uri
	target.RawQuery = ops.queryParams.Encode()
	log := ops.log.With("method", method, "uri", target.String())

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		// The body buffer is consumed by each attempt.
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		request.Header = ops.headers.Clone()
		request.Header.Set("Content-Type", "application/json")

		client := ops.httpClient
		if client == nil {
			client = newHTTPClient()
		}
		resp, err := client.Do(request)
		if err != nil {
			lastErr = err
			retryable := isRetryableError(err)
			log.Debug("gateway request attempt failed", "attempt", attempt+1, "retryable", retryable, "error", err)
			if retryable {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}
		if attempt > 0 {
			log.Debug("gateway request succeeded", "attempt", attempt+1)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		err = json2.DecodeClientResponse(resp.Body, reply)
		_ = CleanlyCloseBody(resp.Body)
		if err != nil {
			var rpcErr *json2.Error
			if errors.As(err, &rpcErr) {
				return rpcErr
			}
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}

// Publish calls psrpc.Publish on a running gateway.
func Publish(ctx context.Context, uri *url.URL, args PublishArgs, options ...Option) (PublishReply, error) {
	var reply PublishReply
	err := SendJSONRequest(ctx, uri, ServiceName+".Publish", &args, &reply, options...)
	return reply, err
}

// Dispatch calls psrpc.Dispatch on a running gateway.
func Dispatch(ctx context.Context, uri *url.URL, args PublishArgs, options ...Option) error {
	var reply DispatchReply
	return SendJSONRequest(ctx, uri, ServiceName+".Dispatch", &args, &reply, options...)
}

// Status calls psrpc.Status on a running gateway.
func Status(ctx context.Context, uri *url.URL, options ...Option) (StatusReply, error) {
	var reply StatusReply
	err := SendJSONRequest(ctx, uri, ServiceName+".Status", &StatusArgs{}, &reply, options...)
	return reply, err
}
