// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultMaxResponseSize is the default maximum response body size (1MB).
	DefaultMaxResponseSize = 1024 * 1024

	// DefaultErrorPreviewSize is the maximum size of error body preview in HTTPError.
	DefaultErrorPreviewSize = 1024

	// ContentTypeJSON is the JSON content type.
	ContentTypeJSON = "application/json"

	// ContentTypeFormURLEncoded is the form-urlencoded content type.
	ContentTypeFormURLEncoded = "application/x-www-form-urlencoded"
)

// HTTPClient is the subset of *http.Client used by this package.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchResult contains the result of a successful JSON fetch operation.
type FetchResult[T any] struct {
	// Data is the parsed JSON response body.
	Data T

	// StatusCode is the HTTP status code of the response.
	StatusCode int

	// Headers are the response headers.
	Headers http.Header
}

// FetchOption configures a fetch request.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	method          string
	headers         http.Header
	body            io.Reader
	maxResponseSize int64
	retryAfter      func(*http.Response, []byte) time.Duration
	basicAuth       *basicAuth
}

type basicAuth struct {
	username string
	password string
}

func newFetchOptions() *fetchOptions {
	return &fetchOptions{
		method:          http.MethodGet,
		headers:         make(http.Header),
		maxResponseSize: DefaultMaxResponseSize,
	}
}

// WithMethod sets the HTTP method for the request.
func WithMethod(method string) FetchOption {
	return func(opts *fetchOptions) {
		opts.method = method
	}
}

// WithHeader sets a single header on the request.
func WithHeader(key, value string) FetchOption {
	return func(opts *fetchOptions) {
		opts.headers.Set(key, value)
	}
}

// WithBearerToken sets the Authorization header to "<scheme> <token>".
func WithBearerToken(scheme, token string) FetchOption {
	return WithHeader("Authorization", scheme+" "+token)
}

// WithBasicAuth sets HTTP Basic credentials on the request.
func WithBasicAuth(username, password string) FetchOption {
	return func(opts *fetchOptions) {
		opts.basicAuth = &basicAuth{username: username, password: password}
	}
}

// WithBody sets the request body.
func WithBody(body io.Reader) FetchOption {
	return func(opts *fetchOptions) {
		opts.body = body
	}
}

// WithRetryAfter replaces the Retry-After header lookup used to fill
// HTTPError.RetryAfter.
func WithRetryAfter(parse func(*http.Response, []byte) time.Duration) FetchOption {
	return func(opts *fetchOptions) {
		opts.retryAfter = parse
	}
}

// FetchJSON performs an HTTP request and decodes a 2xx JSON response into T.
// Non-2xx responses and transport failures are returned as *HTTPError.
func FetchJSON[T any](
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	opts ...FetchOption,
) (*FetchResult[T], error) {
	options := newFetchOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.headers.Get("Accept") == "" {
		options.headers.Set("Accept", ContentTypeJSON)
	}

	resp, body, err := do(ctx, client, requestURL, options)
	if err != nil {
		return nil, err
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}

	return &FetchResult[T]{
		Data:       data,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	}, nil
}

// SendForm performs a form-urlencoded POST whose response body is ignored.
func SendForm(
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	formData url.Values,
	opts ...FetchOption,
) error {
	options := newFetchOptions()
	for _, opt := range append(formOptions(formData), opts...) {
		opt(options)
	}
	_, _, err := do(ctx, client, requestURL, options)
	return err
}

func formOptions(formData url.Values) []FetchOption {
	return []FetchOption{
		WithMethod(http.MethodPost),
		WithHeader("Content-Type", ContentTypeFormURLEncoded),
		WithBody(strings.NewReader(formData.Encode())),
	}
}

func do(ctx context.Context, client HTTPClient, requestURL string, options *fetchOptions) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, options.method, requestURL, options.body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range options.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if options.basicAuth != nil {
		req.SetBasicAuth(options.basicAuth.username, options.basicAuth.password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, &HTTPError{URL: requestURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, options.maxResponseSize))
	if err != nil {
		return nil, nil, &HTTPError{URL: requestURL, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview := string(body)
		if len(preview) > DefaultErrorPreviewSize {
			preview = preview[:DefaultErrorPreviewSize]
		}
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       preview,
			URL:        requestURL,
		}
		if options.retryAfter != nil {
			httpErr.RetryAfter = options.retryAfter(resp, body)
		} else {
			httpErr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		return nil, nil, httpErr
	}

	return resp, body, nil
}
