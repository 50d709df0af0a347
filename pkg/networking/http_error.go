// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPError is a failed HTTP exchange. A StatusCode of zero means no
// response was received and Err holds the transport error.
type HTTPError struct {
	// StatusCode is the HTTP status code, or 0 for transport failures.
	StatusCode int

	// Body is a preview of the response body (limited to DefaultErrorPreviewSize).
	Body string

	// URL is the requested URL.
	URL string

	// RetryAfter is how long the server asked the client to wait, if it said.
	RetryAfter time.Duration

	// Err is the underlying transport error.
	Err error
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("HTTP request to %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("HTTP request to %s failed with status %d", e.URL, e.StatusCode)
}

// Unwrap returns the transport error, if any.
func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Transport reports whether the request never produced a response.
func (e *HTTPError) Transport() bool {
	return e.StatusCode == 0
}

// IsHTTPError checks if an error is an HTTPError with the specified status code.
// If statusCode is 0, it matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	httpErr, ok := AsHTTPError(err)
	if !ok {
		return false
	}
	if statusCode == 0 {
		return true
	}
	return httpErr.StatusCode == statusCode
}

// AsHTTPError returns the first HTTPError in err's chain.
func AsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return nil, false
	}
	return httpErr, true
}

// ParseRetryAfter reads a Retry-After style header value expressed in
// (possibly fractional) seconds or as an HTTP date. It returns 0 when the
// value is missing or malformed.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
