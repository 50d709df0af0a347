// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testResponse is a sample response type for testing.
type testResponse struct {
	Message string `json:"message"`
	Value   int    `json:"value"`
}

func TestFetchJSON_SuccessfulGET(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom-Header", "test-value")
		_ = json.NewEncoder(w).Encode(testResponse{Message: "hello", Value: 42})
	}))
	defer server.Close()

	ctx := context.Background()
	client := server.Client()

	result, err := FetchJSON[testResponse](ctx, client, server.URL)
	require.NoError(t, err)

	assert.Equal(t, "hello", result.Data.Message)
	assert.Equal(t, 42, result.Data.Value)
	assert.Equal(t, "test-value", result.Headers.Get("X-Custom-Header"))
}

func TestFetchJSON_SuccessfulPOST(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(testResponse{Message: "created", Value: 1})
	}))
	defer server.Close()

	ctx := context.Background()
	client := server.Client()

	body := strings.NewReader(`{"input": "test"}`)
	result, err := FetchJSON[testResponse](ctx, client, server.URL,
		WithMethod(http.MethodPost),
		WithHeader("Content-Type", "application/json"),
		WithBody(body),
	)
	require.NoError(t, err)

	assert.Equal(t, "created", result.Data.Message)
	assert.Equal(t, 1, result.Data.Value)
}

func TestFetchJSON_HTTPError4xx(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
	}{
		{"bad request", http.StatusBadRequest},
		{"unauthorized", http.StatusUnauthorized},
		{"forbidden", http.StatusForbidden},
		{"not found", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte("sensitive error details"))
			}))
			defer server.Close()

			ctx := context.Background()
			client := server.Client()

			result, err := FetchJSON[testResponse](ctx, client, server.URL)
			assert.Nil(t, result)
			require.Error(t, err)

			var httpErr *HTTPError
			require.True(t, errors.As(err, &httpErr))
			assert.Equal(t, tt.statusCode, httpErr.StatusCode)
			assert.Equal(t, "sensitive error details", httpErr.Body)
			assert.Equal(t, server.URL, httpErr.URL)
			assert.NotContains(t, httpErr.Error(), "sensitive")
		})
	}
}

func TestFetchJSON_HTTPError5xx(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
	}{
		{"internal server error", http.StatusInternalServerError},
		{"bad gateway", http.StatusBadGateway},
		{"service unavailable", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte("server error"))
			}))
			defer server.Close()

			ctx := context.Background()
			client := server.Client()

			result, err := FetchJSON[testResponse](ctx, client, server.URL)
			assert.Nil(t, result)
			require.Error(t, err)

			assert.True(t, IsHTTPError(err, tt.statusCode))
		})
	}
}

func TestFetchJSON_ErrorDoesNotLeakBody(t *testing.T) {
	t.Parallel()

	largeBody := strings.Repeat("sensitive-data-", 500)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(largeBody))
	}))
	defer server.Close()

	ctx := context.Background()
	_, err := FetchJSON[testResponse](ctx, server.Client(), server.URL)

	require.Error(t, err)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Len(t, httpErr.Body, DefaultErrorPreviewSize)
	assert.NotContains(t, httpErr.Error(), "sensitive")
}

func TestFetchJSON_CustomHeaders(t *testing.T) {
	t.Parallel()

	t.Run("single header", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(testResponse{Message: "authenticated"})
		}))
		defer server.Close()

		ctx := context.Background()
		result, err := FetchJSON[testResponse](ctx, server.Client(), server.URL,
			WithHeader("Authorization", "Bearer test-token"),
		)

		require.NoError(t, err)
		assert.Equal(t, "authenticated", result.Data.Message)
	})

	t.Run("multiple headers", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
			assert.Equal(t, "custom-value", r.Header.Get("X-Custom"))
			assert.Equal(t, "request-123", r.Header.Get("X-Request-ID"))

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(testResponse{Message: "ok"})
		}))
		defer server.Close()

		ctx := context.Background()
		result, err := FetchJSON[testResponse](ctx, server.Client(), server.URL,
			WithHeader("Authorization", "Bearer token"),
			WithHeader("X-Custom", "custom-value"),
			WithHeader("X-Request-ID", "request-123"),
		)

		require.NoError(t, err)
		assert.Equal(t, "ok", result.Data.Message)
	})

	t.Run("override Accept header", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Custom Accept header should override the default
			assert.Equal(t, "application/vnd.api+json", r.Header.Get("Accept"))

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(testResponse{Message: "custom"})
		}))
		defer server.Close()

		ctx := context.Background()
		result, err := FetchJSON[testResponse](ctx, server.Client(), server.URL,
			WithHeader("Accept", "application/vnd.api+json"),
		)

		require.NoError(t, err)
		assert.Equal(t, "custom", result.Data.Message)
	})
}

func TestFetchJSON_ContextCancellation(t *testing.T) {
	t.Parallel()

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			// Delay response to allow cancellation
			time.Sleep(100 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(testResponse{Message: "too late"})
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		_, err := FetchJSON[testResponse](ctx, server.Client(), server.URL)

		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	})

	t.Run("context timeout", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			// Delay response longer than timeout
			time.Sleep(200 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(testResponse{Message: "too late"})
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := FetchJSON[testResponse](ctx, server.Client(), server.URL)

		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}

func TestFetchJSON_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("not valid json"))
	}))
	defer server.Close()

	ctx := context.Background()
	_, err := FetchJSON[testResponse](ctx, server.Client(), server.URL)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse JSON")
}

func TestFetchJSON_EmptyResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
	}))
	defer server.Close()

	ctx := context.Background()
	result, err := FetchJSON[testResponse](ctx, server.Client(), server.URL)

	require.NoError(t, err)
	assert.Equal(t, "", result.Data.Message)
	assert.Equal(t, 0, result.Data.Value)
}

func TestFetchJSON_InvalidURL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := &http.Client{}

	_, err := FetchJSON[testResponse](ctx, client, "://invalid-url")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create request")
}

func TestFetchJSON_NetworkError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := &http.Client{Timeout: 100 * time.Millisecond}

	_, err := FetchJSON[testResponse](ctx, client, "http://localhost:1")

	require.Error(t, err)
	httpErr, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.True(t, httpErr.Transport())
	assert.Error(t, httpErr.Unwrap())
}

func TestFetchJSON_AcceptsAny2xx(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(testResponse{Message: "created"})
	}))
	defer server.Close()

	result, err := FetchJSON[testResponse](context.Background(), server.Client(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, result.StatusCode)
	assert.Equal(t, "created", result.Data.Message)
}

func TestFetchJSON_RetryAfter(t *testing.T) {
	t.Parallel()

	t.Run("standard header", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		_, err := FetchJSON[testResponse](context.Background(), server.Client(), server.URL)
		httpErr, ok := AsHTTPError(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
		assert.Equal(t, 2*time.Second, httpErr.RetryAfter)
	})

	t.Run("custom parser", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "2")
			w.Header().Set("X-Wait", "0.25")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		_, err := FetchJSON[testResponse](context.Background(), server.Client(), server.URL,
			WithRetryAfter(func(resp *http.Response, _ []byte) time.Duration {
				return ParseRetryAfter(resp.Header.Get("X-Wait"), time.Now())
			}),
		)
		httpErr, ok := AsHTTPError(err)
		require.True(t, ok)
		assert.Equal(t, 250*time.Millisecond, httpErr.RetryAfter)
	})
}

func TestSendForm(t *testing.T) {
	t.Parallel()

	t.Run("success ignores body", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "id", user)
			assert.Equal(t, "secret", pass)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "tok", r.Form.Get("token"))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("not json"))
		}))
		defer server.Close()

		err := SendForm(context.Background(), server.Client(), server.URL,
			url.Values{"token": {"tok"}},
			WithBasicAuth("id", "secret"),
		)
		require.NoError(t, err)
	})

	t.Run("error status", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		err := SendForm(context.Background(), server.Client(), server.URL, url.Values{})
		assert.True(t, IsHTTPError(err, http.StatusUnauthorized))
	})
}

func TestWithBearerToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot abc", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(testResponse{Message: "bot"})
	}))
	defer server.Close()

	result, err := FetchJSON[testResponse](context.Background(), server.Client(), server.URL,
		WithBearerToken("Bot", "abc"),
	)
	require.NoError(t, err)
	assert.Equal(t, "bot", result.Data.Message)
}
