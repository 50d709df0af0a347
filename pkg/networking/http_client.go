// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking provides the outbound HTTP plumbing used to talk to
// the upstream identity provider.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// HttpTimeout is the timeout for outgoing HTTP requests
const HttpTimeout = 30 * time.Second

// userAgentTransport sets the User-Agent header on every request
type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip sets the User-Agent header and forwards the request
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	newReq := req.Clone(req.Context())
	newReq.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(newReq)
}

// HttpClientBuilder provides a fluent interface for building HTTP clients
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	userAgent             string
}

// NewHttpClientBuilder returns a new HttpClientBuilder
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout sets the overall client timeout
func (b *HttpClientBuilder) WithTimeout(timeout time.Duration) *HttpClientBuilder {
	if timeout > 0 {
		b.clientTimeout = timeout
	}
	return b
}

// WithCABundle sets the CA certificate bundle path
func (b *HttpClientBuilder) WithCABundle(path string) *HttpClientBuilder {
	b.caCertPath = path
	return b
}

// WithUserAgent sets the User-Agent header sent on every request
func (b *HttpClientBuilder) WithUserAgent(userAgent string) *HttpClientBuilder {
	b.userAgent = userAgent
	return b
}

// Build creates the configured HTTP client
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = b.tlsHandshakeTimeout
	transport.ResponseHeaderTimeout = b.responseHeaderTimeout

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath) // #nosec G304 - path comes from operator config
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle")
		}

		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    caCertPool,
		}
	}

	var clientTransport http.RoundTripper = transport
	if b.userAgent != "" {
		clientTransport = &userAgentTransport{transport: transport, userAgent: b.userAgent}
	}

	return &http.Client{
		Transport: clientTransport,
		Timeout:   b.clientTimeout,
	}, nil
}
