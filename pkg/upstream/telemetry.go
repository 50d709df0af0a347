// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/guildgate/pkg/networking"
)

const instrumentationName = "github.com/stacklok/guildgate/pkg/upstream"

var (
	attrProvider       = attribute.Key("upstream.provider")
	attrOperation      = attribute.Key("upstream.operation")
	attrHTTPStatusCode = attribute.Key("http.response.status_code")
	attrErrorType      = attribute.Key("error.type")
)

// Monitor decorates a Provider so every call records a CLIENT span, a
// request counter, an error counter and a duration histogram.
func Monitor(
	meterProvider metric.MeterProvider,
	tracerProvider trace.TracerProvider,
	provider Provider,
) (Provider, error) {
	meter := meterProvider.Meter(instrumentationName)

	requestsTotal, err := meter.Int64Counter(
		"guildgate_upstream_requests",
		metric.WithDescription("Total number of requests to the identity provider"))
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}
	errorsTotal, err := meter.Int64Counter(
		"guildgate_upstream_errors",
		metric.WithDescription("Total number of failed requests to the identity provider"))
	if err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}
	requestsDuration, err := meter.Float64Histogram(
		"guildgate_upstream_request_duration",
		metric.WithDescription("Duration of requests to the identity provider in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return telemetryProvider{
		provider:         provider,
		tracer:           tracerProvider.Tracer(instrumentationName),
		requestsTotal:    requestsTotal,
		errorsTotal:      errorsTotal,
		requestsDuration: requestsDuration,
	}, nil
}

type telemetryProvider struct {
	provider Provider
	tracer   trace.Tracer

	requestsTotal    metric.Int64Counter
	errorsTotal      metric.Int64Counter
	requestsDuration metric.Float64Histogram
}

var _ Provider = telemetryProvider{}

// record starts a span for operation and returns a function to be deferred
// that records the outcome held in *err.
func (t telemetryProvider) record(ctx context.Context, operation string, err *error) (context.Context, func()) {
	attrs := []attribute.KeyValue{
		attrProvider.String(t.provider.Name()),
		attrOperation.String(operation),
	}

	ctx, span := t.tracer.Start(ctx, "upstream "+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	start := time.Now()
	t.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func() {
		t.requestsDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if err != nil && *err != nil {
			errAttrs := make([]attribute.KeyValue, 0, len(attrs)+2)
			errAttrs = append(errAttrs, attrs...)
			errAttrs = append(errAttrs, attrErrorType.String(errorType(*err)))
			if httpErr, ok := networking.AsHTTPError(*err); ok && !httpErr.Transport() {
				errAttrs = append(errAttrs, attrHTTPStatusCode.Int(httpErr.StatusCode))
			}
			t.errorsTotal.Add(ctx, 1, metric.WithAttributes(errAttrs...))
			span.RecordError(*err)
			span.SetAttributes(errAttrs[len(attrs):]...)
			span.SetStatus(codes.Error, errorType(*err))
		}
		span.End()
	}
}

// errorType is a low-cardinality label for an error.
func errorType(err error) string {
	httpErr, ok := networking.AsHTTPError(err)
	switch {
	case !ok:
		return "other"
	case httpErr.Transport():
		return "transport"
	default:
		return strconv.Itoa(httpErr.StatusCode)
	}
}

// Name returns the wrapped provider's name.
func (t telemetryProvider) Name() string {
	return t.provider.Name()
}

// AuthorizationURL builds no request and is not recorded.
func (t telemetryProvider) AuthorizationURL(state string) string {
	return t.provider.AuthorizationURL(state)
}

// ExchangeCode records the code exchange.
func (t telemetryProvider) ExchangeCode(ctx context.Context, code string) (_ *Tokens, retErr error) {
	ctx, done := t.record(ctx, "exchange_code", &retErr)
	defer done()
	return t.provider.ExchangeCode(ctx, code)
}

// RefreshTokens records the refresh grant.
func (t telemetryProvider) RefreshTokens(ctx context.Context, refreshToken string) (_ *Tokens, retErr error) {
	ctx, done := t.record(ctx, "refresh_tokens", &retErr)
	defer done()
	return t.provider.RefreshTokens(ctx, refreshToken)
}

// RevokeToken records the revocation.
func (t telemetryProvider) RevokeToken(ctx context.Context, accessToken string) (retErr error) {
	ctx, done := t.record(ctx, "revoke_token", &retErr)
	defer done()
	return t.provider.RevokeToken(ctx, accessToken)
}

// CurrentUser records the identity lookup.
func (t telemetryProvider) CurrentUser(ctx context.Context, accessToken string) (_ *User, retErr error) {
	ctx, done := t.record(ctx, "current_user", &retErr)
	defer done()
	return t.provider.CurrentUser(ctx, accessToken)
}

// UserGroups records the group listing.
func (t telemetryProvider) UserGroups(ctx context.Context, accessToken string) (_ []string, retErr error) {
	ctx, done := t.record(ctx, "user_groups", &retErr)
	defer done()
	return t.provider.UserGroups(ctx, accessToken)
}

// GroupRoles records the role lookup.
func (t telemetryProvider) GroupRoles(ctx context.Context, groupID, userID string) (_ []string, retErr error) {
	ctx, done := t.record(ctx, "group_roles", &retErr)
	defer done()
	return t.provider.GroupRoles(ctx, groupID, userID)
}
