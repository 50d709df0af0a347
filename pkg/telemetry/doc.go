// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry builds the OpenTelemetry meter and tracer providers of
// the gateway: a Prometheus reader served on /metrics and optional OTLP
// export of traces and metrics.
package telemetry
