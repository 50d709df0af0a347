// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

// ErrNotFound is returned when no session exists for an ID.
var ErrNotFound = httperr.WithCode(
	errors.New("session not found"),
	http.StatusNotFound,
)
