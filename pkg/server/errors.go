// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/guildgate/pkg/logger"
)

// handlerWithError is an HTTP handler that can return an error.
type handlerWithError func(http.ResponseWriter, *http.Request) error

// errorHandler converts a returned error into a response using the status
// code it carries. 5xx details are logged and hidden from the client.
func errorHandler(fn handlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := httperr.Code(err)
		if code >= http.StatusInternalServerError {
			logger.Errorw("request failed", "path", r.URL.Path, "error", err)
			http.Error(w, http.StatusText(code), code)
			return
		}
		http.Error(w, err.Error(), code)
	}
}
