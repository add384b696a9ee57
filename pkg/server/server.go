// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package server assembles the router's inbound HTTP surface.
package server

import (
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/federated-router/pkg/auth"
)

// HeaderRequestID carries the request correlation id.
const HeaderRequestID = "X-Request-Id"

// ModelsPath is answered locally by the model aggregator.
const ModelsPath = "/v1/models"

var proxiedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
}

// NewRouter wires the header sanitizer in front of every route, serves
// GET /v1/models from models and forwards everything else to proxy.
func NewRouter(models, proxy http.Handler) http.Handler {
	r := chi.NewRouter()
	// Must run before anything reads the Authorization header.
	r.Use(auth.Middleware)
	r.Use(RequestID)
	r.Use(middleware.Recoverer)

	r.HandleFunc(ModelsPath, func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.Method == http.MethodGet:
			models.ServeHTTP(w, req)
		case slices.Contains(proxiedMethods, req.Method):
			proxy.ServeHTTP(w, req)
		default:
			methodNotAllowed(w)
		}
	})

	for _, m := range proxiedMethods {
		r.Method(m, "/*", proxy)
	}
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		methodNotAllowed(w)
	})

	return r
}

// RequestID tags the request with a correlation id, taken from the inbound
// X-Request-Id header or generated, and stores a request-scoped logger in the
// context for zerolog.Ctx.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)

		logger := log.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Allow", strings.Join(proxiedMethods, ", "))
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
