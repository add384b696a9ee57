// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package auth repairs client authorization headers before they reach the
// router's handlers or the downstream routing layer.
//
// OpenAI-compatible tools routinely send "Authorization: Bearer " while the
// user has not typed an API key yet. Such values carry no credential and are
// rejected by strict parsers further down the chain, so they are dropped
// rather than forwarded.
package auth

import (
	"net/http"
	"sort"
	"strings"
)

// HeaderAuthorization is the header inspected by the sanitizer.
const HeaderAuthorization = "Authorization"

const bearerPrefix = "Bearer"

// HeaderField is a single header line.
type HeaderField struct {
	Name  string
	Value string
}

// HeaderList is an ordered header set that may contain duplicate names.
type HeaderList []HeaderField

// IsMalformedAuthorization reports whether an authorization value carries no
// usable token: empty, a bare "Bearer", or "Bearer" followed only by
// whitespace.
func IsMalformedAuthorization(value string) bool {
	v := strings.TrimSpace(value)
	if v == "" || v == bearerPrefix {
		return true
	}
	if token, ok := strings.CutPrefix(v, bearerPrefix+" "); ok && strings.TrimSpace(token) == "" {
		return true
	}
	return false
}

// isDisqualified applies the sanitizer predicate to a single field.
func isDisqualified(f HeaderField) bool {
	return strings.EqualFold(f.Name, HeaderAuthorization) && IsMalformedAuthorization(f.Value)
}

// Sanitize returns a new list without malformed authorization entries. The
// order and casing of the remaining entries are preserved and the input is
// left untouched.
func Sanitize(headers HeaderList) HeaderList {
	out := make(HeaderList, 0, len(headers))
	for _, f := range headers {
		if isDisqualified(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// FromHeader flattens an http.Header into a HeaderList. http.Header keeps no
// order across names, so names are sorted; values of one name keep their
// order.
func FromHeader(h http.Header) HeaderList {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	list := make(HeaderList, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			list = append(list, HeaderField{Name: name, Value: v})
		}
	}
	return list
}

// Header converts the list back to an http.Header without canonicalising
// names.
func (l HeaderList) Header() http.Header {
	h := make(http.Header, len(l))
	for _, f := range l {
		h[f.Name] = append(h[f.Name], f.Value)
	}
	return h
}

// Without returns a copy of the list excluding the named headers, compared
// case-insensitively.
func (l HeaderList) Without(names ...string) HeaderList {
	out := make(HeaderList, 0, len(l))
next:
	for _, f := range l {
		for _, n := range names {
			if strings.EqualFold(f.Name, n) {
				continue next
			}
		}
		out = append(out, f)
	}
	return out
}

// HasMalformedAuthorization reports whether h contains an authorization value
// the sanitizer would drop.
func HasMalformedAuthorization(h http.Header) bool {
	for name, values := range h {
		if !strings.EqualFold(name, HeaderAuthorization) {
			continue
		}
		for _, v := range values {
			if IsMalformedAuthorization(v) {
				return true
			}
		}
	}
	return false
}

// Middleware drops malformed authorization headers before the wrapped handler
// runs. Requests without such headers are passed through unchanged; otherwise
// the handler receives a clone carrying the sanitized header set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !HasMalformedAuthorization(r.Header) {
			next.ServeHTTP(w, r)
			return
		}
		repaired := r.Clone(r.Context())
		repaired.Header = Sanitize(FromHeader(r.Header)).Header()
		next.ServeHTTP(w, repaired)
	})
}
