// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package relayerr defines the error kinds shared by the relay core.
//
// Components wrap failures with one of these classes (possibly in addition
// to their own package class); the web surface maps the kind to an HTTP
// status and a machine-readable reason tag.
package relayerr

import (
	"net/http"

	"github.com/zeebo/errs"
)

// Error kinds, exhaustive for the core.
var (
	Malformed       = errs.Class("malformed")
	Unauthenticated = errs.Class("unauthenticated")
	Forbidden       = errs.Class("forbidden")
	NotFound        = errs.Class("not found")
	Conflict        = errs.Class("conflict")
	QuotaExceeded   = errs.Class("quota exceeded")
	PaymentRequired = errs.Class("payment required")
	PaymentInvalid  = errs.Class("payment invalid")
	PayloadTooLarge = errs.Class("payload too large")
	RateLimited     = errs.Class("rate limited")
	Transient       = errs.Class("transient")
	Backend         = errs.Class("backend")
	Invariant       = errs.Class("invariant")
	Disabled        = errs.Class("disabled")
)

type mapping struct {
	class  *errs.Class
	status int
	reason string
}

// ordered so the most specific kinds win when an error carries several
// classes from nested wrapping.
var mappings = []mapping{
	{&Invariant, http.StatusInternalServerError, "invariant"},
	{&PayloadTooLarge, http.StatusRequestEntityTooLarge, "payload-too-large"},
	{&QuotaExceeded, http.StatusRequestEntityTooLarge, "quota-exceeded"},
	{&RateLimited, http.StatusTooManyRequests, "rate-limited"},
	{&PaymentRequired, http.StatusPaymentRequired, "payment-required"},
	{&PaymentInvalid, http.StatusPaymentRequired, "payment-invalid"},
	{&Unauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{&Forbidden, http.StatusForbidden, "forbidden"},
	{&NotFound, http.StatusNotFound, "not-found"},
	{&Conflict, http.StatusConflict, "conflict"},
	{&Disabled, http.StatusServiceUnavailable, "disabled"},
	{&Malformed, http.StatusBadRequest, "malformed"},
	{&Transient, http.StatusServiceUnavailable, "transient"},
	{&Backend, http.StatusInternalServerError, "backend"},
}

// HTTPStatus returns the status code and reason tag for err.
// Unclassified errors report as internal.
func HTTPStatus(err error) (status int, reason string) {
	for _, m := range mappings {
		if m.class.Has(err) {
			return m.status, m.reason
		}
	}
	return http.StatusInternalServerError, "internal"
}

// IsKind reports whether err carries the given class.
func IsKind(err error, class *errs.Class) bool {
	return err != nil && class.Has(err)
}
