package service

import "errors"

// ErrDenied is the single rejection returned for every authentication-shaped
// failure: wrong proof, unknown subject, expired or consumed challenge,
// revoked capability. Callers must not learn which. The real reason is
// logged server-side only.
var ErrDenied = errors.New("denied")

var (
	// ErrNotConfigured means the subject has no verifier, recovery setup or
	// group vault for the requested operation. Safe to disclose on
	// configuration endpoints; unlock paths fold it into ErrDenied.
	ErrNotConfigured = errors.New("not configured")

	// ErrExpired means the referenced request or session passed its deadline.
	ErrExpired = errors.New("expired")

	// ErrConflict means a uniqueness rule blocked the write: a pending
	// request already exists, or this participant already submitted.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput means the request was malformed before any secret was
	// consulted.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRateLimited means the subject or address is temporarily locked out.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable means a backing store failed; the operation may be
	// retried.
	ErrUnavailable = errors.New("unavailable")
)
