// Package apperr defines the sentinel errors shared across the cache
// subsystem. Callers branch on these with errors.Is to tell an
// unreachable automation bridge apart from ordinary not-found and
// token-validation outcomes.
package apperr

import "errors"

var (
	// ErrBridgeUnavailable means osascript could not be reached or was
	// denied automation access. Never swallowed: it blocks extraction.
	ErrBridgeUnavailable = errors.New("automation bridge unavailable")

	// ErrNoMatch means the resolver found no candidate at or above the
	// score threshold. Distinct from a bridge failure.
	ErrNoMatch = errors.New("no matching contact")

	// ErrInvalidToken covers confirmation tokens that were never
	// issued, already consumed, or swept after expiry.
	ErrInvalidToken = errors.New("invalid or expired confirmation token")

	// ErrDeclined means the user answered a confirmation prompt with
	// something outside the affirmative vocabulary.
	ErrDeclined = errors.New("send declined")

	// ErrSendFailed is a post-confirmation dispatch failure, distinct
	// from token validation failures.
	ErrSendFailed = errors.New("message send failed")

	// ErrAlreadyRunning means another daemon instance holds the
	// liveness marker.
	ErrAlreadyRunning = errors.New("daemon already running")
)
