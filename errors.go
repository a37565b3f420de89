package binarycache

import "errors"

// Error taxonomy shared by all layers. Callers wrap these with fmt.Errorf and
// match them with errors.Is; the HTTP layer maps each to a stable status code.
var (
	// ErrUnauthenticated is returned for a token with a bad signature, a bad
	// shape or an elapsed expiry.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when a valid token lacks the required grant.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned for an unknown cache, store path or chunk.
	ErrNotFound = errors.New("not found")

	// ErrInvalid is returned for malformed requests.
	ErrInvalid = errors.New("invalid request")

	// ErrExists is returned when creating something that already exists.
	ErrExists = errors.New("already exists")

	// ErrUnavailable marks a transient backend failure that survived retries.
	ErrUnavailable = errors.New("storage backend unavailable")

	// ErrInconsistent marks a chunk the index lists but the backend does not
	// have: the reference counts and the backend disagree.
	ErrInconsistent = errors.New("storage inconsistency")

	// ErrIntegrity marks content whose hash does not match its address.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrConflict marks a metadata transaction that lost a race and may be
	// retried.
	ErrConflict = errors.New("metadata conflict")
)
