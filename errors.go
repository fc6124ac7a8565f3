package ejldb

import "errors"

// Sentinel error kinds surfaced by the engine. Callers branch on these with
// errors.Is; wrapped forms carry the offending id, path, or file detail.
var (
	// ErrValidation means a document violates its schema: wrong type, a
	// missing mandatory field, or an unknown strict-taxonomy key.
	ErrValidation = errors.New("ejldb: validation failed")

	// ErrDuplicateID means a save would create a second live record sharing
	// an id with an existing one.
	ErrDuplicateID = errors.New("ejldb: duplicate id")

	// ErrConflict means an optimistic save lost a race: the record changed
	// or was deleted between load and save. Also returned by taxonomy
	// rename/merge when collision="error" and a collision is found, and by
	// Record.Reload when the record has been deleted.
	ErrConflict = errors.New("ejldb: conflict")

	// ErrNotFound means a requested blob or record does not exist.
	ErrNotFound = errors.New("ejldb: not found")

	// ErrLockHeld means the data file's exclusive lock is held by another
	// handle (typically another process).
	ErrLockHeld = errors.New("ejldb: lock held")

	// ErrIOCorruption means the header is missing or partial, meta/data
	// framing is violated, or a strict read's length/hash did not match.
	ErrIOCorruption = errors.New("ejldb: corrupt")

	// ErrClosed means an operation was attempted on a closed Database.
	ErrClosed = errors.New("ejldb: closed")
)
