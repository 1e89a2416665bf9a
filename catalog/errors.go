package catalog

import "errors"

// Sentinel errors surfaced by repository operations. The HTTP layer maps
// them to status codes; nothing below the boundary speaks HTTP.
var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("catalog: not found")

	// ErrStaleState means a compare-and-set lost the race: the stored
	// status did not match the expected prior value. Nothing was modified.
	ErrStaleState = errors.New("catalog: stale state")

	// ErrInvalidTransition means the requested from→to pair is not in the
	// static transition table.
	ErrInvalidTransition = errors.New("catalog: invalid status transition")

	// ErrAmbiguousIdentifier means a name lookup matched datasets under
	// more than one owner.
	ErrAmbiguousIdentifier = errors.New("catalog: ambiguous identifier")

	// ErrDuplicate means a uniqueness constraint was violated.
	ErrDuplicate = errors.New("catalog: duplicate")
)
