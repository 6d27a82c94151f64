package crawler

import "errors"

var (
	// ErrInvalidKey reports a key field that does not fit its encoded width.
	ErrInvalidKey = errors.New("invalid key")
	// ErrMalformedKey reports an encoded key with the wrong length or digit grouping.
	ErrMalformedKey = errors.New("malformed key")
	// ErrNoIdentifier is returned by extractors when fetched content lacks the
	// record's own identifying attribute.
	ErrNoIdentifier = errors.New("no identifier in content")
	// ErrNotFound is returned by object stores when a path holds no object.
	ErrNotFound = errors.New("object not found")
	// ErrVersionMismatch is returned by a conditional put whose expected version is stale.
	ErrVersionMismatch = errors.New("object version mismatch")
	// ErrMergeConflict is returned once merge retries against a concurrently
	// modified snapshot are exhausted.
	ErrMergeConflict = errors.New("merge conflict: snapshot kept changing")
)
