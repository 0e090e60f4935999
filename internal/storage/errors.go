package storage

import "errors"

// ErrNotFound is returned by GetTrace when no archived trace matches the
// archive ID or trace ID.
var ErrNotFound = errors.New("storage: trace not found")
