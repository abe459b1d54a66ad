package ledger

import "errors"

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("ledger: record not found")
