package history

import "errors"

// ErrInvalidEntry is returned for entries that cannot be recorded
var ErrInvalidEntry = errors.New("invalid history entry")
