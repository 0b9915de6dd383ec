package usage

import "errors"

// ErrUsageNotFound is returned by lookups that find no matching usage.
var ErrUsageNotFound = errors.New("usage: not found")
