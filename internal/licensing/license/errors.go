package license

import "errors"

// ErrInvalidTransition is returned when a state transition's guard is not
// met by the license's current status.
var ErrInvalidTransition = errors.New("license: invalid state transition")
