package scope

import "errors"

// ErrSlugTaken is returned by Create when another scope already owns the
// requested slug.
var ErrSlugTaken = errors.New("scope: slug already in use")
