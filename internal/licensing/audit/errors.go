package audit

import "errors"

// ErrChainBroken is returned by VerifyChain when two consecutive entries'
// hashes do not agree.
var ErrChainBroken = errors.New("audit: hash chain broken")
