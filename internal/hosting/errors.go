package hosting

import "errors"

// ErrNoPRFound is returned when no open PR / MR exists for a branch.
var ErrNoPRFound = errors.New("no open pull request found for branch")
