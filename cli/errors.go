package cli

import "errors"

// Errors surfaced while assembling the daemon from its configuration.
var (
	ErrSourceNameEmpty   = errors.New("source name cannot be empty")
	ErrSourceNameInvalid = errors.New("source name must be alphanumeric with hyphens or underscores only")
	ErrDuplicateSource   = errors.New("duplicate source name")
	ErrLockHeld          = errors.New("persistence file is locked by another instance")
)
