package config

import "errors"

// ErrInvalidConfiguration marks a Configuration that failed Validate —
// always fatal at startup (spec.md §7 "Configuration ... yes, fatal").
var ErrInvalidConfiguration = errors.New("invalid configuration")
