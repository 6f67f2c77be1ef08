package bridge

import "errors"

var (
	// ErrInvalidConfig marks a configuration rejected at init or
	// configure_bft time (spec.md §7 "Configuration (bad URL, wrong
	// admin) — yes, fatal").
	ErrInvalidConfig = errors.New("invalid bridge configuration")

	// ErrForbidden marks an admin-gated call made by a non-admin caller
	// (spec.md §3 "Admin is a single principal; only it may mutate config").
	ErrForbidden = errors.New("admin-only operation")

	// ErrNotInitialized marks a call made before Init has completed.
	ErrNotInitialized = errors.New("bridge not initialized")
)
