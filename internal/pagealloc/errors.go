package pagealloc

import "errors"

// Allocator failures (spec.md section 7 doesn't name these explicitly but
// the page allocator's operations are fallible per spec.md 4.6).
var (
	ErrNotFound          = errors.New("pagealloc: no record matches the given address")
	ErrOutOfResources    = errors.New("pagealloc: no conventional region satisfies the request")
	ErrInvalidParameter  = errors.New("pagealloc: invalid allocation parameters")
)

// errOutOfRecords is raised as a panic, not a returned error, but only from
// AddInitialAllocation: spec.md section 7's propagation policy treats
// running out of allocator records during bring-up as unrecoverable, since
// bring-up has no caller to report the failure to. AllocatePages always
// has a caller and returns ErrOutOfResources instead.
const errOutOfRecords = "pagealloc: exhausted the fixed 512-record allocation table"
