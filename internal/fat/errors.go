package fat

import "errors"

// Filesystem-layer failures (spec.md section 7, "FAT").
var (
	ErrUnsupported     = errors.New("fat: unsupported filesystem variant or feature")
	ErrNotFound        = errors.New("fat: path not found")
	ErrEndOfFile       = errors.New("fat: end of file")
	ErrInvalidOffset   = errors.New("fat: seek offset is not sector-aligned")
	ErrNodeTypeMismatch = errors.New("fat: operation requires the other node type")
)
