package pe

import "errors"

// Load-layer failures (spec.md section 7, "PE").
var (
	ErrFileError        = errors.New("pe: underlying file read failed")
	ErrInvalidExecutable = errors.New("pe: not a valid PE32+ image for this architecture")
)
