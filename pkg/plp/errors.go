package plp

import "errors"

var (
	ErrInvalidMagic       = errors.New("invalid PLP magic")
	ErrUnsupportedVersion = errors.New("unsupported PLP major version")
	ErrCorruptProgram     = errors.New("corrupt PLP program")
)
