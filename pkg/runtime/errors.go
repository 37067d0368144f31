package runtime

import "errors"

// Bind failures.
var (
	ErrUnknownMethod          = errors.New("unknown method")
	ErrPoolSizeInsufficient   = errors.New("pool size insufficient")
	ErrUnresolvedExternalData = errors.New("unresolved external data")
)

// External resolution failures, wrapped under ErrUnresolvedExternalData at
// bind time.
var (
	ErrMissingExternalData = errors.New("missing external data")
	ErrSizeMismatch        = errors.New("external data size mismatch")
)

// Caller contract violations, detected eagerly.
var (
	ErrShapeMismatch   = errors.New("shape mismatch")
	ErrDTypeMismatch   = errors.New("dtype mismatch")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrInvalidState    = errors.New("invalid method state")
)

// Execution failures.
var (
	ErrExecution      = errors.New("execution failed")
	ErrNotImplemented = errors.New("operator not implemented")
)
