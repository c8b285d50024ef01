package store

import "errors"

// Error taxonomy surfaced to callers. Storage/codec errors are wrapped
// with fmt.Errorf("%w: ...") at the call site so callers can still
// errors.Is against the sentinel while retaining the underlying cause.
var (
	ErrNotFound = errors.New("rule not found")
	ErrStorage  = errors.New("storage error")
	ErrCodec    = errors.New("codec error")
	ErrLogic    = errors.New("logic error")
)
