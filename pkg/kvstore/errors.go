package kvstore

import "errors"

// Errors returned by the engine. Command handlers translate these into
// wire-level -ERR replies; use errors.Is to test for them.
var (
	ErrNilValue       = errors.New("nil value")
	ErrInvalidKey     = errors.New("invalid key")
	ErrKeyNotFound    = errors.New("key not found")
	ErrTypeMismatch   = errors.New("type mismatch")
	ErrStringTooLarge = errors.New("string too large")
	ErrCapacityFull   = errors.New("capacity full")
	ErrMemory         = errors.New("memory allocation failed")
	ErrIO             = errors.New("i/o error")
	ErrInvalidFormat  = errors.New("invalid format")
	ErrInvalidType    = errors.New("invalid type")
)
