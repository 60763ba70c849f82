package interview

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrValidation             = errors.New("validation error")
	ErrExpired                = errors.New("interview token expired")
	ErrAlreadyStarted         = errors.New("interview already started")
	ErrAlreadyFinalized       = errors.New("interview already finalized")
	ErrStorage                = errors.New("storage error")

	// ErrConflict is returned by a Repository when the stored version no
	// longer matches the expected one.
	ErrConflict = errors.New("version conflict")
)
