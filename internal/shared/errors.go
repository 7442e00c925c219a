package shared

import "errors"

var (
	// ErrInvalidTimestamp indicates a date string outside the yyyymmddhhmmss format.
	ErrInvalidTimestamp = errors.New("timestamp must be 14 digits yyyymmddhhmmss")
)
