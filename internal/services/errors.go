package services

import "errors"

// ErrInvalidInput marks caller mistakes that are not entity validation
// failures, such as an unknown delivery type.
var ErrInvalidInput = errors.New("invalid input")
