package persistence

import "errors"

// ErrNotFound is returned (wrapped) when a lookup by id finds no row.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a state change violates the
// entity's allowed-transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

const defaultMaxAttempts = 3
