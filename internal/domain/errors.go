package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrEmptyRoom = errors.New("domain: empty room id")
)
