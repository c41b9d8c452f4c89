// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates the caller supplied an invalid value.
// Wrap it with the field-level detail: fmt.Errorf("%w: entity_id is required", ErrValidation).
var ErrValidation = errors.New("validation failed")
