// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking)
// or a duplicate identifier.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates that input failed a domain rule.
var ErrValidation = errors.New("validation failed")
