package kv

import "errors"

var (
	ErrTableNotFound = errors.New("table not found")
	ErrTableExists   = errors.New("table already exists")
	// ErrInvalidKey is returned when an item or key does not match the key
	// schema of its table.
	ErrInvalidKey   = errors.New("invalid key")
	ErrInvalidInput = errors.New("invalid input")
)
