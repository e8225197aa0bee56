package storage

import "errors"

var (
	// ErrNotFound indicates that the requested row was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDimensionMismatch indicates an embedding whose dimension differs
	// from what the index already holds.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
