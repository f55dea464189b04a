package db

import "errors"

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is returned when a row is not in the state an operation requires.
	ErrStateConflict = errors.New("state conflict")
	// ErrDuplicateReference is returned when a recipient hands out a reference it already
	// assigned to another submission.
	ErrDuplicateReference = errors.New("external reference already assigned")
	// ErrAmbiguousReference is returned when a reference lookup without a recipient matches
	// submissions of more than one recipient.
	ErrAmbiguousReference = errors.New("external reference is ambiguous")
)
