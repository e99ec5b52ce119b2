package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrExpired is returned when a record exists but is past its expiry
	ErrExpired = errors.New("record expired")

	// ErrSubjectMismatch is returned when a refresh token is presented for
	// a subject other than its owner
	ErrSubjectMismatch = errors.New("refresh token subject mismatch")

	// ErrAlreadyConsumed is returned when a refresh token was already rotated
	// or revoked
	ErrAlreadyConsumed = errors.New("refresh token already consumed")

	// ErrFamilyRevoked is returned when saving a token into a revoked family
	ErrFamilyRevoked = errors.New("token family revoked")

	// ErrFamilyConflict is returned when saving a token into a family that
	// still has a live member or belongs to another subject
	ErrFamilyConflict = errors.New("token family conflict")

	// ErrAlreadyAuthorized is returned when a subject is bound to an attempt
	// that already has one
	ErrAlreadyAuthorized = errors.New("attempt already authorized")
)
