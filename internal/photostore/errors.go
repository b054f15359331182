package photostore

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceededAllLocked is returned by AddPhoto when the collection is
	// full and no record can be evicted. The collection is left unchanged.
	ErrCapacityExceededAllLocked = errors.New("photo collection is full and every photo is locked")
	// ErrInvariantViolation is the class of rejected no-op or forbidden mutations.
	ErrInvariantViolation = errors.New("photo invariant violation")
	// ErrPhotoNotFound is returned when a photo id does not belong to the owner.
	ErrPhotoNotFound = errors.New("photo not found")
	// ErrInvalidInput is returned for empty owner ids or storage keys.
	ErrInvalidInput = errors.New("invalid photo input")
	// ErrVersionConflict is returned by a Repository when the stored document
	// changed since it was loaded.
	ErrVersionConflict = errors.New("photo collection version conflict")
	// ErrNoDocument is returned by a Repository for owners without a collection.
	ErrNoDocument = errors.New("photo collection document not found")
)

var (
	ErrAlreadyLocked = fmt.Errorf("%w: photo is already locked", ErrInvariantViolation)
	ErrNotLocked     = fmt.Errorf("%w: photo is not locked", ErrInvariantViolation)
	ErrDeleteLocked  = fmt.Errorf("%w: locked photos cannot be deleted", ErrInvariantViolation)
)
