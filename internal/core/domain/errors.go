package domain

import "errors"

var (
	// ErrOriginUnknown means resolution was attempted before the viewer's
	// location is known. The caller must obtain a location fix first;
	// retrying without one will not help.
	ErrOriginUnknown = errors.New("viewer origin unknown")

	// ErrAllSourcesFailed means both the primary and fallback resolution
	// paths failed. The previously applied result must stay in place.
	ErrAllSourcesFailed = errors.New("all resolution sources failed")

	// ErrNotFound is returned for lookups of absent rows.
	ErrNotFound = errors.New("not found")
)
