package domain

import "errors"

// Domain errors
var (
	ErrRankingNotFound        = errors.New("ranking not found")
	ErrGroupNotFound          = errors.New("peer group not found")
	ErrDuplicateRecord        = errors.New("activity record already exists")
	ErrInvalidRecord          = errors.New("invalid activity record")
	ErrInvalidPeriod          = errors.New("invalid period")
	ErrInvalidCategory        = errors.New("invalid category")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrStaleWrite             = errors.New("stale write rejected")
	ErrReassignConflict       = errors.New("rank reassignment conflict")
	ErrQueueFull              = errors.New("update queue full")
	ErrTemporarilyUnavailable = errors.New("rankings temporarily unavailable")
	ErrInternalError          = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrRankingNotFound) || errors.Is(err, ErrGroupNotFound)
}

// IsInvalidError checks if an error was caused by bad caller input
func IsInvalidError(err error) bool {
	return errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidCategory) ||
		errors.Is(err, ErrInvalidRequest)
}
