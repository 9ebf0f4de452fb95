package domain

import "errors"

var (
	// ErrValidation marks errors caused by invalid caller input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks lookups that matched no record.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks state transitions rejected by a guard.
	ErrConflict = errors.New("conflict")
	// ErrNoAccountAvailable is returned when a user has no sending account at all,
	// not even one with a future available slot.
	ErrNoAccountAvailable = errors.New("no sending account available")
	// ErrCampaignInactive is returned when an operation requires an active campaign.
	ErrCampaignInactive = errors.New("campaign is not active")
)
