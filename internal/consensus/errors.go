package consensus

import "errors"

var (
	// ErrInvalidProposal is returned when a proposal lacks a key or a value.
	ErrInvalidProposal = errors.New("invalid proposal: key and value are required")

	// ErrStaleProposal is returned when an explicit version does not exceed
	// the version already held for the key.
	ErrStaleProposal = errors.New("stale proposal: version must exceed the current one")
)
