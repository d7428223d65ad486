// Package service provides business logic for the messaging core.
package service

import "errors"

// Domain errors. Handlers map these to HTTP statuses; the realtime hub maps
// them to error frames.
var (
	// ErrInvalidParticipants marks a create request whose deduplicated
	// participant set has fewer than two members.
	ErrInvalidParticipants = errors.New("invalid participants")

	// ErrNotParticipant marks a sender outside the conversation's
	// participant set.
	ErrNotParticipant = errors.New("not a participant")

	// ErrForbidden marks a requester lacking rights for the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidPayload marks a message missing required fields for its kind.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrNotFound marks an unknown conversation or message id.
	ErrNotFound = errors.New("not found")

	// ErrPersistence wraps infrastructure failures from the store.
	ErrPersistence = errors.New("persistence error")
)
