package domain

import "errors"

// Domain errors - use these for consistent error handling
var (
	// Credential errors
	ErrCredentialMissing = errors.New("credential is missing")
	ErrCredentialExpired = errors.New("credential has expired")

	// Connection errors
	ErrNotConnected = errors.New("realtime connection is not established")

	// Room errors
	ErrRoomNotFound     = errors.New("chat room not found")
	ErrChatUnavailable  = errors.New("chat unavailable")
	ErrRoomArchived     = errors.New("chat room is archived")
	ErrRoomStillPending = errors.New("chat room has not been created yet")

	// Message errors
	ErrEmptyMessage   = errors.New("message cannot be empty")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
)
