package models

import "errors"

// Error taxonomy shared across the signaling and upload pipeline. Callers
// branch with errors.Is; handlers map these to HTTP/WebSocket error codes.
var (
	// ErrValidation marks a malformed request or signaling payload.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown room, recording or chunk.
	ErrNotFound = errors.New("not found")
	// ErrRoomFull marks a join attempt against a room at capacity.
	ErrRoomFull = errors.New("room at capacity")
	// ErrIntegrity marks an object that is absent after a presumed upload
	// or whose ETag does not match the client's claim.
	ErrIntegrity = errors.New("upload integrity check failed")
	// ErrTransientStorage marks a retryable object-store failure.
	ErrTransientStorage = errors.New("transient storage error")
	// ErrProcessing marks a terminal media processing failure.
	ErrProcessing = errors.New("processing error")
)
